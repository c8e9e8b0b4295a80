package clock

import (
	"fmt"
	"time"
)

// Central European offsets from UTC
const (
	StandardOffset = 1 * time.Hour // CET
	SummerOffset   = 2 * time.Hour // CEST
)

// Weekday returns the day of the week for a Gregorian date using
// Zeller's congruence. No calendar tables are consulted.
func Weekday(year, month, day int) time.Weekday {
	m, y := month, year
	if m < 3 {
		m += 12
		y--
	}
	// h: 0 = Saturday, 1 = Sunday, ..., 6 = Friday
	h := (day + (13*(m+1))/5 + y + y/4 - y/100 + y/400) % 7
	return time.Weekday((h + 6) % 7)
}

func daysInMonth(year, month int) int {
	switch month {
	case 4, 6, 9, 11:
		return 30
	case 2:
		if year%4 == 0 && (year%100 != 0 || year%400 == 0) {
			return 29
		}
		return 28
	default:
		return 31
	}
}

// LastSunday returns the day of month of the last Sunday in month/year
func LastSunday(year, month int) int {
	last := daysInMonth(year, month)
	return last - int(Weekday(year, month, last))
}

// IsDST reports whether Central European summer time is in effect at the
// given local wall time. Summer time starts on the last Sunday of March at
// 02:00 and ends on the last Sunday of October at 03:00.
func IsDST(year, month, day, hour int) bool {
	switch {
	case month < 3 || month > 10:
		return false
	case month > 3 && month < 10:
		return true
	case month == 3:
		switch start := LastSunday(year, 3); {
		case day < start:
			return false
		case day > start:
			return true
		default:
			return hour >= 2
		}
	default: // October
		switch end := LastSunday(year, 10); {
		case day < end:
			return true
		case day > end:
			return false
		default:
			return hour < 3
		}
	}
}

// UTCOffset returns the Central European offset for a local wall time
func UTCOffset(year, month, day, hour int) time.Duration {
	if IsDST(year, month, day, hour) {
		return SummerOffset
	}
	return StandardOffset
}

// Local converts a UTC millisecond timestamp to Central European wall time.
// Both switch instants fall on 01:00 UTC.
func Local(ms int64) time.Time {
	utc := time.UnixMilli(ms).UTC()
	y := utc.Year()
	start := time.Date(y, time.March, LastSunday(y, 3), 1, 0, 0, 0, time.UTC)
	end := time.Date(y, time.October, LastSunday(y, 10), 1, 0, 0, 0, time.UTC)

	offset := StandardOffset
	if !utc.Before(start) && utc.Before(end) {
		offset = SummerOffset
	}
	name := "CET"
	if offset == SummerOffset {
		name = "CEST"
	}
	return utc.In(time.FixedZone(name, int(offset/time.Second)))
}

// FormatLocal renders a UTC millisecond timestamp as dd.mm.yyyy hh:mm:ss zone
func FormatLocal(ms int64) string {
	t := Local(ms)
	zone, _ := t.Zone()
	return fmt.Sprintf("%02d.%02d.%04d %02d:%02d:%02d %s",
		t.Day(), t.Month(), t.Year(), t.Hour(), t.Minute(), t.Second(), zone)
}
