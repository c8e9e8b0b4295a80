package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agsys/plant-controller/internal/models"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database for inspection
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Query runs an ad hoc statement, used by the inspection CLI
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Sensor readings, one row per cycle
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT UNIQUE NOT NULL,
		timestamp INTEGER NOT NULL,
		moisture_1 REAL NOT NULL,
		moisture_2 REAL NOT NULL,
		moisture_3 REAL NOT NULL,
		moisture_4 REAL NOT NULL,
		temperature_c REAL,
		humidity REAL,
		water_level_pct REAL,
		water_level_cm REAL,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp);
	CREATE INDEX IF NOT EXISTS idx_readings_synced ON readings(synced_to_cloud);

	-- Pump activations
	CREATE TABLE IF NOT EXISTS pump_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pump INTEGER NOT NULL,
		reason TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_pump_events_started ON pump_events(started_at);

	-- Self-test reports
	CREATE TABLE IF NOT EXISTS test_results (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		trigger_source TEXT NOT NULL,
		overall_status TEXT NOT NULL,
		failed_count INTEGER NOT NULL,
		details TEXT,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_test_results_timestamp ON test_results(timestamp);

	-- Scheduler timers that survive restarts
	CREATE TABLE IF NOT EXISTS timers (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Reading Operations ---

// InsertReading inserts a new reading and assigns its UID
func (db *DB) InsertReading(r *Reading) (int64, error) {
	if r.UID == "" {
		r.UID = uuid.New().String()
	}
	query := `INSERT INTO readings
		(uid, timestamp, moisture_1, moisture_2, moisture_3, moisture_4,
		 temperature_c, humidity, water_level_pct, water_level_cm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, r.UID, r.Timestamp,
		r.Moisture[0], r.Moisture[1], r.Moisture[2], r.Moisture[3],
		r.TemperatureC, r.Humidity, r.WaterLevelPct, r.WaterLevelCm)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

const readingColumns = `id, uid, timestamp, moisture_1, moisture_2, moisture_3, moisture_4,
	temperature_c, humidity, water_level_pct, water_level_cm, synced_to_cloud`

func scanReadings(rows *sql.Rows) ([]*Reading, error) {
	defer rows.Close()

	var readings []*Reading
	for rows.Next() {
		r := &Reading{}
		if err := rows.Scan(&r.ID, &r.UID, &r.Timestamp,
			&r.Moisture[0], &r.Moisture[1], &r.Moisture[2], &r.Moisture[3],
			&r.TemperatureC, &r.Humidity, &r.WaterLevelPct, &r.WaterLevelCm, &r.SyncedToCloud); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetRecentReadings retrieves the newest readings first
func (db *DB) GetRecentReadings(limit int) ([]*Reading, error) {
	rows, err := db.conn.Query(`SELECT `+readingColumns+`
		FROM readings ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// GetUnsyncedReadings retrieves readings not yet synced to cloud, oldest first
func (db *DB) GetUnsyncedReadings(limit int) ([]*Reading, error) {
	rows, err := db.conn.Query(`SELECT `+readingColumns+`
		FROM readings WHERE synced_to_cloud = 0
		ORDER BY timestamp, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// MarkReadingSynced marks a reading as synced
func (db *DB) MarkReadingSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE readings SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// MarkReadingsSyncedBefore marks every reading up to ts (UTC ms) as
// synced and returns how many rows changed
func (db *DB) MarkReadingsSyncedBefore(ts int64) (int64, error) {
	result, err := db.conn.Exec("UPDATE readings SET synced_to_cloud = 1 WHERE synced_to_cloud = 0 AND timestamp <= ?", ts)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeSyncedReadings deletes synced readings older than ts (UTC ms)
func (db *DB) PurgeSyncedReadings(ts int64) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM readings WHERE synced_to_cloud = 1 AND timestamp < ?", ts)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Pump Event Operations ---

// InsertPumpEvent inserts a pump activation
func (db *DB) InsertPumpEvent(e *PumpEvent) (int64, error) {
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	result, err := db.conn.Exec(`INSERT INTO pump_events (pump, reason, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?)`, e.Pump, e.Reason, e.StartedAt, e.Duration.Milliseconds(), errText)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetPumpEvents retrieves the newest pump events first
func (db *DB) GetPumpEvents(limit int) ([]*PumpEvent, error) {
	rows, err := db.conn.Query(`SELECT id, pump, reason, started_at, duration_ms, error
		FROM pump_events ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*PumpEvent
	for rows.Next() {
		e := &PumpEvent{}
		var durationMS int64
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &e.Pump, &e.Reason, &e.StartedAt, &durationMS, &errText); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Error = errText.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Self-Test Operations ---

// InsertTestResult journals a self-test report
func (db *DB) InsertTestResult(r models.TestResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal test result: %w", err)
	}
	_, err = db.conn.Exec(`INSERT OR REPLACE INTO test_results
		(id, timestamp, trigger_source, overall_status, failed_count, details, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Trigger, string(r.OverallStatus), r.FailedCount, r.Details, string(payload))
	return err
}

// GetTestResults retrieves the newest self-test reports first
func (db *DB) GetTestResults(limit int) ([]*TestRecord, error) {
	rows, err := db.conn.Query(`SELECT id, timestamp, trigger_source, overall_status, failed_count, details, payload
		FROM test_results ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TestRecord
	for rows.Next() {
		r := &TestRecord{}
		var status string
		var details sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Trigger, &status, &r.FailedCount, &details, &r.Payload); err != nil {
			return nil, err
		}
		r.OverallStatus = models.TestStatus(status)
		r.Details = details.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Timer Operations ---

// GetTimer returns a stored timer value, zero when unset
func (db *DB) GetTimer(name string) (int64, error) {
	var v int64
	err := db.conn.QueryRow("SELECT value FROM timers WHERE name = ?", name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// SetTimer stores a timer value
func (db *DB) SetTimer(name string, value int64) error {
	_, err := db.conn.Exec(`INSERT INTO timers (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now())
	return err
}

// --- Statistics ---

// GetStats summarizes table sizes and the reading time range
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM readings", &s.Readings},
		{"SELECT COUNT(*) FROM readings WHERE synced_to_cloud = 0", &s.UnsyncedReadings},
		{"SELECT COUNT(*) FROM pump_events", &s.PumpEvents},
		{"SELECT COUNT(*) FROM test_results", &s.TestResults},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	var first, last sql.NullInt64
	if err := db.conn.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM readings").Scan(&first, &last); err != nil {
		return nil, err
	}
	s.FirstReading = first.Int64
	s.LastReading = last.Int64
	return s, nil
}
