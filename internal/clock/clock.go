// Package clock keeps a reconciled UTC wall clock on hardware without a
// battery-backed RTC: network time is fetched on demand and the local
// monotonic clock carries it forward between syncs.
package clock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"

	"github.com/agsys/plant-controller/internal/logging"
)

// ErrNoTimeSource is returned when every configured server failed
var ErrNoTimeSource = errors.New("no time source reachable")

// DefaultServers is the priority-ordered server list
var DefaultServers = []string{
	"de.pool.ntp.org",
	"europe.pool.ntp.org",
	"pool.ntp.org",
	"time.google.com",
}

// Source fetches the current UTC time from a named server
type Source interface {
	Now(ctx context.Context, server string) (time.Time, error)
}

// NTPSource queries SNTP servers
type NTPSource struct {
	Timeout time.Duration
}

// Now implements Source
func (s NTPSource) Now(ctx context.Context, server string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return time.Time{}, err
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("invalid response: %w", err)
	}
	return time.Now().Add(resp.ClockOffset).UTC(), nil
}

// State is the calibration recorded by the last successful sync
type State struct {
	Synced            bool
	LastSyncUTCMillis int64
	LastSyncMonotonic time.Duration
}

// Service reconciles network time with the local monotonic clock
type Service struct {
	servers   []string
	source    Source
	monotonic func() time.Duration
	wall      func() time.Time
	state     State
	logger    *zap.Logger
}

// Option customizes a Service
type Option func(*Service)

// WithMonotonic replaces the monotonic clock. The function must never
// decrease.
func WithMonotonic(fn func() time.Duration) Option {
	return func(s *Service) { s.monotonic = fn }
}

// WithWall replaces the uncalibrated local wall clock
func WithWall(fn func() time.Time) Option {
	return func(s *Service) { s.wall = fn }
}

// New creates a clock service. An empty server list uses DefaultServers.
func New(source Source, servers []string, opts ...Option) *Service {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	start := time.Now()
	s := &Service{
		servers:   servers,
		source:    source,
		monotonic: func() time.Duration { return time.Since(start) },
		wall:      time.Now,
		logger:    logging.Named(logging.NameClock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync tries each server in order and calibrates on the first success.
// On failure the previous calibration is kept untouched.
func (s *Service) Sync(ctx context.Context) error {
	var errs []error
	for _, server := range s.servers {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, err := s.source.Now(ctx, server)
		if err != nil {
			s.logger.Warn("time server failed", zap.String("server", server), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}

		mono := s.monotonic()
		ms := t.UnixMilli()
		if s.state.Synced {
			// Never step the reconciled clock backward
			projected := s.state.LastSyncUTCMillis + (mono - s.state.LastSyncMonotonic).Milliseconds()
			if ms < projected {
				s.logger.Info("time server behind local projection, holding",
					zap.String("server", server), zap.Int64("behind_ms", projected-ms))
				ms = projected
			}
		}

		s.state = State{Synced: true, LastSyncUTCMillis: ms, LastSyncMonotonic: mono}
		s.logger.Info("time synchronized",
			zap.String("server", server),
			zap.Int64("utc_ms", ms),
			zap.String("local", FormatLocal(ms)))
		return nil
	}

	return fmt.Errorf("%w: %w", ErrNoTimeSource, errors.Join(errs...))
}

// NowMillis returns the current UTC time in milliseconds. Before the first
// successful sync this is the uncalibrated local clock, which on hardware
// without an RTC is unreliable.
func (s *Service) NowMillis() int64 {
	if !s.state.Synced {
		return s.wall().UnixMilli()
	}
	elapsed := s.monotonic() - s.state.LastSyncMonotonic
	return s.state.LastSyncUTCMillis + elapsed.Milliseconds()
}

// Now returns NowMillis as a time.Time in UTC
func (s *Service) Now() time.Time {
	return time.UnixMilli(s.NowMillis()).UTC()
}

// NowSeconds returns the current UTC time in whole seconds
func (s *Service) NowSeconds() int64 {
	return s.NowMillis() / 1000
}

// Synced reports whether at least one sync succeeded
func (s *Service) Synced() bool {
	return s.state.Synced
}

// State returns a copy of the current calibration
func (s *Service) State() State {
	return s.state
}
