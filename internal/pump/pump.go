// Package pump drives the relay outputs of the water pumps. At most one
// pump runs at a time and every activation ends with the output inactive,
// whatever happens while it runs.
package pump

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/plant-controller/internal/logging"
)

var (
	// ErrBusy is returned when an activation is already in progress
	ErrBusy = errors.New("pump controller busy")
	// ErrInvalidPump is returned for an unknown pump index
	ErrInvalidPump = errors.New("invalid pump")
	// ErrInvalidDuration is returned for a non-positive run time
	ErrInvalidDuration = errors.New("invalid pump duration")
)

// Activation reasons recorded with every event
const (
	ReasonAuto        = "auto"
	ReasonManual      = "manual"
	ReasonMaintenance = "maintenance"
	ReasonSelfTest    = "self_test"
)

// Output sets a digital pin level
type Output interface {
	DigitalWrite(pin string, val byte) error
}

// Config holds pump controller configuration
type Config struct {
	Pins        []string      // One pin per pump, index 0 is pump 1
	ActiveLow   bool          // Relay boards that switch on a low level
	MaxDuration time.Duration // Longer requests are capped
}

// DefaultConfig returns default pump configuration
func DefaultConfig() Config {
	return Config{
		Pins:        []string{"11", "13", "15", "16"},
		ActiveLow:   true,
		MaxDuration: 120 * time.Second,
	}
}

// Event describes one finished activation
type Event struct {
	Pump      int // 0-based
	Reason    string
	StartedAt int64 // UTC ms
	Duration  time.Duration
	Err       error
}

// Controller runs pumps one at a time
type Controller struct {
	config    Config
	out       Output
	sleep     func(time.Duration)
	nowMillis func() int64
	logger    *zap.Logger

	busy atomic.Bool

	mu       sync.Mutex
	lastRun  []int64
	handlers []func(Event)
}

// Option customizes a Controller
type Option func(*Controller)

// WithSleep replaces the blocking wait of an activation
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithClock sets the UTC millisecond clock for last-run bookkeeping
func WithClock(fn func() int64) Option {
	return func(c *Controller) { c.nowMillis = fn }
}

// New creates a pump controller. Outputs are not touched until AllOff or
// Activate is called.
func New(config Config, out Output, opts ...Option) *Controller {
	c := &Controller{
		config:    config,
		out:       out,
		sleep:     time.Sleep,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
		logger:    logging.Named(logging.NamePump),
		lastRun:   make([]int64, len(config.Pins)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers fn to be called after every activation
func (c *Controller) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Count returns the number of pumps
func (c *Controller) Count() int {
	return len(c.config.Pins)
}

// Activate runs pump (0-based) for d and blocks until it is off again.
// The output is restored to inactive on every exit path, including a
// panic in the output driver.
func (c *Controller) Activate(pump int, d time.Duration, reason string) (err error) {
	if pump < 0 || pump >= len(c.config.Pins) {
		return fmt.Errorf("%w: %d", ErrInvalidPump, pump+1)
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}
	if c.config.MaxDuration > 0 && d > c.config.MaxDuration {
		c.logger.Warn("pump duration capped",
			zap.Int("pump", pump+1), zap.Duration("requested", d), zap.Duration("max", c.config.MaxDuration))
		d = c.config.MaxDuration
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.busy.Store(false)

	started := c.nowMillis()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pump %d: panic: %v", pump+1, r)
		}
		if offErr := c.safeWrite(pump, false); offErr != nil {
			c.logger.Error("failed to switch pump off", zap.Int("pump", pump+1), zap.Error(offErr))
			err = errors.Join(err, offErr)
		}

		c.mu.Lock()
		c.lastRun[pump] = started
		handlers := append([]func(Event){}, c.handlers...)
		c.mu.Unlock()

		ev := Event{Pump: pump, Reason: reason, StartedAt: started, Duration: d, Err: err}
		for _, h := range handlers {
			h(ev)
		}
	}()

	c.logger.Info("pump on", zap.Int("pump", pump+1), zap.Duration("duration", d), zap.String("reason", reason))
	if err := c.write(pump, true); err != nil {
		return fmt.Errorf("pump %d on: %w", pump+1, err)
	}
	c.sleep(d)
	c.logger.Info("pump off", zap.Int("pump", pump+1))
	return nil
}

// AllOff forces every output inactive
func (c *Controller) AllOff() error {
	var errs []error
	for i := range c.config.Pins {
		if err := c.safeWrite(i, false); err != nil {
			errs = append(errs, fmt.Errorf("pump %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

// LastRun returns the UTC ms start of the most recent activation of pump,
// zero if it never ran
func (c *Controller) LastRun(pump int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pump < 0 || pump >= len(c.lastRun) {
		return 0
	}
	return c.lastRun[pump]
}

func (c *Controller) write(pump int, on bool) error {
	var level byte
	if on != c.config.ActiveLow {
		level = 1
	}
	return c.out.DigitalWrite(c.config.Pins[pump], level)
}

// safeWrite is write with panics turned into errors
func (c *Controller) safeWrite(pump int, on bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("output panic: %v", r)
		}
	}()
	return c.write(pump, on)
}

// MemoryOutput records pin levels in memory
type MemoryOutput struct {
	mu     sync.Mutex
	levels map[string]byte
	writes int
}

// NewMemoryOutput returns an empty MemoryOutput
func NewMemoryOutput() *MemoryOutput {
	return &MemoryOutput{levels: make(map[string]byte)}
}

// DigitalWrite implements Output
func (m *MemoryOutput) DigitalWrite(pin string, val byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = val
	m.writes++
	return nil
}

// Level returns the last level written to pin and whether it was written
func (m *MemoryOutput) Level(pin string) (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.levels[pin]
	return v, ok
}

// Writes returns the number of writes so far
func (m *MemoryOutput) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
