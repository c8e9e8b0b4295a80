// Package netcheck verifies that the backend host is reachable before a
// cycle starts talking to it.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/plant-controller/internal/logging"
)

// ErrUnreachable is returned when every attempt failed
var ErrUnreachable = errors.New("backend unreachable")

// Config holds connectivity check configuration
type Config struct {
	Target      string        // host:port
	DialTimeout time.Duration // Per attempt
	Attempts    int
	RetryDelay  time.Duration
}

// DefaultConfig returns default connectivity check configuration
func DefaultConfig() Config {
	return Config{
		DialTimeout: 5 * time.Second,
		Attempts:    4,
		RetryDelay:  5 * time.Second,
	}
}

// DialFunc opens a connection
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Checker dials the backend
type Checker struct {
	config Config
	dial   DialFunc
	sleep  func(time.Duration)
	logger *zap.Logger
}

// New creates a checker. A nil dial uses net.Dialer.
func New(config Config, dial DialFunc) *Checker {
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	if config.Attempts < 1 {
		config.Attempts = 1
	}
	return &Checker{
		config: config,
		dial:   dial,
		sleep:  time.Sleep,
		logger: logging.Named(logging.NameNetcheck),
	}
}

// Ensure returns nil as soon as one dial succeeds
func (c *Checker) Ensure(ctx context.Context) error {
	if c.config.Target == "" {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < c.config.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		dctx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
		conn, err := c.dial(dctx, "tcp", c.config.Target)
		cancel()
		if err == nil {
			conn.Close()
			if attempt > 0 {
				c.logger.Info("connection restored", zap.String("target", c.config.Target), zap.Int("attempts", attempt+1))
			}
			return nil
		}
		lastErr = err
		c.logger.Debug("dial failed", zap.String("target", c.config.Target), zap.Error(err))

		if attempt < c.config.Attempts-1 {
			c.sleep(c.config.RetryDelay)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrUnreachable, c.config.Target, lastErr)
}

// TargetFromURL derives host:port from a backend base URL
func TargetFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("backend url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
