package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agsys/plant-controller/internal/models"
)

// MaxErrorEntries caps the remote error collection
const MaxErrorEntries = 10

// Error types used in error log entries
const (
	TypeSensor   = "sensor"
	TypeNTP      = "ntp"
	TypeDisplay  = "eink_display"
	TypePump     = "pump"
	TypeNetwork  = "connectivity"
	TypeSelfTest = "self_test"
	TypeGeneral  = "general"
)

// LogError records an entry in the capped systemErrors collection. It is
// best effort: a single attempt per request and every failure is dropped.
func (c *Client) LogError(ctx context.Context, errorType, component, message string, severity models.Severity) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error log write panicked", zap.Any("panic", r))
		}
	}()

	existing := map[string]models.ErrorLogEntry{}
	raw, err := c.do(ctx, http.MethodGet, PathSystemErrors, nil)
	if err != nil {
		c.logger.Debug("error log read failed", zap.Error(err))
		return
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &existing); err != nil {
			c.logger.Debug("error log decode failed", zap.Error(err))
			return
		}
	}

	now := c.nowMillis()
	key := fmt.Sprintf("error_%d_%d", now/1000, c.errorSeq.Add(1))
	existing[key] = models.ErrorLogEntry{
		Timestamp: now,
		ErrorType: errorType,
		Component: component,
		Message:   message,
		Severity:  severity,
	}

	body, err := json.Marshal(PruneErrors(existing, MaxErrorEntries))
	if err != nil {
		return
	}
	if _, err := c.do(ctx, http.MethodPut, PathSystemErrors, body); err != nil {
		c.logger.Debug("error log write failed", zap.Error(err))
	}
}

// PruneErrors keeps the newest max entries by timestamp
func PruneErrors(entries map[string]models.ErrorLogEntry, max int) map[string]models.ErrorLogEntry {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := entries[keys[i]].Timestamp, entries[keys[j]].Timestamp
		if ti != tj {
			return ti > tj
		}
		return keys[i] > keys[j]
	})
	if len(keys) > max {
		keys = keys[:max]
	}

	out := make(map[string]models.ErrorLogEntry, len(keys))
	for _, k := range keys {
		out[k] = entries[k]
	}
	return out
}

// ErrorLogger is the subset of Client used by Reporter
type ErrorLogger interface {
	LogError(ctx context.Context, errorType, component, message string, severity models.Severity)
}

// Reporter forwards faults to the remote error log, throttled per error
// type and component so a persistent fault does not rewrite the log
// every cycle
type Reporter struct {
	sink     ErrorLogger
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewReporter creates a reporter allowing one remote entry per source per
// interval. A zero interval disables throttling.
func NewReporter(sink ErrorLogger, interval time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		sink:     sink,
		interval: interval,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Report logs the fault locally and forwards it when that source's
// budget allows. It returns whether the entry was forwarded.
func (r *Reporter) Report(ctx context.Context, errorType, component string, err error, severity models.Severity) bool {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	fields := []zap.Field{
		zap.String("component", component),
		zap.String("error_type", errorType),
		zap.String("message", msg),
	}
	if severity == models.SeverityError {
		r.logger.Error("fault", fields...)
	} else {
		r.logger.Warn("fault", fields...)
	}

	if !r.allow(errorType, component) {
		return false
	}
	r.sink.LogError(ctx, errorType, component, msg, severity)
	return true
}

func (r *Reporter) allow(errorType, component string) bool {
	if r.interval <= 0 {
		return true
	}
	key := errorType + "/" + component
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.interval), 1)
		r.limiters[key] = lim
	}
	return lim.Allow()
}
