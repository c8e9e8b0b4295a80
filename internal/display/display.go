// Package display decides when the bistable status panel is redrawn and
// renders the status icon into the panel's two bitplanes.
package display

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agsys/plant-controller/internal/logging"
	"github.com/agsys/plant-controller/internal/models"
)

// ErrRender is returned when the panel rejected a frame
var ErrRender = errors.New("display render failed")

// Water thresholds in percent
const (
	CriticalWaterPct = 20.0
	LowWaterPct      = 40.0
)

// Panel is a two-colour e-paper driver. Draw takes the primary (black)
// and accent (red) planes.
type Panel interface {
	Init() error
	Draw(black, red []byte) error
	Refresh() error
	Sleep() error
}

// WaterStatus classifies the tank alone
func WaterStatus(waterPct float64) models.DisplayStatus {
	switch {
	case waterPct < CriticalWaterPct:
		return models.StatusError
	case waterPct < LowWaterPct:
		return models.StatusWarning
	default:
		return models.StatusOK
	}
}

// Classify combines the tank level with plant moisture deficits. An
// unknown water level does not raise the class.
func Classify(waterPct float64, waterKnown, anyDeficit bool) models.DisplayStatus {
	status := models.StatusOK
	if waterKnown {
		status = WaterStatus(waterPct)
	}
	if status == models.StatusOK && anyDeficit {
		status = models.StatusWarning
	}
	return status
}

// Gate redraws the panel only when the class changes
type Gate struct {
	panel    Panel
	disabled bool
	rendered bool
	last     models.DisplayStatus
	logger   *zap.Logger
}

// NewGate creates a gate. A nil panel disables the display.
func NewGate(panel Panel) *Gate {
	return &Gate{
		panel:    panel,
		disabled: panel == nil,
		logger:   logging.Named(logging.NameDisplay),
	}
}

// Start initializes the panel once. On failure the display stays disabled
// for the lifetime of the gate.
func (g *Gate) Start() error {
	if g.disabled {
		return nil
	}
	if err := g.panel.Init(); err != nil {
		g.disabled = true
		g.logger.Warn("display disabled", zap.Error(err))
		return fmt.Errorf("%w: init: %w", ErrRender, err)
	}
	return nil
}

// Enabled reports whether the gate drives a panel
func (g *Gate) Enabled() bool {
	return !g.disabled
}

// Last returns the last rendered class and whether any render happened
func (g *Gate) Last() (models.DisplayStatus, bool) {
	return g.last, g.rendered
}

// Update renders status if it differs from the last rendered class. The
// first call on an enabled gate always renders. On failure the previous
// class is kept so the next call retries.
func (g *Gate) Update(status models.DisplayStatus) (bool, error) {
	if g.disabled {
		return false, nil
	}
	if g.rendered && status == g.last {
		return false, nil
	}

	if err := g.render(status); err != nil {
		return false, fmt.Errorf("%w: %w", ErrRender, err)
	}

	if g.rendered {
		g.logger.Info("display status changed", zap.String("from", string(g.last)), zap.String("to", string(status)))
	} else {
		g.logger.Info("initial display update", zap.String("status", string(status)))
	}
	g.last = status
	g.rendered = true
	return true, nil
}

func (g *Gate) render(status models.DisplayStatus) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panel panic: %v", r)
		}
	}()

	black, red := RenderStatus(status)
	if err := g.panel.Init(); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := g.panel.Draw(black, red); err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	if err := g.panel.Refresh(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if err := g.panel.Sleep(); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	return nil
}
