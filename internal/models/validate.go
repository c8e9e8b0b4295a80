package models

import (
	"errors"
	"fmt"

	z "github.com/Oudwins/zog"
)

// MaxManualDurationSec bounds a dashboard watering request
const MaxManualDurationSec = 600

var profileSchema = z.Struct(z.Shape{
	"MoistureMin": z.Float64().GTE(0).LTE(100),
	"MoistureMax": z.Float64().GTE(0).LTE(100),
})

var tankSchema = z.Struct(z.Shape{
	"DiameterCm": z.Float64().GTE(0).LTE(500),
	"HeightCm":   z.Float64().GTE(0).LTE(500),
})

var manualCommandSchema = z.Struct(z.Shape{
	"PlantID":     z.Int().GTE(1).LTE(NumChannels),
	"DurationSec": z.Int().GTE(0).LTE(MaxManualDurationSec),
})

// Validate rejects settings documents with out-of-range values. Counts
// and intervals are clamped by Normalize instead.
func (s *Settings) Validate() error {
	var errs []error
	for i := range s.PlantProfiles {
		if issues := profileSchema.Validate(&s.PlantProfiles[i]); len(issues) > 0 {
			errs = append(errs, fmt.Errorf("plantProfiles[%d]: %v", i, issues))
		}
	}
	if s.WaterTank != nil {
		if issues := tankSchema.Validate(s.WaterTank); len(issues) > 0 {
			errs = append(errs, fmt.Errorf("waterTank: %v", issues))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the plant id and requested duration
func (c *ManualCommand) Validate() error {
	if issues := manualCommandSchema.Validate(c); len(issues) > 0 {
		return fmt.Errorf("manual command: %v", issues)
	}
	return nil
}
