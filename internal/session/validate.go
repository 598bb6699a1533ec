package session

import (
	"math"

	"orbita/internal/config"
	"orbita/internal/domain"
)

// Validate checks a sample against the physical envelope. It does not look at
// ordering; that needs session state.
func Validate(s domain.TelemetrySample, env config.EnvelopeConfig) error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{domain.FieldBatteryLevel, s.BatteryLevel},
		{domain.FieldThermalState, s.ThermalState},
		{domain.FieldSignalLatency, s.SignalLatency},
		{domain.FieldOrientation, s.Orientation.Roll},
		{domain.FieldOrientation, s.Orientation.Pitch},
		{domain.FieldOrientation, s.Orientation.Yaw},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return &ValidationError{Field: f.name, Reason: "must be a finite number"}
		}
	}
	if s.BatteryLevel < 0 || s.BatteryLevel > 100 {
		return &ValidationError{Field: domain.FieldBatteryLevel, Reason: "must be within [0,100]"}
	}
	if s.ThermalState < env.ThermalMin || s.ThermalState > env.ThermalMax {
		return &ValidationError{Field: domain.FieldThermalState, Reason: "outside the operational envelope"}
	}
	if s.SignalLatency < 0 || s.SignalLatency > env.LatencyMax {
		return &ValidationError{Field: domain.FieldSignalLatency, Reason: "must be non-negative and within the envelope"}
	}
	return nil
}
