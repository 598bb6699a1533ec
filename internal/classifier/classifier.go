package classifier

import (
	"math"

	"orbita/internal/config"
	"orbita/internal/domain"
)

// Classifier maps a telemetry sample plus bounded recent history to an anomaly
// classification. It holds no state besides its thresholds; Classify is pure.
type Classifier struct {
	T config.ClassifierConfig
}

func New(t config.ClassifierConfig) Classifier {
	return Classifier{T: t}
}

// Classify evaluates every threshold and reports the most severe finding as the
// primary anomaly. Equal severities resolve by declared priority:
// battery, thermal, attitude, comm. recent is ordered oldest first and excludes sample.
func (c Classifier) Classify(sample domain.TelemetrySample, recent []domain.TelemetrySample) domain.Classification {
	findings := c.findings(sample, recent)
	if len(findings) == 0 {
		return domain.Classification{
			AnomalyType:      domain.AnomalyNominal,
			Severity:         domain.SeverityNominal,
			TriggeringFields: []string{},
		}
	}
	primary := findings[0]
	for _, f := range findings[1:] {
		if f.Severity.Rank() > primary.Severity.Rank() {
			primary = f
		}
	}
	fields := make([]string, 0, len(findings))
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		if !seen[f.Field] {
			seen[f.Field] = true
			fields = append(fields, f.Field)
		}
	}
	return domain.Classification{
		AnomalyType:      primary.AnomalyType,
		Severity:         primary.Severity,
		TriggeringFields: fields,
		Findings:         findings,
	}
}

// findings returns threshold crossings in priority order.
func (c Classifier) findings(s domain.TelemetrySample, recent []domain.TelemetrySample) []domain.Finding {
	t := c.T
	var out []domain.Finding

	switch {
	case s.BatteryLevel < t.BatteryCritical:
		out = append(out, domain.Finding{
			AnomalyType: domain.AnomalyLowBattery,
			Severity:    domain.SeverityCritical,
			Field:       domain.FieldBatteryLevel,
			Value:       s.BatteryLevel,
			Threshold:   t.BatteryCritical,
			Saturation:  0,
		})
	case s.BatteryLevel < t.BatteryWarning:
		out = append(out, domain.Finding{
			AnomalyType: domain.AnomalyLowBattery,
			Severity:    domain.SeverityWarning,
			Field:       domain.FieldBatteryLevel,
			Value:       s.BatteryLevel,
			Threshold:   t.BatteryWarning,
			Saturation:  t.BatteryCritical,
		})
	}

	switch {
	case s.ThermalState > t.ThermalCritical:
		out = append(out, domain.Finding{
			AnomalyType: domain.AnomalyThermalRunaway,
			Severity:    domain.SeverityCritical,
			Field:       domain.FieldThermalState,
			Value:       s.ThermalState,
			Threshold:   t.ThermalCritical,
			Saturation:  t.ThermalSaturation,
		})
	case s.ThermalState > t.ThermalWarning:
		out = append(out, domain.Finding{
			AnomalyType: domain.AnomalyThermalWarning,
			Severity:    domain.SeverityWarning,
			Field:       domain.FieldThermalState,
			Value:       s.ThermalState,
			Threshold:   t.ThermalWarning,
			Saturation:  t.ThermalCritical,
		})
	}

	if !s.IsStable {
		run := 1 + unstableRun(recent)
		sev := domain.SeverityWarning
		if run >= t.SustainedInstability {
			sev = domain.SeverityCritical
		}
		out = append(out, domain.Finding{
			AnomalyType: domain.AnomalyInstability,
			Severity:    sev,
			Field:       domain.FieldIsStable,
			Value:       float64(run),
			Threshold:   0,
			Saturation:  float64(t.SustainedInstability),
		})
	}
	// Pitch counts as well as roll, so a pitch-only excursion is an
	// instability too.
	if dev := math.Max(domain.Deviation(s.Orientation.Roll), domain.Deviation(s.Orientation.Pitch)); dev > t.AttitudeDeviation {
		out = append(out, domain.Finding{
			AnomalyType: domain.AnomalyInstability,
			Severity:    domain.SeverityWarning,
			Field:       domain.FieldOrientation,
			Value:       dev,
			Threshold:   t.AttitudeDeviation,
			Saturation:  90,
		})
	}

	if s.SignalLatency > t.LatencyCritical {
		out = append(out, domain.Finding{
			AnomalyType: domain.AnomalyCommDegradation,
			Severity:    domain.SeverityCritical,
			Field:       domain.FieldSignalLatency,
			Value:       s.SignalLatency,
			Threshold:   t.LatencyCritical,
			Saturation:  t.LatencySaturation,
		})
	}
	return out
}

// unstableRun counts consecutive unstable samples at the tail of recent.
func unstableRun(recent []domain.TelemetrySample) int {
	n := 0
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].IsStable {
			break
		}
		n++
	}
	return n
}
