package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"orbita/internal/config"
	"orbita/internal/domain"
)

const (
	PhaseNominal  = "nominal"
	PhaseAnomaly  = "anomaly"
	PhaseRecovery = "recovery"
)

// band is the confidence range for one severity; exceedance interpolates inside it.
type band struct {
	floor, ceil float64
}

var bands = map[domain.Severity]band{
	domain.SeverityCritical: {floor: 0.80, ceil: 0.98},
	domain.SeverityWarning:  {floor: 0.60, ceil: 0.85},
}

// Engine selects a recovery action for a classified anomaly. Decide is a pure
// function of its inputs and the table.
type Engine struct {
	table Table
}

// New builds an engine from the default table with config overrides applied.
func New(cfg config.PolicyConfig) *Engine {
	table := DefaultTable()
	for name, override := range cfg.Actions {
		key := domain.AnomalyType(strings.ToUpper(name))
		entry := table[key]
		entry.Action = override.Action
		if override.RootCause != "" {
			entry.RootCause = override.RootCause
		}
		if len(override.Alternatives) > 0 {
			alts := make([]domain.Alternative, 0, len(override.Alternatives))
			for _, a := range override.Alternatives {
				alts = append(alts, domain.Alternative{Action: a.Action, Risk: domain.RiskLabel(a.Risk)})
			}
			entry.Alternatives = alts
		}
		table[key] = entry
	}
	return &Engine{table: table}
}

// Lookup returns the table entry for an anomaly type.
func (e *Engine) Lookup(t domain.AnomalyType) (Entry, bool) {
	entry, ok := e.table[t]
	return entry, ok
}

// Decide maps a non-nominal classification to a decision. history holds the
// mission's prior decisions, oldest first. The returned decision carries no ID;
// the session assigns it.
func (e *Engine) Decide(c domain.Classification, sample domain.TelemetrySample, history []domain.Decision) domain.Decision {
	d := domain.Decision{
		MissionID:        sample.MissionID,
		Timestamp:        sample.Timestamp,
		AnomalyType:      c.AnomalyType,
		Severity:         c.Severity,
		MissionPhase:     missionPhase(c.AnomalyType, history),
		TriggeringFields: append([]string{}, c.TriggeringFields...),
	}

	entry, ok := e.table[c.AnomalyType]
	if !ok {
		d.SelectedAction = ActionMonitorAndLog
		d.RootCauseHypothesis = RootCauseUnclassified
		d.Confidence = fallbackConfidence
		d.AlternativeActions = []domain.Alternative{}
		d.Explanation = fmt.Sprintf("No policy entry for anomaly type %s; monitoring until an operator classifies it.", c.AnomalyType)
		return d
	}

	primary, hasPrimary := c.Primary()
	d.SelectedAction = entry.Action
	d.RootCauseHypothesis = entry.RootCause
	d.Confidence = confidence(c.Severity, primary, hasPrimary)
	d.AlternativeActions = append([]domain.Alternative{}, entry.Alternatives...)
	d.Explanation = explain(entry, c, primary, hasPrimary)

	d.GlobalSpaceState = entry.GlobalSpaceState
	d.DetectedPatterns = append([]string(nil), entry.DetectedPatterns...)
	d.PredictedEvents = append([]domain.PredictedEvent(nil), entry.PredictedEvents...)
	d.RiskAssessment = entry.RiskAssessment
	d.CoordinationRecommendations = append([]string(nil), entry.Recommendations...)
	d.CounterfactualInsights = entry.Counterfactual
	return d
}

// Nominal builds the assessment returned for a sample with no anomaly. It is
// never recorded as a decision.
func (e *Engine) Nominal(sample domain.TelemetrySample) domain.Decision {
	return domain.Decision{
		MissionID:           sample.MissionID,
		Timestamp:           sample.Timestamp,
		AnomalyType:         domain.AnomalyNominal,
		Severity:            domain.SeverityNominal,
		SelectedAction:      ActionContinueNominal,
		RootCauseHypothesis: "none",
		Explanation:         nominalExplanation,
		Confidence:          1,
		AlternativeActions:  []domain.Alternative{},
		MissionPhase:        PhaseNominal,
		TriggeringFields:    []string{},
		GlobalSpaceState:    nominalGlobalSpaceState,
		RiskAssessment:      "LOW: Systems nominal.",
	}
}

func missionPhase(t domain.AnomalyType, history []domain.Decision) string {
	if n := len(history); n > 0 && history[n-1].AnomalyType == t {
		return PhaseRecovery
	}
	return PhaseAnomaly
}

func confidence(sev domain.Severity, primary domain.Finding, ok bool) float64 {
	b, known := bands[sev]
	if !known {
		return fallbackConfidence
	}
	x := 0.0
	if ok {
		x = primary.Exceedance()
	}
	return math.Round((b.floor+(b.ceil-b.floor)*x)*10000) / 10000
}

func explain(entry Entry, c domain.Classification, primary domain.Finding, ok bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", c.AnomalyType, c.Severity)
	if ok {
		fmt.Fprintf(&b, ": %s=%s crossed threshold %s", primary.Field, formatValue(primary.Value), formatValue(primary.Threshold))
	}
	b.WriteString(". ")
	b.WriteString(entry.Summary)
	if len(c.TriggeringFields) > 1 {
		fmt.Fprintf(&b, " Also out of bounds: %s.", strings.Join(others(c.TriggeringFields, primary.Field), ", "))
	}
	fmt.Fprintf(&b, " Selected %s to address %s.", entry.Action, strings.ToLower(entry.RootCause))
	return b.String()
}

func others(fields []string, primary string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != primary {
			out = append(out, f)
		}
	}
	return out
}

func formatValue(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
