package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbita/internal/classifier"
	"orbita/internal/config"
	"orbita/internal/domain"
)

func sample() domain.TelemetrySample {
	return domain.TelemetrySample{
		MissionID:     "m-1",
		Timestamp:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		BatteryLevel:  90,
		ThermalState:  20,
		SignalLatency: 50,
		IsStable:      true,
	}
}

func classify(s domain.TelemetrySample) domain.Classification {
	return classifier.New(config.Default().Classifier).Classify(s, nil)
}

func TestDecideLowBattery(t *testing.T) {
	s := sample()
	s.BatteryLevel = 15
	d := New(config.PolicyConfig{}).Decide(classify(s), s, nil)

	assert.Equal(t, "ACTIVATE_EMERGENCY_LOAD_SHEDDING", d.SelectedAction)
	assert.Equal(t, domain.AnomalyLowBattery, d.AnomalyType)
	assert.Equal(t, domain.SeverityCritical, d.Severity)
	assert.Equal(t, s.Timestamp, d.Timestamp)
	assert.Equal(t, PhaseAnomaly, d.MissionPhase)
	assert.GreaterOrEqual(t, d.Confidence, 0.8)
	assert.LessOrEqual(t, d.Confidence, 0.98)
	require.Len(t, d.AlternativeActions, 3)
	assert.Equal(t, domain.RiskLow, d.AlternativeActions[0].Risk)
	assert.Contains(t, d.Explanation, "battery_level=15")
	assert.NotEmpty(t, d.RootCauseHypothesis)
}

func TestConfidenceGrowsWithExceedance(t *testing.T) {
	e := New(config.PolicyConfig{})
	mild := sample()
	mild.BatteryLevel = 19
	severe := sample()
	severe.BatteryLevel = 2

	a := e.Decide(classify(mild), mild, nil)
	b := e.Decide(classify(severe), severe, nil)
	assert.Less(t, a.Confidence, b.Confidence)

	zero := sample()
	zero.BatteryLevel = 0
	assert.Equal(t, 0.98, e.Decide(classify(zero), zero, nil).Confidence)
}

func TestWarningConfidenceBand(t *testing.T) {
	s := sample()
	s.ThermalState = 50
	d := New(config.PolicyConfig{}).Decide(classify(s), s, nil)
	assert.Equal(t, "THROTTLE_PAYLOAD_COMPUTE", d.SelectedAction)
	assert.GreaterOrEqual(t, d.Confidence, 0.6)
	assert.LessOrEqual(t, d.Confidence, 0.85)
	assert.Equal(t, "supervisory", d.AutonomyMode())
}

func TestDecideFallsBackForUnknownType(t *testing.T) {
	c := domain.Classification{
		AnomalyType:      domain.AnomalyType("MICROMETEOROID_STRIKE"),
		Severity:         domain.SeverityCritical,
		TriggeringFields: []string{},
	}
	d := New(config.PolicyConfig{}).Decide(c, sample(), nil)
	assert.Equal(t, ActionMonitorAndLog, d.SelectedAction)
	assert.Equal(t, RootCauseUnclassified, d.RootCauseHypothesis)
	assert.Equal(t, 0.5, d.Confidence)
	assert.Equal(t, "human_required", d.AutonomyMode())
}

func TestMissionPhaseTracksRepeatedAnomaly(t *testing.T) {
	e := New(config.PolicyConfig{})
	s := sample()
	s.BatteryLevel = 10
	first := e.Decide(classify(s), s, nil)
	assert.Equal(t, PhaseAnomaly, first.MissionPhase)

	second := e.Decide(classify(s), s, []domain.Decision{first})
	assert.Equal(t, PhaseRecovery, second.MissionPhase)

	hot := sample()
	hot.ThermalState = 95
	third := e.Decide(classify(hot), hot, []domain.Decision{first, second})
	assert.Equal(t, PhaseAnomaly, third.MissionPhase)
}

func TestConfigOverride(t *testing.T) {
	cfg := config.PolicyConfig{Actions: map[string]config.PolicyAction{
		"low_battery": {
			Action:       "SHED_PAYLOAD",
			Alternatives: []config.PolicyAlternative{{Action: "WAIT", Risk: "High"}},
		},
	}}
	s := sample()
	s.BatteryLevel = 10
	d := New(cfg).Decide(classify(s), s, nil)
	assert.Equal(t, "SHED_PAYLOAD", d.SelectedAction)
	assert.Equal(t, []domain.Alternative{{Action: "WAIT", Risk: domain.RiskHigh}}, d.AlternativeActions)
	assert.NotEmpty(t, d.RootCauseHypothesis, "unset override fields keep the built-in value")
}

func TestDecideDeterministic(t *testing.T) {
	e := New(config.PolicyConfig{})
	s := sample()
	s.BatteryLevel = 12
	s.ThermalState = 95
	s.IsStable = false
	c := classify(s)

	a, err := json.Marshal(e.Decide(c, s, nil))
	require.NoError(t, err)
	b, err := json.Marshal(e.Decide(c, s, nil))
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
	assert.Contains(t, string(a), "Also out of bounds: thermal_state, is_stable")
}

func TestNominalAssessment(t *testing.T) {
	d := New(config.PolicyConfig{}).Nominal(sample())
	assert.Equal(t, ActionContinueNominal, d.SelectedAction)
	assert.Equal(t, domain.SeverityNominal, d.Severity)
	assert.Equal(t, "autonomous", d.AutonomyMode())
}
