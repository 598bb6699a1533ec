package classifier

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbita/internal/config"
	"orbita/internal/domain"
)

func newClassifier() Classifier {
	return New(config.Default().Classifier)
}

func nominalSample() domain.TelemetrySample {
	return domain.TelemetrySample{
		MissionID:     "m-1",
		Timestamp:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		BatteryLevel:  100,
		ThermalState:  20,
		SignalLatency: 50,
		IsStable:      true,
	}
}

func TestLowBatteryCritical(t *testing.T) {
	s := nominalSample()
	s.BatteryLevel = 15
	c := newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyLowBattery, c.AnomalyType)
	assert.Equal(t, domain.SeverityCritical, c.Severity)
	assert.Equal(t, []string{domain.FieldBatteryLevel}, c.TriggeringFields)
}

func TestLowBatteryCriticalRegardlessOfOtherFields(t *testing.T) {
	cl := newClassifier()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		s := domain.TelemetrySample{
			BatteryLevel:  rng.Float64() * 20,
			ThermalState:  -50 + rng.Float64()*200,
			Orientation:   domain.Orientation{Roll: rng.Float64() * 360, Pitch: rng.Float64() * 360},
			SignalLatency: rng.Float64() * 3000,
			IsStable:      rng.Intn(2) == 0,
		}
		c := cl.Classify(s, nil)
		require.Equal(t, domain.AnomalyLowBattery, c.AnomalyType, "sample %+v", s)
		require.Equal(t, domain.SeverityCritical, c.Severity, "sample %+v", s)
	}
}

func TestBatteryWarningBand(t *testing.T) {
	s := nominalSample()
	s.BatteryLevel = 20
	c := newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyLowBattery, c.AnomalyType)
	assert.Equal(t, domain.SeverityWarning, c.Severity)

	s.BatteryLevel = 40
	c = newClassifier().Classify(s, nil)
	assert.True(t, c.Nominal())
}

func TestThermalRunawayOutranksBatteryWarning(t *testing.T) {
	s := nominalSample()
	s.BatteryLevel = 80
	s.ThermalState = 85
	c := newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyThermalRunaway, c.AnomalyType)
	assert.Equal(t, domain.SeverityCritical, c.Severity)

	s.BatteryLevel = 30
	c = newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyThermalRunaway, c.AnomalyType, "critical beats warning despite battery priority")
	assert.Equal(t, []string{domain.FieldBatteryLevel, domain.FieldThermalState}, c.TriggeringFields)
}

func TestThermalWarningBand(t *testing.T) {
	s := nominalSample()
	s.ThermalState = 80
	c := newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyThermalWarning, c.AnomalyType)
	assert.Equal(t, domain.SeverityWarning, c.Severity)

	s.ThermalState = 45
	assert.True(t, newClassifier().Classify(s, nil).Nominal())
}

func TestEqualSeverityUsesPriorityOrder(t *testing.T) {
	s := nominalSample()
	s.ThermalState = 60
	s.IsStable = false
	c := newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyThermalWarning, c.AnomalyType)
	assert.Equal(t, []string{domain.FieldThermalState, domain.FieldIsStable}, c.TriggeringFields)

	s.BatteryLevel = 10
	s.SignalLatency = 900
	c = newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyLowBattery, c.AnomalyType)
	assert.Equal(t, []string{domain.FieldBatteryLevel, domain.FieldThermalState, domain.FieldIsStable, domain.FieldSignalLatency}, c.TriggeringFields)
}

func TestInstabilityEscalatesWhenSustained(t *testing.T) {
	cl := newClassifier()
	s := nominalSample()
	s.BatteryLevel = 95
	s.ThermalState = 25
	s.IsStable = false

	c := cl.Classify(s, nil)
	assert.Equal(t, domain.AnomalyInstability, c.AnomalyType)
	assert.Equal(t, domain.SeverityWarning, c.Severity)

	history := []domain.TelemetrySample{s}
	assert.Equal(t, domain.SeverityWarning, cl.Classify(s, history).Severity)

	history = append(history, s)
	assert.Equal(t, domain.SeverityCritical, cl.Classify(s, history).Severity)

	stable := nominalSample()
	history = append(history, stable)
	assert.Equal(t, domain.SeverityWarning, cl.Classify(s, history).Severity, "a stable sample resets the run")
}

func TestAttitudeDeviationFlagsInstability(t *testing.T) {
	s := nominalSample()
	s.Orientation = domain.Orientation{Roll: 345}
	c := newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyInstability, c.AnomalyType)
	assert.Equal(t, []string{domain.FieldOrientation}, c.TriggeringFields)

	s.Orientation = domain.Orientation{Roll: 355, Yaw: 180}
	assert.True(t, newClassifier().Classify(s, nil).Nominal(), "yaw is free and 5° roll is inside the limit")
}

func TestPitchOnlyDeviationFlagsInstability(t *testing.T) {
	s := nominalSample()
	s.Orientation = domain.Orientation{Pitch: 20}
	c := newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyInstability, c.AnomalyType)
	assert.Equal(t, domain.SeverityWarning, c.Severity)
	require.Len(t, c.Findings, 1)
	assert.Equal(t, 20.0, c.Findings[0].Value)
}

func TestCommDegradation(t *testing.T) {
	s := nominalSample()
	s.SignalLatency = 401
	c := newClassifier().Classify(s, nil)
	assert.Equal(t, domain.AnomalyCommDegradation, c.AnomalyType)
	assert.Equal(t, domain.SeverityCritical, c.Severity)
}

func TestNominal(t *testing.T) {
	c := newClassifier().Classify(nominalSample(), nil)
	assert.True(t, c.Nominal())
	assert.Equal(t, domain.AnomalyNominal, c.AnomalyType)
	assert.Empty(t, c.TriggeringFields)
}

func TestClassifyDeterministic(t *testing.T) {
	cl := newClassifier()
	s := nominalSample()
	s.BatteryLevel = 33
	s.ThermalState = 90
	s.IsStable = false
	history := []domain.TelemetrySample{s, nominalSample(), s}

	a, err := json.Marshal(cl.Classify(s, history))
	require.NoError(t, err)
	b, err := json.Marshal(cl.Classify(s, history))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestConfigurableThresholds(t *testing.T) {
	cfg := config.Default().Classifier
	cfg.BatteryCritical = 30
	cfg.BatteryWarning = 50
	s := nominalSample()
	s.BatteryLevel = 25
	c := New(cfg).Classify(s, nil)
	assert.Equal(t, domain.SeverityCritical, c.Severity)
}
