package domain

import (
	"math"
	"time"
)

// Severity is the ordinal mission status: nominal < warning < critical.
type Severity string

const (
	SeverityNominal  Severity = "nominal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type AnomalyType string

const (
	AnomalyNominal         AnomalyType = "NOMINAL"
	AnomalyLowBattery      AnomalyType = "LOW_BATTERY"
	AnomalyThermalRunaway  AnomalyType = "THERMAL_RUNAWAY"
	AnomalyThermalWarning  AnomalyType = "THERMAL_WARNING"
	AnomalyInstability     AnomalyType = "INSTABILITY"
	AnomalyCommDegradation AnomalyType = "COMM_DEGRADATION"
)

type RiskLabel string

const (
	RiskLow    RiskLabel = "Low"
	RiskMedium RiskLabel = "Medium"
	RiskHigh   RiskLabel = "High"
)

// Telemetry field names, shared by validation errors and triggering field sets.
const (
	FieldBatteryLevel  = "battery_level"
	FieldThermalState  = "thermal_state"
	FieldOrientation   = "orientation"
	FieldIsStable      = "is_stable"
	FieldSignalLatency = "signal_latency"
	FieldTimestamp     = "timestamp"
	FieldMissionID     = "mission_id"
)

type Orientation struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Normalize wraps every axis into [0,360).
func (o Orientation) Normalize() Orientation {
	return Orientation{
		Roll:  normalizeDegrees(o.Roll),
		Pitch: normalizeDegrees(o.Pitch),
		Yaw:   normalizeDegrees(o.Yaw),
	}
}

func normalizeDegrees(v float64) float64 {
	v = math.Mod(v, 360)
	if v < 0 {
		v += 360
	}
	if v >= 360 {
		v = 0
	}
	return v
}

// Deviation is the angular distance of a normalized angle from 0°.
func Deviation(deg float64) float64 {
	deg = normalizeDegrees(deg)
	if deg > 180 {
		return 360 - deg
	}
	return deg
}

// TelemetrySample is one instant's spacecraft state.
type TelemetrySample struct {
	MissionID     string      `json:"mission_id"`
	Timestamp     time.Time   `json:"timestamp"`
	BatteryLevel  float64     `json:"battery_level"`
	ThermalState  float64     `json:"thermal_state"`
	Orientation   Orientation `json:"orientation"`
	SignalLatency float64     `json:"signal_latency"`
	IsStable      bool        `json:"is_stable"`
}

// Finding is one threshold crossing observed by the classifier.
type Finding struct {
	AnomalyType AnomalyType `json:"anomaly_type"`
	Severity    Severity    `json:"severity"`
	Field       string      `json:"field"`
	Value       float64     `json:"value"`
	Threshold   float64     `json:"threshold"`
	Saturation  float64     `json:"saturation"`
}

// Exceedance is how far Value went past Threshold toward Saturation, in [0,1].
// Works for both falling (battery) and rising (thermal) thresholds.
func (f Finding) Exceedance() float64 {
	span := f.Saturation - f.Threshold
	if span == 0 {
		return 1
	}
	r := (f.Value - f.Threshold) / span
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Classification is the classifier's verdict for one sample.
type Classification struct {
	AnomalyType      AnomalyType `json:"anomaly_type"`
	Severity         Severity    `json:"severity"`
	TriggeringFields []string    `json:"triggering_fields"`
	Findings         []Finding   `json:"findings,omitempty"`
}

func (c Classification) Nominal() bool {
	return c.Severity == SeverityNominal || c.AnomalyType == AnomalyNominal
}

// Primary returns the finding that determined AnomalyType.
func (c Classification) Primary() (Finding, bool) {
	for _, f := range c.Findings {
		if f.AnomalyType == c.AnomalyType && f.Severity == c.Severity {
			return f, true
		}
	}
	return Finding{}, false
}

type Alternative struct {
	Action string    `json:"action"`
	Risk   RiskLabel `json:"risk"`
}

type PredictedEvent struct {
	Event       string  `json:"event"`
	Probability float64 `json:"probability"`
	TimeHorizon string  `json:"time_horizon"`
}

// Decision is the engine's durable, immutable output for one anomalous evaluation.
type Decision struct {
	ID                  uint64        `json:"id"`
	MissionID           string        `json:"mission_id"`
	Timestamp           time.Time     `json:"timestamp"`
	AnomalyType         AnomalyType   `json:"anomaly_type"`
	Severity            Severity      `json:"severity"`
	SelectedAction      string        `json:"selected_action"`
	RootCauseHypothesis string        `json:"root_cause_hypothesis"`
	Explanation         string        `json:"explanation"`
	Confidence          float64       `json:"confidence"`
	AlternativeActions  []Alternative `json:"alternative_actions"`
	MissionPhase        string        `json:"mission_phase"`
	TriggeringFields    []string      `json:"triggering_fields,omitempty"`

	GlobalSpaceState            string           `json:"global_space_state,omitempty"`
	DetectedPatterns            []string         `json:"detected_patterns,omitempty"`
	PredictedEvents             []PredictedEvent `json:"predicted_events,omitempty"`
	RiskAssessment              string           `json:"risk_assessment,omitempty"`
	CoordinationRecommendations []string         `json:"coordination_recommendations,omitempty"`
	CounterfactualInsights      string           `json:"counterfactual_insights,omitempty"`
}

// AutonomyMode grades how much the decision may be executed without an operator.
func (d Decision) AutonomyMode() string {
	switch {
	case d.Confidence > 0.8:
		return "autonomous"
	case d.Confidence > 0.5:
		return "supervisory"
	default:
		return "human_required"
	}
}

type SatelliteType string

const (
	SatelliteLEO SatelliteType = "LEO"
	SatelliteMEO SatelliteType = "MEO"
	SatelliteGEO SatelliteType = "GEO"
)

// Mission is the registry record of a mission.
type Mission struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	SatelliteType  SatelliteType `json:"satellite_type"`
	AltitudeKm     float64       `json:"altitude_km"`
	InclinationDeg float64       `json:"inclination_deg"`
	Status         Severity      `json:"status"`
	Active         bool          `json:"is_active"`
	StartTime      time.Time     `json:"start_time"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ForecastSeries is a battery projection; recomputed on demand, never authoritative.
type ForecastSeries struct {
	MissionID            string      `json:"mission_id"`
	Timestamps           []time.Time `json:"timestamps"`
	BatteryLevels        []float64   `json:"battery_levels"`
	Phases               []string    `json:"phases"`
	EclipseFraction      float64     `json:"eclipse_fraction"`
	OrbitalPeriodMinutes float64     `json:"orbital_period_minutes"`
	MinBattery           float64     `json:"min_battery"`
	SurvivalProbability  float64     `json:"survival_probability"`
}

// Event is an audit log entry for mission lifecycle changes.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIKey is an operator credential. Permissions lists what the key may do;
// MissionIDs limits it to those missions and is empty for a fleet-wide key.
type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"key_hash"`
	Permissions []string `json:"permissions"`
	MissionIDs  []string `json:"mission_ids,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	LastUsedAt  string   `json:"last_used_at,omitempty" format:"date-time"`
}

// Covers reports whether the key may act on missionID.
func (k APIKey) Covers(missionID string) bool {
	if len(k.MissionIDs) == 0 {
		return true
	}
	for _, id := range k.MissionIDs {
		if id == missionID {
			return true
		}
	}
	return false
}

// Lifecycle event types written to the audit log.
const (
	EventMissionCreated = "mission.created"
	EventMissionStopped = "mission.stopped"
	EventMissionStarted = "mission.started"
	EventMissionExpired = "mission.expired"
)
