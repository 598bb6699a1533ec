package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"orbita/internal/domain"
	"orbita/internal/engine"
	"orbita/internal/session"
	"orbita/internal/stream"
)

// Request payloads

// FlexibleID is an identifier clients may send as a JSON string or number.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

func (FlexibleID) Schema(huma.Registry) *huma.Schema {
	return &huma.Schema{
		Description: "String or numeric identifier",
		OneOf: []*huma.Schema{
			{Type: huma.TypeString},
			{Type: huma.TypeNumber},
		},
	}
}

// TelemetryRequest is the flat telemetry shape accepted by analyze and ingest.
// id and mission_id are client metadata and may be strings or numbers.
type TelemetryRequest struct {
	ID               FlexibleID `json:"id,omitempty"`
	MissionID        FlexibleID `json:"mission_id,omitempty"`
	Timestamp        time.Time  `json:"timestamp,omitempty"`
	BatteryLevel     float64    `json:"battery_level" example:"18.5"`
	ThermalState     float64    `json:"thermal_state" example:"22"`
	OrientationRoll  float64    `json:"orientation_roll"`
	OrientationPitch float64    `json:"orientation_pitch"`
	OrientationYaw   float64    `json:"orientation_yaw"`
	SignalLatency    float64    `json:"signal_latency" example:"45"`
	IsStable         bool       `json:"is_stable"`
}

func (r TelemetryRequest) sample() domain.TelemetrySample {
	return domain.TelemetrySample{
		MissionID:    string(r.MissionID),
		Timestamp:    r.Timestamp,
		BatteryLevel: r.BatteryLevel,
		ThermalState: r.ThermalState,
		Orientation: domain.Orientation{
			Roll:  r.OrientationRoll,
			Pitch: r.OrientationPitch,
			Yaw:   r.OrientationYaw,
		},
		SignalLatency: r.SignalLatency,
		IsStable:      r.IsStable,
	}
}

type CreateMissionRequest struct {
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name"`
	SatelliteType string    `json:"satellite_type,omitempty" enum:"LEO,MEO,GEO"`
	Altitude      float64   `json:"altitude,omitempty" doc:"Orbit altitude in km; defaults to the satellite profile"`
	Inclination   float64   `json:"inclination,omitempty"`
	StartTime     time.Time `json:"start_time,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID     string   `json:"actor_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty" doc:"Granted permissions; empty grants all"`
	MissionIDs  []string `json:"mission_ids,omitempty" doc:"Missions the key may act on; empty means all"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type AlternativeResponse struct {
	Action string `json:"action"`
	Risk   string `json:"risk" enum:"Low,Medium,High"`
}

// DecisionResponse is the Decision-shaped body of analyze, ingest and reports.
type DecisionResponse struct {
	ID                          uint64                  `json:"id,omitempty"`
	MissionID                   string                  `json:"mission_id,omitempty"`
	Timestamp                   time.Time               `json:"timestamp"`
	AnomalyDetected             bool                    `json:"anomaly_detected"`
	AnomalyType                 string                  `json:"anomaly_type"`
	Severity                    string                  `json:"severity" enum:"nominal,warning,critical"`
	MissionPhase                string                  `json:"mission_phase"`
	RootCauseHypothesis         string                  `json:"root_cause_hypothesis"`
	SelectedAction              string                  `json:"selected_action"`
	Explanation                 string                  `json:"explanation"`
	Confidence                  float64                 `json:"confidence"`
	RecoveryActionsConsidered   []AlternativeResponse   `json:"recovery_actions_considered"`
	TriggeringFields            []string                `json:"triggering_fields"`
	AutonomyMode                string                  `json:"autonomy_mode" enum:"autonomous,supervisory,human_required"`
	GlobalSpaceState            string                  `json:"global_space_state,omitempty"`
	DetectedPatterns            []string                `json:"detected_patterns,omitempty"`
	PredictedEvents             []domain.PredictedEvent `json:"predicted_events,omitempty"`
	RiskAssessment              string                  `json:"risk_assessment,omitempty"`
	CoordinationRecommendations []string                `json:"coordination_recommendations,omitempty"`
	CounterfactualInsights      string                  `json:"counterfactual_insights,omitempty"`
}

type IngestResponse struct {
	Accepted bool              `json:"accepted"`
	Status   string            `json:"status"`
	Decision *DecisionResponse `json:"decision,omitempty"`
}

type TelemetryResponse struct {
	MissionID        string    `json:"mission_id"`
	Timestamp        time.Time `json:"timestamp"`
	BatteryLevel     float64   `json:"battery_level"`
	ThermalState     float64   `json:"thermal_state"`
	OrientationRoll  float64   `json:"orientation_roll"`
	OrientationPitch float64   `json:"orientation_pitch"`
	OrientationYaw   float64   `json:"orientation_yaw"`
	SignalLatency    float64   `json:"signal_latency"`
	IsStable         bool      `json:"is_stable"`
}

type SessionResponse struct {
	MissionID       string             `json:"mission_id"`
	Status          string             `json:"status"`
	Active          bool               `json:"is_active"`
	LatestTelemetry *TelemetryResponse `json:"latest_telemetry,omitempty"`
	LastDecision    *DecisionResponse  `json:"last_decision,omitempty"`
	TelemetryCount  int                `json:"telemetry_count"`
	DecisionCount   int                `json:"decision_count"`
	TotalDecisions  uint64             `json:"total_decisions"`
	Subscribers     int                `json:"subscribers"`
	CreatedAt       time.Time          `json:"created_at"`
	LastActivity    time.Time          `json:"last_activity"`
}

type MissionResponse struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	SatelliteType string           `json:"satellite_type"`
	Altitude      float64          `json:"altitude"`
	Inclination   float64          `json:"inclination"`
	Status        string           `json:"status"`
	Active        bool             `json:"is_active"`
	StartTime     time.Time        `json:"start_time"`
	CreatedAt     time.Time        `json:"created_at"`
	Session       *SessionResponse `json:"session,omitempty"`
}

type ForecastResponse struct {
	MissionID            string      `json:"mission_id"`
	Timestamps           []time.Time `json:"timestamps"`
	BatteryLevels        []float64   `json:"battery_levels"`
	Phases               []string    `json:"phases"`
	EclipseFraction      float64     `json:"eclipse_fraction"`
	OrbitalPeriodMinutes float64     `json:"orbital_period_minutes"`
	MinBattery           float64     `json:"min_battery"`
	SurvivalProbability  float64     `json:"survival_probability"`
}

type ReportResponse struct {
	MissionID         string             `json:"mission_id"`
	MissionName       string             `json:"mission_name"`
	Satellite         string             `json:"satellite"`
	Status            string             `json:"status"`
	Active            bool               `json:"is_active"`
	TotalAnomalies    int                `json:"total_anomalies"`
	AnomaliesByType   map[string]int     `json:"anomalies_by_type"`
	AverageConfidence float64            `json:"average_confidence"`
	TelemetryCount    int                `json:"telemetry_count"`
	Decisions         []DecisionResponse `json:"decisions"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions"`
	MissionIDs  []string `json:"mission_ids,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	LastUsedAt  string   `json:"last_used_at,omitempty"`
	Key         string   `json:"key,omitempty" doc:"Raw key, returned only on creation"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// StreamFrame is one message on the websocket and SSE streams.
type StreamFrame struct {
	Type      string             `json:"type"`
	Seq       uint64             `json:"seq"`
	MissionID string             `json:"mission_id"`
	Status    string             `json:"status"`
	Active    bool               `json:"is_active"`
	Missed    uint64             `json:"missed,omitempty"`
	Telemetry *TelemetryResponse `json:"telemetry,omitempty"`
	Decision  *DecisionResponse  `json:"decision,omitempty"`
}

func decisionResponse(d domain.Decision) DecisionResponse {
	alts := make([]AlternativeResponse, 0, len(d.AlternativeActions))
	for _, a := range d.AlternativeActions {
		alts = append(alts, AlternativeResponse{Action: a.Action, Risk: string(a.Risk)})
	}
	return DecisionResponse{
		ID:                          d.ID,
		MissionID:                   d.MissionID,
		Timestamp:                   d.Timestamp,
		AnomalyDetected:             d.AnomalyType != domain.AnomalyNominal,
		AnomalyType:                 string(d.AnomalyType),
		Severity:                    string(d.Severity),
		MissionPhase:                d.MissionPhase,
		RootCauseHypothesis:         d.RootCauseHypothesis,
		SelectedAction:              d.SelectedAction,
		Explanation:                 d.Explanation,
		Confidence:                  d.Confidence,
		RecoveryActionsConsidered:   alts,
		TriggeringFields:            nonNilSlice(d.TriggeringFields),
		AutonomyMode:                d.AutonomyMode(),
		GlobalSpaceState:            d.GlobalSpaceState,
		DetectedPatterns:            d.DetectedPatterns,
		PredictedEvents:             d.PredictedEvents,
		RiskAssessment:              d.RiskAssessment,
		CoordinationRecommendations: d.CoordinationRecommendations,
		CounterfactualInsights:      d.CounterfactualInsights,
	}
}

func decisionPtr(d *domain.Decision) *DecisionResponse {
	if d == nil {
		return nil
	}
	resp := decisionResponse(*d)
	return &resp
}

func mapDecisions(items []domain.Decision) []DecisionResponse {
	out := make([]DecisionResponse, 0, len(items))
	for _, d := range items {
		out = append(out, decisionResponse(d))
	}
	return out
}

func telemetryResponse(s domain.TelemetrySample) TelemetryResponse {
	return TelemetryResponse{
		MissionID:        s.MissionID,
		Timestamp:        s.Timestamp,
		BatteryLevel:     s.BatteryLevel,
		ThermalState:     s.ThermalState,
		OrientationRoll:  s.Orientation.Roll,
		OrientationPitch: s.Orientation.Pitch,
		OrientationYaw:   s.Orientation.Yaw,
		SignalLatency:    s.SignalLatency,
		IsStable:         s.IsStable,
	}
}

func telemetryPtr(s *domain.TelemetrySample) *TelemetryResponse {
	if s == nil {
		return nil
	}
	resp := telemetryResponse(*s)
	return &resp
}

func mapTelemetry(items []domain.TelemetrySample) []TelemetryResponse {
	out := make([]TelemetryResponse, 0, len(items))
	for _, s := range items {
		out = append(out, telemetryResponse(s))
	}
	return out
}

func sessionResponse(s session.Snapshot) SessionResponse {
	return SessionResponse{
		MissionID:       s.MissionID,
		Status:          string(s.Status),
		Active:          s.Active,
		LatestTelemetry: telemetryPtr(s.LatestTelemetry),
		LastDecision:    decisionPtr(s.LastDecision),
		TelemetryCount:  s.TelemetryCount,
		DecisionCount:   s.DecisionCount,
		TotalDecisions:  s.TotalDecisions,
		Subscribers:     s.Subscribers,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
	}
}

func missionResponse(m engine.MissionView) MissionResponse {
	resp := MissionResponse{
		ID:            m.ID,
		Name:          m.Name,
		SatelliteType: string(m.SatelliteType),
		Altitude:      m.AltitudeKm,
		Inclination:   m.InclinationDeg,
		Status:        string(m.Status),
		Active:        m.Active,
		StartTime:     m.StartTime,
		CreatedAt:     m.CreatedAt,
	}
	if m.Session != nil {
		s := sessionResponse(*m.Session)
		resp.Session = &s
	}
	return resp
}

func mapMissions(items []engine.MissionView) []MissionResponse {
	out := make([]MissionResponse, 0, len(items))
	for _, m := range items {
		out = append(out, missionResponse(m))
	}
	return out
}

func forecastResponse(f domain.ForecastSeries) ForecastResponse {
	return ForecastResponse{
		MissionID:            f.MissionID,
		Timestamps:           nonNilSlice(f.Timestamps),
		BatteryLevels:        nonNilSlice(f.BatteryLevels),
		Phases:               nonNilSlice(f.Phases),
		EclipseFraction:      f.EclipseFraction,
		OrbitalPeriodMinutes: f.OrbitalPeriodMinutes,
		MinBattery:           f.MinBattery,
		SurvivalProbability:  f.SurvivalProbability,
	}
}

func reportResponse(r engine.Report) ReportResponse {
	return ReportResponse{
		MissionID:         r.MissionID,
		MissionName:       r.MissionName,
		Satellite:         r.Satellite,
		Status:            string(r.Status),
		Active:            r.Active,
		TotalAnomalies:    r.TotalAnomalies,
		AnomaliesByType:   r.AnomaliesByType,
		AverageConfidence: r.AverageConfidence,
		TelemetryCount:    r.TelemetryCount,
		Decisions:         mapDecisions(r.Decisions),
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		MissionID:  e.MissionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:          k.ID,
		ActorID:     k.ActorID,
		Name:        k.Name,
		Permissions: k.Permissions,
		MissionIDs:  k.MissionIDs,
		CreatedAt:   k.CreatedAt,
		LastUsedAt:  k.LastUsedAt,
	}
}

func frameFromEvent(ev stream.Event) StreamFrame {
	return StreamFrame{
		Type:      string(ev.Type),
		Seq:       ev.Seq,
		MissionID: ev.MissionID,
		Status:    string(ev.Status),
		Active:    ev.Active,
		Missed:    ev.Missed,
		Telemetry: telemetryPtr(ev.Telemetry),
		Decision:  decisionPtr(ev.Decision),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
