package orbitasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ORBITA HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Telemetry is one sample in the flat wire shape.
type Telemetry struct {
	MissionID        string    `json:"mission_id,omitempty"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
	BatteryLevel     float64   `json:"battery_level"`
	ThermalState     float64   `json:"thermal_state"`
	OrientationRoll  float64   `json:"orientation_roll"`
	OrientationPitch float64   `json:"orientation_pitch"`
	OrientationYaw   float64   `json:"orientation_yaw"`
	SignalLatency    float64   `json:"signal_latency"`
	IsStable         bool      `json:"is_stable"`
}

// Alternative is a recovery action that was considered.
type Alternative struct {
	Action string `json:"action"`
	Risk   string `json:"risk"`
}

// Decision represents the API decision model (partial).
type Decision struct {
	ID                        uint64        `json:"id"`
	MissionID                 string        `json:"mission_id"`
	Timestamp                 time.Time     `json:"timestamp"`
	AnomalyDetected           bool          `json:"anomaly_detected"`
	AnomalyType               string        `json:"anomaly_type"`
	Severity                  string        `json:"severity"`
	MissionPhase              string        `json:"mission_phase"`
	RootCauseHypothesis       string        `json:"root_cause_hypothesis"`
	SelectedAction            string        `json:"selected_action"`
	Explanation               string        `json:"explanation"`
	Confidence                float64       `json:"confidence"`
	RecoveryActionsConsidered []Alternative `json:"recovery_actions_considered"`
	TriggeringFields          []string      `json:"triggering_fields"`
	AutonomyMode              string        `json:"autonomy_mode"`
}

// IngestResult is the outcome of one submitted sample.
type IngestResult struct {
	Accepted bool      `json:"accepted"`
	Status   string    `json:"status"`
	Decision *Decision `json:"decision,omitempty"`
}

// Session is the live state of a mission.
type Session struct {
	MissionID      string    `json:"mission_id"`
	Status         string    `json:"status"`
	Active         bool      `json:"is_active"`
	TelemetryCount int       `json:"telemetry_count"`
	DecisionCount  int       `json:"decision_count"`
	TotalDecisions uint64    `json:"total_decisions"`
	Subscribers    int       `json:"subscribers"`
	LastDecision   *Decision `json:"last_decision,omitempty"`
}

// Mission is a registered mission.
type Mission struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SatelliteType string    `json:"satellite_type"`
	Altitude      float64   `json:"altitude"`
	Inclination   float64   `json:"inclination"`
	Status        string    `json:"status"`
	Active        bool      `json:"is_active"`
	StartTime     time.Time `json:"start_time"`
	Session       *Session  `json:"session,omitempty"`
}

// MissionInput are the fields accepted when registering a mission.
type MissionInput struct {
	ID            string  `json:"id,omitempty"`
	Name          string  `json:"name"`
	SatelliteType string  `json:"satellite_type,omitempty"`
	Altitude      float64 `json:"altitude,omitempty"`
	Inclination   float64 `json:"inclination,omitempty"`
}

// Forecast is a projected battery series.
type Forecast struct {
	MissionID            string      `json:"mission_id"`
	Timestamps           []time.Time `json:"timestamps"`
	BatteryLevels        []float64   `json:"battery_levels"`
	Phases               []string    `json:"phases"`
	EclipseFraction      float64     `json:"eclipse_fraction"`
	OrbitalPeriodMinutes float64     `json:"orbital_period_minutes"`
	MinBattery           float64     `json:"min_battery"`
	SurvivalProbability  float64     `json:"survival_probability"`
}

// Report summarizes a mission's decisions.
type Report struct {
	MissionID         string         `json:"mission_id"`
	MissionName       string         `json:"mission_name"`
	Satellite         string         `json:"satellite"`
	Status            string         `json:"status"`
	Active            bool           `json:"is_active"`
	TotalAnomalies    int            `json:"total_anomalies"`
	AnomaliesByType   map[string]int `json:"anomalies_by_type"`
	AverageConfidence float64        `json:"average_confidence"`
	TelemetryCount    int            `json:"telemetry_count"`
	Decisions         []Decision     `json:"decisions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Analyze classifies one sample without a session.
func (c *Client) Analyze(ctx context.Context, t Telemetry) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "ai/analyze", t, &resp)
	return resp, err
}

// CreateMission registers a mission.
func (c *Client) CreateMission(ctx context.Context, in MissionInput) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", in, &resp)
	return resp, err
}

// Mission fetches a mission with its live session.
func (c *Client) Mission(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(missionID), nil, &resp)
	return resp, err
}

// Ingest submits one telemetry sample.
func (c *Client) Ingest(ctx context.Context, missionID string, t Telemetry) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "telemetry"), t, &resp)
	return resp, err
}

// Stop halts a mission. Repeated calls succeed.
func (c *Client) Stop(ctx context.Context, missionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "stop"), nil, &resp)
	return resp, err
}

// Start reactivates a stopped mission.
func (c *Client) Start(ctx context.Context, missionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "start"), nil, &resp)
	return resp, err
}

// Forecast projects battery level; hours <= 0 uses the server default.
func (c *Client) Forecast(ctx context.Context, missionID string, hours int) (Forecast, error) {
	endpoint := c.missionPath(missionID, "forecast")
	if hours > 0 {
		endpoint = fmt.Sprintf("%s?hours=%d", endpoint, hours)
	}
	var resp Forecast
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Report returns the mission decision report.
func (c *Client) Report(ctx context.Context, missionID string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, c.missionPath(missionID, "report"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) missionPath(missionID, p string) string {
	return fmt.Sprintf("mission/%s/%s", url.PathEscape(missionID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
