package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"orbita/internal/classifier"
	"orbita/internal/config"
	"orbita/internal/domain"
	"orbita/internal/observability"
	"orbita/internal/platform/logger"
	"orbita/internal/policy"
	"orbita/internal/stream"
)

// MissionConfig is the explicit per-mission configuration fixed at session creation.
type MissionConfig struct {
	Name           string               `json:"name"`
	SatelliteType  domain.SatelliteType `json:"satellite_type"`
	AltitudeKm     float64              `json:"altitude_km"`
	InclinationDeg float64              `json:"inclination_deg"`
	StartTime      time.Time            `json:"start_time"`
}

// Recorder receives every accepted sample, decision and lifecycle event in
// session order. Implementations must not block on I/O in these calls.
type Recorder interface {
	RecordTelemetry(domain.TelemetrySample)
	RecordDecision(domain.Decision)
	RecordEvent(eventType, missionID string, payload map[string]any)
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	MissionID       string                  `json:"mission_id"`
	Mission         MissionConfig           `json:"mission"`
	// Status is the severity of the most recent classification, nominal
	// included. A recovered sample clears an earlier critical status.
	Status          domain.Severity         `json:"status"`
	Active          bool                    `json:"active"`
	LatestTelemetry *domain.TelemetrySample `json:"latest_telemetry,omitempty"`
	LastDecision    *domain.Decision        `json:"last_decision,omitempty"`
	TelemetryCount  int                     `json:"telemetry_count"`
	DecisionCount   int                     `json:"decision_count"`
	TotalDecisions  uint64                  `json:"total_decisions"`
	Subscribers     int                     `json:"subscribers"`
	CreatedAt       time.Time               `json:"created_at"`
	LastActivity    time.Time               `json:"last_activity"`
}

type Options struct {
	Limits     config.LimitsConfig
	Envelope   config.EnvelopeConfig
	Classifier classifier.Classifier
	Policy     *policy.Engine
	Gateway    *stream.Gateway
	Recorder   Recorder
	Metrics    *observability.Metrics
	Log        *logger.Logger
	Now        func() time.Time
	// Restore seeds a new session from durable state. Its config is used for
	// sessions created implicitly by telemetry or a subscription.
	Restore func(missionID string) Seed
}

// Seed is the durable state a recreated session continues from.
type Seed struct {
	Config         MissionConfig
	LastDecisionID uint64
	LastTimestamp  time.Time
	Stopped        bool
}

// Manager owns every mission session. Work on one mission is serialized by
// that session's lock; different missions proceed in parallel.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*missionSession
	opts     Options
	log      *logger.Logger
}

type missionSession struct {
	mu           sync.Mutex
	closed       atomic.Bool
	id           string
	cfg          MissionConfig
	active       bool
	status       domain.Severity
	telemetry    *ring[domain.TelemetrySample]
	decisions    *ring[domain.Decision]
	nextID       uint64
	lastTS       time.Time
	createdAt    time.Time
	lastActivity time.Time
}

func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	if opts.Policy == nil {
		opts.Policy = policy.New(config.PolicyConfig{})
	}
	if opts.Gateway == nil {
		opts.Gateway = stream.NewGateway(opts.Limits.SubscriberQueue, opts.Metrics, opts.Log)
	}
	if opts.Restore == nil {
		opts.Restore = func(id string) Seed {
			return Seed{Config: MissionConfig{Name: id, SatelliteType: domain.SatelliteLEO}}
		}
	}
	return &Manager{
		sessions: make(map[string]*missionSession),
		opts:     opts,
		log:      opts.Log.With("component", "SessionManager"),
	}
}

// Gateway returns the streaming gateway sessions publish to.
func (m *Manager) Gateway() *stream.Gateway {
	return m.opts.Gateway
}

// Open creates the session for missionID with cfg, or replaces the
// configuration of an existing one. History is kept.
func (m *Manager) Open(missionID string, cfg MissionConfig) (Snapshot, error) {
	missionID = strings.TrimSpace(missionID)
	if missionID == "" {
		return Snapshot{}, &ValidationError{Field: domain.FieldMissionID, Reason: "is required"}
	}
	s, err := m.lock(missionID, &cfg)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()
	if cfg.StartTime.IsZero() {
		cfg.StartTime = s.cfg.StartTime
	}
	s.cfg = cfg
	return m.snapshot(s), nil
}

// Ingest validates sample, appends it to the mission history, classifies it
// and, when anomalous, records a decision. The returned decision is nil for a
// nominal sample.
func (m *Manager) Ingest(missionID string, sample domain.TelemetrySample) (*domain.Decision, error) {
	started := time.Now()
	missionID = strings.TrimSpace(missionID)
	if missionID == "" {
		missionID = strings.TrimSpace(sample.MissionID)
	}
	if missionID == "" {
		return nil, m.reject(&ValidationError{Field: domain.FieldMissionID, Reason: "is required"}, missionID)
	}
	if sample.MissionID != "" && sample.MissionID != missionID {
		return nil, m.reject(&ValidationError{Field: domain.FieldMissionID, Reason: "does not match the target mission"}, missionID)
	}
	if err := Validate(sample, m.opts.Envelope); err != nil {
		return nil, m.reject(err, missionID)
	}

	s, err := m.lock(missionID, nil)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if !s.active {
		return nil, m.reject(fmt.Errorf("%w: %s", ErrMissionStopped, missionID), missionID)
	}
	now := m.opts.Now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	sample.Timestamp = sample.Timestamp.UTC()
	if sample.Timestamp.Before(s.lastTS) {
		return nil, m.reject(fmt.Errorf("%w: %s is older than last accepted %s", ErrOutOfOrderSample,
			sample.Timestamp.Format(time.RFC3339Nano), s.lastTS.Format(time.RFC3339Nano)), missionID)
	}
	sample.MissionID = missionID
	sample.Orientation = sample.Orientation.Normalize()

	recent := s.telemetry.tail(m.opts.Classifier.T.SustainedInstability)
	c := m.opts.Classifier.Classify(sample, recent)
	s.telemetry.push(sample)
	s.lastTS = sample.Timestamp
	s.lastActivity = now
	s.status = c.Severity

	var decision *domain.Decision
	if !c.Nominal() {
		d := m.opts.Policy.Decide(c, sample, s.decisions.slice())
		s.nextID++
		d.ID = s.nextID
		s.decisions.push(d)
		decision = &d
	}

	if r := m.opts.Recorder; r != nil {
		r.RecordTelemetry(sample)
		if decision != nil {
			r.RecordDecision(*decision)
		}
	}
	ts := sample
	ev := stream.Event{Type: stream.EventTelemetry, Status: s.status, Active: true, Telemetry: &ts}
	if decision != nil {
		d := *decision
		ev.Decision = &d
		m.opts.Metrics.DecisionMade(string(d.AnomalyType), string(d.Severity))
		m.log.Info("decision recorded", "mission_id", missionID, "decision_id", d.ID,
			"anomaly_type", d.AnomalyType, "severity", d.Severity, "action", d.SelectedAction)
	}
	m.opts.Gateway.Publish(missionID, ev)
	m.opts.Metrics.SampleAccepted(time.Since(started))
	return decision, nil
}

// Stop marks the mission inactive and emits a terminal override event.
// Stopping a stopped mission is a no-op.
func (m *Manager) Stop(missionID string) (Snapshot, error) {
	s, err := m.existing(missionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()
	if !s.active {
		return m.snapshot(s), nil
	}
	s.active = false
	s.lastActivity = m.opts.Now()
	m.opts.Gateway.Publish(missionID, stream.Event{Type: stream.EventOverride, Status: s.status, Active: false})
	if r := m.opts.Recorder; r != nil {
		r.RecordEvent(domain.EventMissionStopped, missionID, map[string]any{"status": string(s.status)})
	}
	m.log.Warn("mission stopped by override", "mission_id", missionID)
	return m.snapshot(s), nil
}

// Start reactivates a stopped mission. Starting an active mission is a no-op.
func (m *Manager) Start(missionID string) (Snapshot, error) {
	s, err := m.existing(missionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()
	if s.active {
		return m.snapshot(s), nil
	}
	s.active = true
	s.lastActivity = m.opts.Now()
	if r := m.opts.Recorder; r != nil {
		r.RecordEvent(domain.EventMissionStarted, missionID, map[string]any{"status": string(s.status)})
	}
	m.log.Info("mission restarted", "mission_id", missionID)
	return m.snapshot(s), nil
}

// Subscribe attaches a stream subscriber. Its first event carries the latest
// telemetry and decision; no live event can be published in between.
func (m *Manager) Subscribe(missionID string) (*stream.Subscription, error) {
	missionID = strings.TrimSpace(missionID)
	if missionID == "" {
		return nil, &ValidationError{Field: domain.FieldMissionID, Reason: "is required"}
	}
	s, err := m.lock(missionID, nil)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	s.lastActivity = m.opts.Now()
	initial := stream.Event{Status: s.status, Active: s.active}
	if t, ok := s.telemetry.last(); ok {
		initial.Telemetry = &t
	}
	if d, ok := s.decisions.last(); ok {
		initial.Decision = &d
	}
	return m.opts.Gateway.Subscribe(missionID, initial), nil
}

// Snapshot returns a copy of the mission's session state.
func (m *Manager) Snapshot(missionID string) (Snapshot, error) {
	s, err := m.existing(missionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()
	return m.snapshot(s), nil
}

// Decisions returns the retained decision history, oldest first.
func (m *Manager) Decisions(missionID string) ([]domain.Decision, error) {
	s, err := m.existing(missionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := s.decisions.slice()
	if out == nil {
		out = []domain.Decision{}
	}
	return out, nil
}

// Telemetry returns up to limit of the newest retained samples, oldest first.
// limit <= 0 returns everything retained.
func (m *Manager) Telemetry(missionID string, limit int) ([]domain.TelemetrySample, error) {
	s, err := m.existing(missionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = s.telemetry.len()
	}
	out := s.telemetry.tail(limit)
	if out == nil {
		out = []domain.TelemetrySample{}
	}
	return out, nil
}

// List returns snapshots of every live session ordered by mission id.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*missionSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		if !s.closed.Load() {
			out = append(out, m.snapshot(s))
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MissionID < out[j].MissionID })
	return out
}

// Reap tears down sessions idle since before now-IdleTimeout that have no
// subscribers. It returns the expired mission ids.
func (m *Manager) Reap(now time.Time) []string {
	m.mu.RLock()
	candidates := make([]*missionSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	var expired []string
	cutoff := now.Add(-m.opts.Limits.IdleTimeout)
	for _, s := range candidates {
		s.mu.Lock()
		if s.closed.Load() || !s.lastActivity.Before(cutoff) || m.opts.Gateway.Count(s.id) > 0 {
			s.mu.Unlock()
			continue
		}
		s.closed.Store(true)
		m.opts.Gateway.CloseMission(s.id)
		if r := m.opts.Recorder; r != nil {
			r.RecordEvent(domain.EventMissionExpired, s.id, map[string]any{"idle_since": s.lastActivity.UTC().Format(time.RFC3339Nano)})
		}
		s.mu.Unlock()
		m.forget(s)
		expired = append(expired, s.id)
	}
	if len(expired) > 0 {
		sort.Strings(expired)
		m.log.Info("expired idle sessions", "count", len(expired), "mission_ids", expired)
	}
	return expired
}

// Run reaps idle sessions every ReapInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.opts.Limits.ReapInterval
	if interval <= 0 || m.opts.Limits.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Reap(m.opts.Now())
		}
	}
}

// lock returns the locked session for missionID, creating it when absent. cfg
// overrides the resolved configuration for a new session.
func (m *Manager) lock(missionID string, cfg *MissionConfig) (*missionSession, error) {
	for {
		m.mu.RLock()
		s := m.sessions[missionID]
		m.mu.RUnlock()
		if s == nil {
			var err error
			if s, err = m.create(missionID, cfg); err != nil {
				return nil, err
			}
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			m.forget(s)
			continue
		}
		return s, nil
	}
}

// existing returns the locked session or ErrMissionNotFound.
func (m *Manager) existing(missionID string) (*missionSession, error) {
	m.mu.RLock()
	s := m.sessions[strings.TrimSpace(missionID)]
	m.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissionNotFound, missionID)
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMissionNotFound, missionID)
	}
	return s, nil
}

func (m *Manager) create(missionID string, cfg *MissionConfig) (*missionSession, error) {
	seed := m.opts.Restore(missionID)
	if cfg != nil {
		seed.Config = *cfg
	}
	now := m.opts.Now()
	if seed.Config.StartTime.IsZero() {
		seed.Config.StartTime = now.UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[missionID]; ok && !s.closed.Load() {
		return s, nil
	}
	live := 0
	for _, s := range m.sessions {
		if !s.closed.Load() {
			live++
		}
	}
	if live >= m.opts.Limits.MaxSessions {
		m.log.Error("session capacity exhausted", "mission_id", missionID, "max_sessions", m.opts.Limits.MaxSessions)
		return nil, fmt.Errorf("%w: limit of %d sessions reached", ErrResourceExhausted, m.opts.Limits.MaxSessions)
	}
	s := &missionSession{
		id:           missionID,
		cfg:          seed.Config,
		active:       !seed.Stopped,
		status:       domain.SeverityNominal,
		telemetry:    newRing[domain.TelemetrySample](m.opts.Limits.TelemetryHistory),
		decisions:    newRing[domain.Decision](m.opts.Limits.DecisionHistory),
		nextID:       seed.LastDecisionID,
		lastTS:       seed.LastTimestamp.UTC(),
		createdAt:    now,
		lastActivity: now,
	}
	m.sessions[missionID] = s
	m.opts.Metrics.SetSessions(len(m.sessions))
	m.log.Debug("session created", "mission_id", missionID)
	return s, nil
}

func (m *Manager) forget(s *missionSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.opts.Metrics.SetSessions(len(m.sessions))
}

// snapshot copies s; the caller holds s.mu.
func (m *Manager) snapshot(s *missionSession) Snapshot {
	snap := Snapshot{
		MissionID:      s.id,
		Mission:        s.cfg,
		Status:         s.status,
		Active:         s.active,
		TelemetryCount: s.telemetry.len(),
		DecisionCount:  s.decisions.len(),
		TotalDecisions: s.nextID,
		Subscribers:    m.opts.Gateway.Count(s.id),
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
	}
	if t, ok := s.telemetry.last(); ok {
		snap.LatestTelemetry = &t
	}
	if d, ok := s.decisions.last(); ok {
		snap.LastDecision = &d
	}
	return snap
}

func (m *Manager) reject(err error, missionID string) error {
	reason := "invalid_sample"
	switch {
	case errors.Is(err, ErrOutOfOrderSample):
		reason = "out_of_order_sample"
	case errors.Is(err, ErrMissionStopped):
		reason = "mission_stopped"
	}
	m.opts.Metrics.SampleRejected(reason)
	m.log.Warn("sample rejected", "mission_id", missionID, "reason", reason, "error", err)
	return err
}
