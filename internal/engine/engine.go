package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"orbita/internal/classifier"
	"orbita/internal/config"
	"orbita/internal/domain"
	"orbita/internal/engine/auth"
	"orbita/internal/events"
	"orbita/internal/forecast"
	"orbita/internal/observability"
	"orbita/internal/platform/logger"
	"orbita/internal/policy"
	"orbita/internal/recorder"
	"orbita/internal/repo"
	"orbita/internal/session"
	"orbita/internal/stream"
)

// ErrMissionExists is returned when creating a mission whose id is taken.
var ErrMissionExists = errors.New("mission already exists")

// restoreTimeout bounds the wait for pending writes when a session is rebuilt
// from the database.
const restoreTimeout = 2 * time.Second

type Options struct {
	// DB enables persistence when non-nil and config allows it.
	DB      *sql.DB
	Config  *config.Config
	Metrics *observability.Metrics
	Log     *logger.Logger
	Now     func() time.Time
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Service
	Config     *config.Config
	Sessions   *session.Manager
	Recorder   *recorder.Recorder
	Classifier classifier.Classifier
	Policy     *policy.Engine
	Forecaster *forecast.Forecaster
	Metrics    *observability.Metrics
	Log        *logger.Logger
	Now        func() time.Time
}

func New(opts Options) Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := Engine{
		Config:     cfg,
		Classifier: classifier.New(cfg.Classifier),
		Policy:     policy.New(cfg.Policy),
		Forecaster: forecast.New(cfg.Forecast),
		Metrics:    opts.Metrics,
		Log:        opts.Log.With("component", "Engine"),
		Now:        opts.Now,
	}
	var rec session.Recorder
	if opts.DB != nil {
		e.DB = opts.DB
		e.Repo = repo.Repo{DB: opts.DB}
		e.Events = events.Writer{DB: opts.DB, Now: opts.Now}
		e.Auth = auth.Service{Repo: e.Repo, Events: e.Events, Now: opts.Now}
		if cfg.PersistenceEnabled() {
			e.Recorder = recorder.New(e.Repo, e.Events, cfg.Persistence, opts.Metrics, opts.Log)
			rec = e.Recorder
		}
	}
	e.Sessions = session.NewManager(session.Options{
		Limits:     cfg.Limits,
		Envelope:   cfg.Envelope,
		Classifier: e.Classifier,
		Policy:     e.Policy,
		Gateway:    stream.NewGateway(cfg.Limits.SubscriberQueue, opts.Metrics, opts.Log),
		Recorder:   rec,
		Metrics:    opts.Metrics,
		Log:        opts.Log,
		Now:        opts.Now,
		Restore:    e.restore,
	})
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Persistent reports whether telemetry and decisions reach the database.
func (e Engine) Persistent() bool {
	return e.Recorder != nil
}

// Run drives the background workers until ctx is done: the session reaper and,
// when persistence is on, the recorder.
func (e Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Sessions.Run(ctx) })
	if e.Recorder != nil {
		g.Go(func() error { return e.Recorder.Run(ctx) })
	}
	return g.Wait()
}

// Flush waits for queued records to reach the database. It is a no-op without
// persistence.
func (e Engine) Flush(ctx context.Context) error {
	if e.Recorder == nil {
		return nil
	}
	return e.Recorder.Flush(ctx)
}

// Analysis is the result of a stateless evaluation.
type Analysis struct {
	Classification domain.Classification
	Decision       domain.Decision
}

func (a Analysis) AnomalyDetected() bool {
	return !a.Classification.Nominal()
}

// Analyze classifies one sample without touching any session. Nominal samples
// yield a CONTINUE_NOMINAL_OPERATIONS assessment.
func (e Engine) Analyze(sample domain.TelemetrySample) (Analysis, error) {
	if err := session.Validate(sample, e.Config.Envelope); err != nil {
		return Analysis{}, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = e.now()
	}
	sample.Timestamp = sample.Timestamp.UTC()
	sample.Orientation = sample.Orientation.Normalize()
	c := e.Classifier.Classify(sample, nil)
	if c.Nominal() {
		return Analysis{Classification: c, Decision: e.Policy.Nominal(sample)}, nil
	}
	return Analysis{Classification: c, Decision: e.Policy.Decide(c, sample, nil)}, nil
}

// IngestResult reports the outcome of one accepted sample.
type IngestResult struct {
	Accepted bool
	Status   domain.Severity
	Decision *domain.Decision
}

func (e Engine) Ingest(ctx context.Context, missionID string, sample domain.TelemetrySample) (IngestResult, error) {
	d, err := e.Sessions.Ingest(missionID, sample)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{Accepted: true, Status: domain.SeverityNominal, Decision: d}
	if d != nil {
		res.Status = d.Severity
	}
	return res, nil
}

// MissionCreateOptions are parameters for registering a mission.
type MissionCreateOptions struct {
	ID             string
	Name           string
	SatelliteType  string
	AltitudeKm     float64
	InclinationDeg float64
	StartTime      time.Time
	ActorID        string
}

// MissionView is a registered mission with its live session state.
type MissionView struct {
	domain.Mission
	Session *session.Snapshot `json:"session,omitempty"`
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (MissionView, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return MissionView{}, &session.ValidationError{Field: "name", Reason: "is required"}
	}
	satType := domain.SatelliteType(strings.ToUpper(strings.TrimSpace(opts.SatelliteType)))
	switch satType {
	case "":
		satType = domain.SatelliteLEO
	case domain.SatelliteLEO, domain.SatelliteMEO, domain.SatelliteGEO:
	default:
		return MissionView{}, &session.ValidationError{Field: "satellite_type", Reason: "must be LEO, MEO or GEO"}
	}
	altitude := opts.AltitudeKm
	if altitude == 0 {
		altitude = e.Config.Profile(string(satType)).AltitudeKm
	}
	if altitude <= 0 || math.IsNaN(altitude) || math.IsInf(altitude, 0) {
		return MissionView{}, &session.ValidationError{Field: "altitude_km", Reason: "must be positive"}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	start := opts.StartTime
	if start.IsZero() {
		start = now
	}
	m := domain.Mission{
		ID:             id,
		Name:           name,
		SatelliteType:  satType,
		AltitudeKm:     altitude,
		InclinationDeg: opts.InclinationDeg,
		Status:         domain.SeverityNominal,
		Active:         true,
		StartTime:      start.UTC(),
		CreatedAt:      now,
	}

	if _, err := e.Sessions.Snapshot(id); err == nil {
		return MissionView{}, fmt.Errorf("%w: %s", ErrMissionExists, id)
	}
	if e.DB != nil {
		if err := e.insertMission(ctx, m, opts.ActorID); err != nil {
			return MissionView{}, err
		}
	}
	snap, err := e.Sessions.Open(id, missionConfig(m))
	if err != nil {
		return MissionView{}, err
	}
	e.Log.Info("mission created", "mission_id", id, "satellite_type", satType, "altitude_km", altitude)
	return MissionView{Mission: m, Session: &snap}, nil
}

func (e Engine) insertMission(ctx context.Context, m domain.Mission, actorID string) error {
	if _, err := e.Repo.GetMission(ctx, m.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrMissionExists, m.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	payload := events.EventPayload{"name": m.Name, "satellite_type": string(m.SatelliteType), "altitude_km": m.AltitudeKm}
	if err := e.Events.Append(ctx, tx, domain.EventMissionCreated, m.ID, events.EntityMission, m.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMission returns the registered mission, or a mission derived from a live
// session that was created by telemetry alone.
func (e Engine) GetMission(ctx context.Context, id string) (MissionView, error) {
	var (
		view       MissionView
		registered bool
	)
	if e.DB != nil {
		m, err := e.Repo.GetMission(ctx, id)
		switch {
		case err == nil:
			view.Mission = m
			registered = true
		case !errors.Is(err, repo.ErrNotFound):
			return MissionView{}, err
		}
	}
	snap, err := e.Sessions.Snapshot(id)
	if err != nil {
		if registered {
			return view, nil
		}
		return MissionView{}, err
	}
	if !registered {
		view.Mission = missionFromSnapshot(snap)
	}
	view.Status = snap.Status
	view.Active = snap.Active
	view.Session = &snap
	return view, nil
}

// ListMissions returns registered missions followed by unregistered live ones.
func (e Engine) ListMissions(ctx context.Context) ([]MissionView, error) {
	out := []MissionView{}
	seen := map[string]bool{}
	if e.DB != nil {
		missions, err := e.Repo.ListMissions(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range missions {
			seen[m.ID] = true
			out = append(out, MissionView{Mission: m})
		}
	}
	live := map[string]session.Snapshot{}
	for _, snap := range e.Sessions.List() {
		live[snap.MissionID] = snap
		if !seen[snap.MissionID] {
			out = append(out, MissionView{Mission: missionFromSnapshot(snap)})
		}
	}
	for i := range out {
		if snap, ok := live[out[i].ID]; ok {
			out[i].Status = snap.Status
			out[i].Active = snap.Active
			out[i].Session = &snap
		}
	}
	return out, nil
}

// Stop marks a mission inactive. A registered mission without a live session
// gets one rebuilt first so the override reaches its history.
func (e Engine) Stop(ctx context.Context, missionID string) (session.Snapshot, error) {
	if err := e.ensureSession(ctx, missionID); err != nil {
		return session.Snapshot{}, err
	}
	return e.Sessions.Stop(missionID)
}

// Start reactivates a stopped mission.
func (e Engine) Start(ctx context.Context, missionID string) (session.Snapshot, error) {
	if err := e.ensureSession(ctx, missionID); err != nil {
		return session.Snapshot{}, err
	}
	return e.Sessions.Start(missionID)
}

// Snapshot returns the live session state of a mission.
func (e Engine) Snapshot(ctx context.Context, missionID string) (session.Snapshot, error) {
	if err := e.ensureSession(ctx, missionID); err != nil {
		return session.Snapshot{}, err
	}
	return e.Sessions.Snapshot(missionID)
}

// Subscribe attaches a stream subscriber, creating the session if needed.
func (e Engine) Subscribe(ctx context.Context, missionID string) (*stream.Subscription, error) {
	return e.Sessions.Subscribe(missionID)
}

// Telemetry returns up to limit recent samples. The database is used when the
// session is gone or holds fewer samples than requested.
func (e Engine) Telemetry(ctx context.Context, missionID string, limit int) ([]domain.TelemetrySample, error) {
	live, err := e.Sessions.Telemetry(missionID, limit)
	if err != nil && !errors.Is(err, session.ErrMissionNotFound) {
		return nil, err
	}
	if !e.Persistent() || (err == nil && limit > 0 && len(live) >= limit) {
		return live, err
	}
	if err := e.flush(ctx); err != nil {
		return nil, err
	}
	stored, serr := e.Repo.ListTelemetry(ctx, missionID, limit)
	if serr != nil {
		return nil, serr
	}
	if len(stored) == 0 && err != nil {
		if _, merr := e.Repo.GetMission(ctx, missionID); merr != nil {
			return nil, err
		}
	}
	if len(stored) < len(live) {
		return live, nil
	}
	return stored, nil
}

// Forecast projects the mission's battery level from its latest sample, or
// from its satellite profile when no telemetry has arrived.
func (e Engine) Forecast(ctx context.Context, missionID string, horizonHours int) (domain.ForecastSeries, error) {
	view, err := e.GetMission(ctx, missionID)
	if err != nil {
		return domain.ForecastSeries{}, err
	}
	profile := e.Config.Profile(string(view.SatelliteType))
	altitude := view.AltitudeKm
	if altitude <= 0 {
		altitude = profile.AltitudeKm
	}
	battery := profile.Battery
	if battery <= 0 {
		battery = e.Config.Forecast.DefaultBatteryLevel
	}
	origin := e.now().UTC()

	var latest *domain.TelemetrySample
	if view.Session != nil && view.Session.LatestTelemetry != nil {
		latest = view.Session.LatestTelemetry
	} else if e.Persistent() {
		if err := e.flush(ctx); err != nil {
			return domain.ForecastSeries{}, err
		}
		if stored, err := e.Repo.ListTelemetry(ctx, missionID, 1); err == nil && len(stored) == 1 {
			latest = &stored[0]
		}
	}
	if latest != nil {
		battery = latest.BatteryLevel
		origin = latest.Timestamp
	}
	elapsed := origin.Sub(view.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	return e.Forecaster.Project(forecast.Input{
		MissionID:    missionID,
		BatteryLevel: battery,
		AltitudeKm:   altitude,
		Origin:       origin,
		Elapsed:      elapsed,
	}, horizonHours)
}

// Report summarizes a mission's decisions.
type Report struct {
	MissionID         string            `json:"mission_id"`
	MissionName       string            `json:"mission_name"`
	Satellite         string            `json:"satellite"`
	Status            domain.Severity   `json:"status"`
	Active            bool              `json:"is_active"`
	TotalAnomalies    int               `json:"total_anomalies"`
	AnomaliesByType   map[string]int    `json:"anomalies_by_type"`
	AverageConfidence float64           `json:"average_confidence"`
	TelemetryCount    int               `json:"telemetry_count"`
	Decisions         []domain.Decision `json:"decisions"`
}

// Report covers the full persisted history when persistence is on, otherwise
// the decisions retained in memory.
func (e Engine) Report(ctx context.Context, missionID string) (Report, error) {
	view, err := e.GetMission(ctx, missionID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		MissionID:       view.ID,
		MissionName:     view.Name,
		Satellite:       string(view.SatelliteType),
		Status:          view.Status,
		Active:          view.Active,
		AnomaliesByType: map[string]int{},
	}
	if e.Persistent() {
		if err := e.flush(ctx); err != nil {
			return Report{}, err
		}
		if rep.Decisions, err = e.Repo.ListDecisions(ctx, missionID); err != nil {
			return Report{}, err
		}
		if rep.TelemetryCount, err = e.Repo.CountTelemetry(ctx, missionID); err != nil {
			return Report{}, err
		}
	} else if view.Session != nil {
		if rep.Decisions, err = e.Sessions.Decisions(missionID); err != nil {
			return Report{}, err
		}
		rep.TelemetryCount = view.Session.TelemetryCount
	}
	if rep.Decisions == nil {
		rep.Decisions = []domain.Decision{}
	}
	var sum float64
	for _, d := range rep.Decisions {
		rep.AnomaliesByType[string(d.AnomalyType)]++
		sum += d.Confidence
	}
	rep.TotalAnomalies = len(rep.Decisions)
	if rep.TotalAnomalies > 0 {
		rep.AverageConfidence = math.Round(sum/float64(rep.TotalAnomalies)*10000) / 10000
	}
	return rep, nil
}

// AuditEvents returns the newest lifecycle events, optionally for one mission.
func (e Engine) AuditEvents(ctx context.Context, missionID, eventType string, limit int) ([]domain.Event, error) {
	if e.DB == nil {
		return []domain.Event{}, nil
	}
	if err := e.flush(ctx); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, limit, missionID, eventType)
}

// ensureSession rebuilds the session of a registered mission that has none.
func (e Engine) ensureSession(ctx context.Context, missionID string) error {
	if _, err := e.Sessions.Snapshot(missionID); err == nil {
		return nil
	} else if e.DB == nil {
		return err
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", session.ErrMissionNotFound, missionID)
	}
	if err != nil {
		return err
	}
	_, err = e.Sessions.Open(missionID, missionConfig(m))
	return err
}

// restore seeds a new session from the database so decision ids, ordering and
// the stopped flag survive session teardown.
func (e Engine) restore(missionID string) session.Seed {
	seed := session.Seed{Config: session.MissionConfig{
		Name:          missionID,
		SatelliteType: domain.SatelliteLEO,
		AltitudeKm:    e.Config.Profile(string(domain.SatelliteLEO)).AltitudeKm,
	}}
	if e.DB == nil {
		return seed
	}
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	if e.Recorder != nil && e.Recorder.Pending(missionID) {
		if err := e.flush(ctx); err != nil {
			e.Log.Warn("restore without flushed history", "mission_id", missionID, "error", err)
		}
	}
	if m, err := e.Repo.GetMission(ctx, missionID); err == nil {
		seed.Config = missionConfig(m)
		seed.Stopped = !m.Active
	} else if !errors.Is(err, repo.ErrNotFound) {
		e.Log.Error("restore mission", "mission_id", missionID, "error", err)
	}
	if id, err := e.Repo.LastDecisionID(ctx, missionID); err == nil {
		seed.LastDecisionID = id
	} else {
		e.Log.Error("restore decision id", "mission_id", missionID, "error", err)
	}
	if ts, err := e.Repo.LastTelemetryTime(ctx, missionID); err == nil {
		seed.LastTimestamp = ts
	} else if !errors.Is(err, repo.ErrNotFound) {
		e.Log.Error("restore last timestamp", "mission_id", missionID, "error", err)
	}
	return seed
}

func (e Engine) flush(ctx context.Context) error {
	err := e.Flush(ctx)
	if errors.Is(err, recorder.ErrClosed) {
		return nil
	}
	return err
}

func missionConfig(m domain.Mission) session.MissionConfig {
	return session.MissionConfig{
		Name:           m.Name,
		SatelliteType:  m.SatelliteType,
		AltitudeKm:     m.AltitudeKm,
		InclinationDeg: m.InclinationDeg,
		StartTime:      m.StartTime,
	}
}

func missionFromSnapshot(snap session.Snapshot) domain.Mission {
	return domain.Mission{
		ID:             snap.MissionID,
		Name:           snap.Mission.Name,
		SatelliteType:  snap.Mission.SatelliteType,
		AltitudeKm:     snap.Mission.AltitudeKm,
		InclinationDeg: snap.Mission.InclinationDeg,
		Status:         snap.Status,
		Active:         snap.Active,
		StartTime:      snap.Mission.StartTime,
		CreatedAt:      snap.CreatedAt,
	}
}
