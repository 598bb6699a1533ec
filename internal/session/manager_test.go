package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbita/internal/classifier"
	"orbita/internal/config"
	"orbita/internal/domain"
	"orbita/internal/policy"
	"orbita/internal/stream"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memRecorder struct {
	mu        sync.Mutex
	telemetry []domain.TelemetrySample
	decisions []domain.Decision
	events    []string
}

func (r *memRecorder) RecordTelemetry(s domain.TelemetrySample) {
	r.mu.Lock()
	r.telemetry = append(r.telemetry, s)
	r.mu.Unlock()
}

func (r *memRecorder) RecordDecision(d domain.Decision) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
}

func (r *memRecorder) RecordEvent(eventType, missionID string, _ map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, eventType+":"+missionID)
	r.mu.Unlock()
}

func newManager(t *testing.T, mutate func(*config.Config)) (*Manager, *fakeClock, *memRecorder) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	clock := &fakeClock{now: t0}
	rec := &memRecorder{}
	m := NewManager(Options{
		Limits:     cfg.Limits,
		Envelope:   cfg.Envelope,
		Classifier: classifier.New(cfg.Classifier),
		Policy:     policy.New(cfg.Policy),
		Recorder:   rec,
		Now:        clock.Now,
	})
	return m, clock, rec
}

func nominal(offset time.Duration) domain.TelemetrySample {
	return domain.TelemetrySample{
		Timestamp:     t0.Add(offset),
		BatteryLevel:  100,
		ThermalState:  20,
		SignalLatency: 50,
		IsStable:      true,
	}
}

func TestIngestNominalReturnsNoDecision(t *testing.T) {
	m, _, rec := newManager(t, nil)
	d, err := m.Ingest("m-1", nominal(0))
	require.NoError(t, err)
	assert.Nil(t, d)

	snap, err := m.Snapshot("m-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityNominal, snap.Status)
	assert.Equal(t, 1, snap.TelemetryCount)
	assert.Equal(t, 0, snap.DecisionCount)
	require.NotNil(t, snap.LatestTelemetry)
	assert.Equal(t, "m-1", snap.LatestTelemetry.MissionID)
	assert.Len(t, rec.telemetry, 1)
}

func TestIngestAnomalyRecordsDecision(t *testing.T) {
	m, _, rec := newManager(t, nil)
	s := nominal(0)
	s.BatteryLevel = 15
	d, err := m.Ingest("m-1", s)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, uint64(1), d.ID)
	assert.Equal(t, domain.AnomalyLowBattery, d.AnomalyType)
	assert.Equal(t, domain.SeverityCritical, d.Severity)
	assert.Equal(t, "m-1", d.MissionID)

	snap, err := m.Snapshot("m-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityCritical, snap.Status)
	require.NotNil(t, snap.LastDecision)
	assert.Equal(t, d.ID, snap.LastDecision.ID)
	assert.Len(t, rec.decisions, 1)

	_, err = m.Ingest("m-1", nominal(time.Second))
	require.NoError(t, err)
	snap, _ = m.Snapshot("m-1")
	assert.Equal(t, domain.SeverityNominal, snap.Status, "a nominal sample resolves the last decision")
}

func TestDecisionHistoryFollowsIngestOrder(t *testing.T) {
	m, _, _ := newManager(t, nil)
	for i := 0; i < 30; i++ {
		s := nominal(time.Duration(i) * time.Second)
		switch i % 3 {
		case 0:
			s.BatteryLevel = float64(5 + i)
		case 1:
			s.ThermalState = 90
		}
		_, err := m.Ingest("m-1", s)
		require.NoError(t, err)
	}
	decisions, err := m.Decisions("m-1")
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	for i := 1; i < len(decisions); i++ {
		assert.Equal(t, decisions[i-1].ID+1, decisions[i].ID)
		assert.False(t, decisions[i].Timestamp.Before(decisions[i-1].Timestamp))
	}
}

func TestConcurrentIngestIsSerializedPerMission(t *testing.T) {
	m, _, _ := newManager(t, nil)
	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s := nominal(0)
				s.BatteryLevel = 10
				_, err := m.Ingest("shared", s)
				assert.NoError(t, err)
				_, err = m.Ingest(fmt.Sprintf("own-%d", w), s)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	decisions, err := m.Decisions("shared")
	require.NoError(t, err)
	require.Len(t, decisions, workers*perWorker)
	for i, d := range decisions {
		assert.Equal(t, uint64(i+1), d.ID)
	}
	assert.Len(t, m.List(), workers+1)
}

func TestOutOfOrderSampleRejected(t *testing.T) {
	m, _, _ := newManager(t, nil)
	_, err := m.Ingest("m-1", nominal(time.Minute))
	require.NoError(t, err)

	_, err = m.Ingest("m-1", nominal(0))
	assert.True(t, errors.Is(err, ErrOutOfOrderSample))

	_, err = m.Ingest("m-1", nominal(time.Minute))
	assert.NoError(t, err, "equal timestamps are allowed")

	snap, _ := m.Snapshot("m-1")
	assert.Equal(t, 2, snap.TelemetryCount)
}

func TestInvalidSampleRejected(t *testing.T) {
	m, _, _ := newManager(t, nil)
	cases := map[string]func(*domain.TelemetrySample){
		domain.FieldBatteryLevel:  func(s *domain.TelemetrySample) { s.BatteryLevel = 101 },
		domain.FieldThermalState:  func(s *domain.TelemetrySample) { s.ThermalState = 400 },
		domain.FieldSignalLatency: func(s *domain.TelemetrySample) { s.SignalLatency = -1 },
		domain.FieldOrientation:   func(s *domain.TelemetrySample) { s.Orientation.Yaw = math.NaN() },
	}
	for field, mutate := range cases {
		s := nominal(0)
		mutate(&s)
		_, err := m.Ingest("m-1", s)
		require.Error(t, err, field)
		assert.True(t, errors.Is(err, ErrInvalidSample), field)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), field)
		assert.Equal(t, field, verr.Field)
	}
	_, err := m.Snapshot("m-1")
	assert.True(t, errors.Is(err, ErrMissionNotFound), "rejected samples never create a session")

	s := nominal(0)
	s.MissionID = "other"
	_, err = m.Ingest("m-1", s)
	assert.True(t, errors.Is(err, ErrInvalidSample))
}

func TestIngestNormalizesOrientationAndFillsTimestamp(t *testing.T) {
	m, _, _ := newManager(t, nil)
	s := nominal(0)
	s.Timestamp = time.Time{}
	s.Orientation = domain.Orientation{Roll: -5, Pitch: 365, Yaw: 720}
	_, err := m.Ingest("m-1", s)
	require.NoError(t, err)
	snap, _ := m.Snapshot("m-1")
	assert.Equal(t, domain.Orientation{Roll: 355, Pitch: 5, Yaw: 0}, snap.LatestTelemetry.Orientation)
	assert.Equal(t, t0, snap.LatestTelemetry.Timestamp)
}

func TestStopIsIdempotent(t *testing.T) {
	m, _, rec := newManager(t, nil)
	_, err := m.Ingest("m-1", nominal(0))
	require.NoError(t, err)
	sub, err := m.Subscribe("m-1")
	require.NoError(t, err)

	first, err := m.Stop("m-1")
	require.NoError(t, err)
	second, err := m.Stop("m-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.False(t, second.Active)
	assert.Equal(t, []string{domain.EventMissionStopped + ":m-1"}, rec.events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.EventSync, ev.Type)
	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.EventOverride, ev.Type)
	_, err = sub.Next(ctx)
	assert.True(t, errors.Is(err, stream.ErrClosed))

	_, err = m.Ingest("m-1", nominal(time.Second))
	assert.True(t, errors.Is(err, ErrMissionStopped))

	decisions, err := m.Decisions("m-1")
	require.NoError(t, err)
	assert.Empty(t, decisions)
	snap, _ := m.Snapshot("m-1")
	assert.Equal(t, 1, snap.TelemetryCount, "history survives stop")

	_, err = m.Stop("missing")
	assert.True(t, errors.Is(err, ErrMissionNotFound))
}

func TestStartReactivates(t *testing.T) {
	m, _, rec := newManager(t, nil)
	_, err := m.Ingest("m-1", nominal(0))
	require.NoError(t, err)
	_, err = m.Stop("m-1")
	require.NoError(t, err)
	snap, err := m.Start("m-1")
	require.NoError(t, err)
	assert.True(t, snap.Active)
	_, err = m.Start("m-1")
	require.NoError(t, err)
	assert.Equal(t, []string{domain.EventMissionStopped + ":m-1", domain.EventMissionStarted + ":m-1"}, rec.events)

	_, err = m.Ingest("m-1", nominal(time.Second))
	assert.NoError(t, err)
}

func TestSubscribeSyncCarriesLatestState(t *testing.T) {
	m, _, _ := newManager(t, nil)
	s := nominal(0)
	s.ThermalState = 95
	_, err := m.Ingest("m-1", s)
	require.NoError(t, err)
	_, err = m.Ingest("m-1", nominal(time.Second))
	require.NoError(t, err)

	sub, err := m.Subscribe("m-1")
	require.NoError(t, err)
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.EventSync, ev.Type)
	require.NotNil(t, ev.Telemetry)
	assert.Equal(t, float64(20), ev.Telemetry.ThermalState)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, domain.AnomalyThermalRunaway, ev.Decision.AnomalyType)

	hot := nominal(2 * time.Second)
	hot.BatteryLevel = 10
	_, err = m.Ingest("m-1", hot)
	require.NoError(t, err)
	ev, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.EventTelemetry, ev.Type)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, uint64(2), ev.Decision.ID)
	assert.Equal(t, domain.SeverityCritical, ev.Status)
}

func TestSubscribeCreatesSession(t *testing.T) {
	m, _, _ := newManager(t, nil)
	sub, err := m.Subscribe("fresh")
	require.NoError(t, err)
	defer sub.Close()
	snap, err := m.Snapshot("fresh")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Subscribers)
	assert.Nil(t, snap.LatestTelemetry)
}

func TestHistoryIsBounded(t *testing.T) {
	m, _, _ := newManager(t, func(c *config.Config) {
		c.Limits.TelemetryHistory = 3
		c.Limits.DecisionHistory = 2
	})
	for i := 0; i < 5; i++ {
		s := nominal(time.Duration(i) * time.Second)
		s.BatteryLevel = 10
		_, err := m.Ingest("m-1", s)
		require.NoError(t, err)
	}
	samples, err := m.Telemetry("m-1", 0)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, t0.Add(2*time.Second), samples[0].Timestamp)

	decisions, _ := m.Decisions("m-1")
	require.Len(t, decisions, 2)
	assert.Equal(t, uint64(4), decisions[0].ID)
	snap, _ := m.Snapshot("m-1")
	assert.Equal(t, uint64(5), snap.TotalDecisions)
}

func TestSessionCapacity(t *testing.T) {
	m, _, _ := newManager(t, func(c *config.Config) { c.Limits.MaxSessions = 1 })
	_, err := m.Ingest("a", nominal(0))
	require.NoError(t, err)
	_, err = m.Ingest("b", nominal(0))
	assert.True(t, errors.Is(err, ErrResourceExhausted))
	_, err = m.Ingest("a", nominal(time.Second))
	assert.NoError(t, err, "existing sessions keep working at capacity")
}

func TestReapExpiresIdleSessions(t *testing.T) {
	m, clock, rec := newManager(t, func(c *config.Config) { c.Limits.IdleTimeout = time.Minute })
	_, err := m.Ingest("idle", nominal(0))
	require.NoError(t, err)
	_, err = m.Ingest("watched", nominal(0))
	require.NoError(t, err)
	sub, err := m.Subscribe("watched")
	require.NoError(t, err)
	defer sub.Close()

	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"idle"}, m.Reap(clock.Now()))
	_, err = m.Snapshot("idle")
	assert.True(t, errors.Is(err, ErrMissionNotFound))
	_, err = m.Snapshot("watched")
	assert.NoError(t, err)
	assert.Contains(t, rec.events, domain.EventMissionExpired+":idle")

	_, err = m.Ingest("idle", nominal(0))
	assert.NoError(t, err, "a new sample recreates the session")
}

func TestOpenAppliesMissionConfig(t *testing.T) {
	m, _, _ := newManager(t, nil)
	snap, err := m.Open("m-1", MissionConfig{Name: "Sentinel", SatelliteType: domain.SatelliteGEO, AltitudeKm: 35786})
	require.NoError(t, err)
	assert.Equal(t, "Sentinel", snap.Mission.Name)
	assert.Equal(t, t0, snap.Mission.StartTime)

	snap, err = m.Open("m-1", MissionConfig{Name: "Renamed", SatelliteType: domain.SatelliteGEO, AltitudeKm: 35786})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", snap.Mission.Name)
	assert.Equal(t, t0, snap.Mission.StartTime, "start time survives reconfiguration")
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	assert.Nil(t, r.tail(2))
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.slice())
	assert.Equal(t, []int{4, 5}, r.tail(2))
	last, ok := r.last()
	assert.True(t, ok)
	assert.Equal(t, 5, last)
}

func TestRestoreContinuesDecisionIDs(t *testing.T) {
	cfg := config.Default()
	m := NewManager(Options{
		Limits:     cfg.Limits,
		Envelope:   cfg.Envelope,
		Classifier: classifier.New(cfg.Classifier),
		Restore: func(id string) Seed {
			return Seed{
				Config:         MissionConfig{Name: "Persisted", SatelliteType: domain.SatelliteMEO, AltitudeKm: 20200},
				LastDecisionID: 7,
				LastTimestamp:  t0.Add(time.Hour),
			}
		},
	})

	_, err := m.Ingest("m-1", nominal(0))
	assert.True(t, errors.Is(err, ErrOutOfOrderSample), "persisted samples still bound ordering")

	s := nominal(2 * time.Hour)
	s.BatteryLevel = 5
	d, err := m.Ingest("m-1", s)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), d.ID)
	snap, _ := m.Snapshot("m-1")
	assert.Equal(t, "Persisted", snap.Mission.Name)
}

func TestRestoreKeepsStoppedMission(t *testing.T) {
	cfg := config.Default()
	m := NewManager(Options{
		Limits:     cfg.Limits,
		Envelope:   cfg.Envelope,
		Classifier: classifier.New(cfg.Classifier),
		Restore: func(id string) Seed {
			return Seed{Config: MissionConfig{Name: id}, Stopped: true}
		},
	})

	_, err := m.Ingest("m-1", nominal(0))
	assert.ErrorIs(t, err, ErrMissionStopped)

	snap, err := m.Start("m-1")
	require.NoError(t, err)
	assert.True(t, snap.Active)
	_, err = m.Ingest("m-1", nominal(time.Second))
	require.NoError(t, err)
}
