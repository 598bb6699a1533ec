package recorder_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbita/internal/config"
	"orbita/internal/db"
	"orbita/internal/domain"
	"orbita/internal/events"
	"orbita/internal/migrate"
	"orbita/internal/observability"
	"orbita/internal/recorder"
	"orbita/internal/repo"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return conn
}

func sample(i int) domain.TelemetrySample {
	return domain.TelemetrySample{
		MissionID:     "m1",
		Timestamp:     t0.Add(time.Duration(i) * time.Second),
		BatteryLevel:  float64(90 - i),
		ThermalState:  20,
		SignalLatency: 50,
		IsStable:      true,
	}
}

func TestRecorderWritesInOrder(t *testing.T) {
	conn := openDB(t)
	r := repo.Repo{DB: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := recorder.New(r, events.Writer{DB: conn}, config.PersistenceConfig{QueueSize: 16, OnQueueFull: config.QueueFullDrop}, nil, nil)
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.NoError(t, r.InsertMission(ctx, nil, domain.Mission{ID: "m1", Name: "m1", SatelliteType: domain.SatelliteLEO, AltitudeKm: 550, Active: true, StartTime: t0, CreatedAt: t0}))

	for i := 0; i < 40; i++ {
		rec.RecordTelemetry(sample(i))
	}
	rec.RecordDecision(domain.Decision{ID: 1, MissionID: "m1", Timestamp: t0, AnomalyType: domain.AnomalyLowBattery, Severity: domain.SeverityCritical, SelectedAction: "ENTER_POWER_SAVING_MODE", Confidence: 0.9})
	rec.RecordEvent(domain.EventMissionStopped, "m1", map[string]any{"status": "critical"})
	require.NoError(t, rec.Flush(ctx))

	got, err := r.ListTelemetry(ctx, "m1", 0)
	require.NoError(t, err)
	require.Len(t, got, 40)
	for i, s := range got {
		assert.True(t, s.Timestamp.Equal(sample(i).Timestamp), "sample %d out of order", i)
	}

	decisions, err := r.ListDecisions(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "ENTER_POWER_SAVING_MODE", decisions[0].SelectedAction)

	m, err := r.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, m.Active)
	assert.Equal(t, domain.SeverityCritical, m.Status)

	evts, err := r.ListEvents(ctx, 10, "m1", domain.EventMissionStopped)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "critical", evts[0].Payload["status"])

	cancel()
	require.NoError(t, <-done)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	conn := openDB(t)
	metrics := observability.New()
	rec := recorder.New(repo.Repo{DB: conn}, events.Writer{DB: conn}, config.PersistenceConfig{QueueSize: 3, OnQueueFull: config.QueueFullDrop}, metrics, nil)

	// No worker is running, so the queue only fills.
	for i := 0; i < 5; i++ {
		rec.RecordTelemetry(sample(i))
	}
	assert.Equal(t, 3, rec.Len())
	expected := `
# HELP orbita_recorder_dropped_total Records lost because the persistence queue was full.
# TYPE orbita_recorder_dropped_total counter
orbita_recorder_dropped_total 2
`
	require.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "orbita_recorder_dropped_total"))
}

func TestRecorderDropOldestKeepsNewest(t *testing.T) {
	conn := openDB(t)
	r := repo.Repo{DB: conn}
	rec := recorder.New(r, events.Writer{DB: conn}, config.PersistenceConfig{QueueSize: 3, OnQueueFull: config.QueueFullDropOldest}, nil, nil)
	for i := 0; i < 6; i++ {
		rec.RecordTelemetry(sample(i))
	}
	assert.Equal(t, 3, rec.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.Run(ctx))
	got, err := r.ListTelemetry(context.Background(), "m1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, s := range got {
		assert.True(t, s.Timestamp.Equal(sample(i+3).Timestamp), "kept sample %d", i)
	}
}

func TestRecorderNeverWaitsOnFullQueue(t *testing.T) {
	conn := openDB(t)
	rec := recorder.New(repo.Repo{DB: conn}, events.Writer{DB: conn}, config.PersistenceConfig{QueueSize: 2, OnQueueFull: config.QueueFullDrop}, nil, nil)

	// No worker runs, so the writer is stalled for the whole test.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			rec.RecordTelemetry(sample(i))
			rec.RecordDecision(domain.Decision{ID: uint64(i + 1), MissionID: "m1", Timestamp: t0})
		}
		rec.RecordEvent(domain.EventMissionStopped, "m1", map[string]any{"status": "critical"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue waited on a stalled writer")
	}
	// Two data records plus the lifecycle event, which is never dropped.
	assert.Equal(t, 3, rec.Len())
}

func TestRecorderDrainsOnShutdown(t *testing.T) {
	conn := openDB(t)
	rec := recorder.New(repo.Repo{DB: conn}, events.Writer{DB: conn}, config.PersistenceConfig{QueueSize: 64, OnQueueFull: config.QueueFullDrop}, nil, nil)
	for i := 0; i < 10; i++ {
		rec.RecordTelemetry(sample(i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.Run(ctx))

	n, err := repo.Repo{DB: conn}.CountTelemetry(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, rec.Flush(context.Background()), recorder.ErrClosed)
}
