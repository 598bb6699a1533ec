package app

import (
	"context"
	"testing"
	"time"

	"orbita/internal/domain"
	"orbita/internal/engine"
)

func TestRuntimePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	rt, err := Bootstrap(ctx, Options{Workspace: ws, LogMode: "dev"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if rt.DB == nil || !rt.Engine.Persistent() {
		t.Fatalf("expected persistence with the default config")
	}
	rt.Start(ctx)
	if _, err := rt.Engine.CreateMission(ctx, engine.MissionCreateOptions{ID: "m-1", Name: "Sentinel", ActorID: "tester"}); err != nil {
		t.Fatalf("create mission: %v", err)
	}
	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	res, err := rt.Engine.Ingest(ctx, "m-1", domain.TelemetrySample{Timestamp: ts, BatteryLevel: 12, ThermalState: 20, SignalLatency: 40, IsStable: true})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Decision == nil || res.Decision.AnomalyType != domain.AnomalyLowBattery {
		t.Fatalf("expected low battery decision, got %+v", res.Decision)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt, err = Bootstrap(ctx, Options{Workspace: ws, LogMode: "dev"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rt.Start(ctx)
	defer rt.Close()
	rep, err := rt.Engine.Report(ctx, "m-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.MissionName != "Sentinel" || rep.TotalAnomalies != 1 || rep.TelemetryCount != 1 {
		t.Fatalf("unexpected report after restart: %+v", rep)
	}
}

func TestEphemeralRuntimeSkipsDatabase(t *testing.T) {
	rt, err := Bootstrap(context.Background(), Options{Workspace: t.TempDir(), Ephemeral: true})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if rt.DB != nil || rt.Engine.Persistent() {
		t.Fatalf("ephemeral runtime opened a database")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close without start: %v", err)
	}
}
