package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orbita/internal/classifier"
	"orbita/internal/config"
	"orbita/internal/domain"
	"orbita/internal/policy"
	"orbita/internal/session"
)

var start = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func leo() config.SatelliteProfile {
	return config.Default().Profile("LEO")
}

func TestGeneratorIsDeterministic(t *testing.T) {
	a := New(Options{MissionID: "m", Profile: leo(), Start: start, Seed: 7})
	b := New(Options{MissionID: "m", Profile: leo(), Start: start, Seed: 7})
	c := New(Options{MissionID: "m", Profile: leo(), Start: start, Seed: 8})
	var diverged bool
	for i := 0; i < 200; i++ {
		sa, sb, sc := a.Next(), b.Next(), c.Next()
		require.Equal(t, sa, sb)
		if sa != sc {
			diverged = true
		}
	}
	require.True(t, diverged, "different seeds should produce different streams")
}

func TestGeneratorStartsAtBaselineAndAdvances(t *testing.T) {
	profile := leo()
	g := New(Options{MissionID: "m", Profile: profile, Start: start, Step: 10 * time.Second, Seed: 1})
	first := g.Next()
	require.Equal(t, start, first.Timestamp)
	require.Equal(t, profile.Battery, first.BatteryLevel)
	require.Equal(t, profile.Latency, first.SignalLatency)
	require.True(t, first.IsStable)

	prev := first
	for i := 1; i < 50; i++ {
		s := g.Next()
		require.Equal(t, start.Add(time.Duration(i)*10*time.Second), s.Timestamp)
		require.True(t, s.Timestamp.After(prev.Timestamp))
		prev = s
	}
}

func TestGeneratorStaysInsideEnvelope(t *testing.T) {
	env := config.Default().Envelope
	for _, satType := range []string{"LEO", "MEO", "GEO"} {
		g := New(Options{MissionID: "m", Profile: config.Default().Profile(satType), Start: start, Seed: 42, AnomalyRate: 0.3})
		for i := 0; i < 2000; i++ {
			require.NoError(t, session.Validate(g.Next(), env), "%s sample %d", satType, i)
		}
	}
}

func TestGeneratorInjectsAnomaliesAtRate(t *testing.T) {
	g := New(Options{MissionID: "m", Profile: leo(), Start: start, Seed: 3})
	const n = 4000
	unstable := 0
	for i := 0; i < n; i++ {
		if !g.Next().IsStable {
			unstable++
		}
	}
	total := 0
	for _, v := range g.Injected() {
		total += v
	}
	rate := float64(total) / n
	require.InDelta(t, defaultAnomalyRate, rate, 0.02)
	require.Equal(t, g.Injected()[KindOrientation], unstable)
}

func TestDriveStopsOnSinkError(t *testing.T) {
	g := New(Options{MissionID: "m", Profile: leo(), Start: start, Seed: 1})
	boom := errors.New("boom")
	var got []domain.TelemetrySample
	err := Drive(context.Background(), g, 10, 0, func(ctx context.Context, s domain.TelemetrySample) error {
		got = append(got, s)
		if len(got) == 3 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, got, 3)
}

func TestDriveHonoursContext(t *testing.T) {
	g := New(Options{MissionID: "m", Profile: leo(), Start: start, Seed: 1})
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Drive(ctx, g, 100, time.Millisecond, func(ctx context.Context, s domain.TelemetrySample) error {
		count++
		if count == 2 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, count)
}

func TestApplyRestoresFaultedState(t *testing.T) {
	profile := leo()
	cases := map[domain.AnomalyType]struct {
		fault func(*domain.TelemetrySample)
		check func(*testing.T, domain.TelemetrySample)
	}{
		domain.AnomalyLowBattery: {
			fault: func(s *domain.TelemetrySample) { s.BatteryLevel = 8 },
			check: func(t *testing.T, s domain.TelemetrySample) { require.InDelta(t, restoredBattery, s.BatteryLevel, 0.6) },
		},
		domain.AnomalyThermalRunaway: {
			fault: func(s *domain.TelemetrySample) { s.ThermalState = 95 },
			check: func(t *testing.T, s domain.TelemetrySample) { require.InDelta(t, restoredThermal, s.ThermalState, 1.5) },
		},
		domain.AnomalyInstability: {
			fault: func(s *domain.TelemetrySample) {
				s.IsStable = false
				s.Orientation.Roll = 25
				s.Orientation.Pitch = -18
			},
			check: func(t *testing.T, s domain.TelemetrySample) {
				require.True(t, s.IsStable)
				require.Less(t, domain.Deviation(s.Orientation.Roll), 0.2)
				require.Less(t, domain.Deviation(s.Orientation.Pitch), 0.2)
			},
		},
		domain.AnomalyCommDegradation: {
			fault: func(s *domain.TelemetrySample) { s.SignalLatency = 4000 },
			check: func(t *testing.T, s domain.TelemetrySample) { require.InDelta(t, profile.Latency, s.SignalLatency, 5) },
		},
	}
	for anomaly, tc := range cases {
		t.Run(string(anomaly), func(t *testing.T) {
			g := New(Options{MissionID: "m", Profile: profile, Start: start, Seed: 5, AnomalyRate: -1})
			g.Next()
			tc.fault(&g.current)
			require.True(t, g.Apply(domain.Decision{AnomalyType: anomaly}))
			tc.check(t, g.Next())
			require.Equal(t, 1, g.Applied()[anomaly])
		})
	}

	g := New(Options{MissionID: "m", Profile: profile, Start: start, Seed: 5})
	require.False(t, g.Apply(domain.Decision{AnomalyType: domain.AnomalyNominal}))
	require.Empty(t, g.Applied())
}

// closedLoop runs the generator against the local decision pipeline and
// returns every sample it produced.
func closedLoop(t *testing.T, seed uint64, apply bool) ([]domain.TelemetrySample, *Generator) {
	t.Helper()
	cfg := config.Default()
	cls := classifier.New(cfg.Classifier)
	pol := policy.New(cfg.Policy)
	g := New(Options{MissionID: "m", Profile: cfg.Profile("LEO"), Start: start, Seed: seed, AnomalyRate: 0.2})
	var out []domain.TelemetrySample
	for i := 0; i < 600; i++ {
		s := g.Next()
		out = append(out, s)
		c := cls.Classify(s, nil)
		if apply && !c.Nominal() {
			g.Apply(pol.Decide(c, s, nil))
		}
	}
	return out, g
}

func TestClosedLoopRecoversAndStaysDeterministic(t *testing.T) {
	critical := config.Default().Classifier.BatteryCritical
	lowCount := func(samples []domain.TelemetrySample) int {
		n := 0
		for _, s := range samples {
			if s.BatteryLevel < critical {
				n++
			}
		}
		return n
	}

	open, _ := closedLoop(t, 11, false)
	closed, g := closedLoop(t, 11, true)
	again, _ := closedLoop(t, 11, true)

	require.Equal(t, closed, again)
	require.NotEmpty(t, g.Applied())
	require.Greater(t, g.Applied()[domain.AnomalyLowBattery], 0)
	require.Less(t, lowCount(closed), lowCount(open)/2)
}
