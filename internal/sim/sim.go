// Package sim generates synthetic telemetry for demos and load tests. Nothing
// in the decision path depends on it.
package sim

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"orbita/internal/config"
	"orbita/internal/domain"
)

const (
	defaultStep        = 2 * time.Second
	defaultAnomalyRate = 0.05
)

// Kind names an injected fault.
type Kind string

const (
	KindThermal     Kind = "thermal"
	KindPower       Kind = "power"
	KindOrientation Kind = "orientation"
)

var kinds = []Kind{KindThermal, KindPower, KindOrientation}

type Options struct {
	MissionID string
	Profile   config.SatelliteProfile
	Start     time.Time
	// Step is the simulated time between samples.
	Step time.Duration
	Seed uint64
	// AnomalyRate is the per-sample fault probability. Zero selects 5%; a
	// negative rate disables injection.
	AnomalyRate float64
}

// Generator produces a drifting telemetry stream. The same options always
// produce the same stream.
type Generator struct {
	opts     Options
	rng      *rand.Rand
	current  domain.TelemetrySample
	started  bool
	elapsed  time.Duration
	injected map[Kind]int
	applied  map[domain.AnomalyType]int
}

func New(opts Options) *Generator {
	if opts.Step <= 0 {
		opts.Step = defaultStep
	}
	if opts.AnomalyRate == 0 {
		opts.AnomalyRate = defaultAnomalyRate
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC()
	}
	return &Generator{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		current: domain.TelemetrySample{
			MissionID:     opts.MissionID,
			Timestamp:     opts.Start,
			BatteryLevel:  clamp(opts.Profile.Battery, 0, 100),
			ThermalState:  opts.Profile.Thermal,
			SignalLatency: opts.Profile.Latency,
			IsStable:      true,
		},
		injected: map[Kind]int{},
		applied:  map[domain.AnomalyType]int{},
	}
}

// Next returns the next sample. The first call returns the profile baseline.
func (g *Generator) Next() domain.TelemetrySample {
	if !g.started {
		g.started = true
		g.elapsed = g.opts.Step
		return g.current
	}
	prev := g.current
	next := prev
	next.Timestamp = g.opts.Start.Add(g.elapsed)
	g.elapsed += g.opts.Step

	// Gentle drain with noise, a slow thermal cycle and latency jitter.
	cycle := math.Sin(float64(next.Timestamp.Unix())/300) * 2
	next.BatteryLevel = prev.BatteryLevel + g.uniform(-0.5, 0.1)
	next.ThermalState = prev.ThermalState + g.uniform(-1, 1) + cycle*0.1
	next.SignalLatency = math.Max(10, prev.SignalLatency+g.uniform(-5, 5))
	next.Orientation = domain.Orientation{
		Roll:  prev.Orientation.Roll + g.uniform(-0.1, 0.1),
		Pitch: prev.Orientation.Pitch + g.uniform(-0.1, 0.1),
		Yaw:   prev.Orientation.Yaw + g.uniform(-0.1, 0.1),
	}
	next.IsStable = true

	if g.rng.Float64() < g.opts.AnomalyRate {
		kind := kinds[g.rng.IntN(len(kinds))]
		g.injected[kind]++
		switch kind {
		case KindThermal:
			next.ThermalState += g.uniform(20, 40)
		case KindPower:
			next.BatteryLevel -= g.uniform(5, 10)
		case KindOrientation:
			next.Orientation.Roll += g.uniform(15, 30)
			next.IsStable = false
		}
	}

	next.BatteryLevel = clamp(next.BatteryLevel, 0, 100)
	next.ThermalState = clamp(next.ThermalState, -50, 150)
	next.Orientation = next.Orientation.Normalize()
	g.current = next
	return next
}

// Restored levels after a corrective action.
const (
	restoredBattery = 80.0
	restoredThermal = 20.0
)

// Apply plays a decision's corrective action back into the simulated craft,
// so the stream after a fault recovers the way a commanded satellite would.
// The correction keys on the anomaly the action answers and draws nothing
// from the generator's random source, so a seeded run stays reproducible.
// It reports whether the decision changed the state.
func (g *Generator) Apply(d domain.Decision) bool {
	cur := &g.current
	switch d.AnomalyType {
	case domain.AnomalyLowBattery:
		cur.BatteryLevel = math.Max(cur.BatteryLevel, restoredBattery)
	case domain.AnomalyThermalRunaway, domain.AnomalyThermalWarning:
		cur.ThermalState = restoredThermal
	case domain.AnomalyInstability:
		cur.IsStable = true
		cur.Orientation.Roll = 0
		cur.Orientation.Pitch = 0
	case domain.AnomalyCommDegradation:
		cur.SignalLatency = g.opts.Profile.Latency
	default:
		return false
	}
	g.applied[d.AnomalyType]++
	return true
}

// Applied returns how many corrective actions of each anomaly type were
// played back so far.
func (g *Generator) Applied() map[domain.AnomalyType]int {
	out := make(map[domain.AnomalyType]int, len(g.applied))
	for k, v := range g.applied {
		out[k] = v
	}
	return out
}

// Injected returns how many faults of each kind were injected so far.
func (g *Generator) Injected() map[Kind]int {
	out := make(map[Kind]int, len(g.injected))
	for k, v := range g.injected {
		out[k] = v
	}
	return out
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

// Sink receives generated samples.
type Sink func(ctx context.Context, sample domain.TelemetrySample) error

// Drive feeds count samples into sink, pausing interval between them. A zero
// interval sends as fast as sink accepts. It stops at the first sink error.
func Drive(ctx context.Context, g *Generator, count int, interval time.Duration, sink Sink) error {
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink(ctx, g.Next()); err != nil {
			return err
		}
		if ticker != nil && i < count-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
