package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"orbita/internal/config"
	"orbita/internal/domain"
)

const (
	earthRadiusKm = 6371.0
	// Standard gravitational parameter of Earth, km^3/s^2.
	earthMu = 398600.4418

	PhaseSunlight = "Sunlight"
	PhaseEclipse  = "Eclipse"
)

var ErrInvalidHorizon = errors.New("invalid forecast horizon")

// Input is everything a projection depends on. Origin is the simulated
// instant of the first point; Elapsed is mission time at Origin and fixes the
// orbit phase. Nothing reads the system clock.
type Input struct {
	MissionID    string
	BatteryLevel float64
	AltitudeKm   float64
	Origin       time.Time
	Elapsed      time.Duration
}

type Forecaster struct {
	cfg config.ForecastConfig
}

func New(cfg config.ForecastConfig) *Forecaster {
	return &Forecaster{cfg: cfg}
}

// EclipseFraction is the share of a circular orbit spent in Earth's
// cylindrical shadow, assuming the sun lies in the orbital plane.
func EclipseFraction(altitudeKm float64) float64 {
	r := earthRadiusKm + altitudeKm
	return math.Asin(earthRadiusKm/r) / math.Pi
}

// OrbitalPeriod returns the period of a circular orbit at the given altitude.
func OrbitalPeriod(altitudeKm float64) time.Duration {
	r := earthRadiusKm + altitudeKm
	sec := 2 * math.Pi * math.Sqrt(r*r*r/earthMu)
	return time.Duration(sec * float64(time.Second))
}

// Project computes the battery trajectory over horizonHours. horizonHours of 0
// selects the configured default. The first point is the current level.
func (f *Forecaster) Project(in Input, horizonHours int) (domain.ForecastSeries, error) {
	if horizonHours == 0 {
		horizonHours = f.cfg.HorizonHours
	}
	if horizonHours < 1 || horizonHours > f.cfg.MaxHorizonHours {
		return domain.ForecastSeries{}, fmt.Errorf("%w: %d hours (allowed 1..%d)", ErrInvalidHorizon, horizonHours, f.cfg.MaxHorizonHours)
	}
	if in.AltitudeKm <= 0 {
		return domain.ForecastSeries{}, fmt.Errorf("altitude must be positive, got %v", in.AltitudeKm)
	}

	periodMin := OrbitalPeriod(in.AltitudeKm).Minutes()
	ef := EclipseFraction(in.AltitudeKm)
	step := float64(f.cfg.StepMinutes)
	steps := horizonHours * 60 / f.cfg.StepMinutes
	start := in.Elapsed.Minutes()

	o := orbit{periodMin: periodMin, eclipseFraction: ef}
	level := clamp(in.BatteryLevel)
	out := domain.ForecastSeries{
		MissionID:            in.MissionID,
		Timestamps:           make([]time.Time, 0, steps+1),
		BatteryLevels:        make([]float64, 0, steps+1),
		Phases:               make([]string, 0, steps+1),
		EclipseFraction:      round(ef, 4),
		OrbitalPeriodMinutes: round(periodMin, 2),
	}
	out.Timestamps = append(out.Timestamps, in.Origin.UTC())
	out.BatteryLevels = append(out.BatteryLevels, round(level, 2))
	out.Phases = append(out.Phases, o.phase(start))
	minLevel := level

	for i := 1; i <= steps; i++ {
		a := start + float64(i-1)*step
		b := a + step
		dark := o.eclipseMinutes(b) - o.eclipseMinutes(a)
		lit := step - dark
		level = clamp(level + lit/60*f.cfg.ChargePerHour - dark/60*f.cfg.DischargePerHour)
		minLevel = math.Min(minLevel, level)

		out.Timestamps = append(out.Timestamps, in.Origin.Add(time.Duration(float64(i)*step*float64(time.Minute))).UTC())
		out.BatteryLevels = append(out.BatteryLevels, round(level, 2))
		out.Phases = append(out.Phases, o.phase((a+b)/2))
	}

	out.MinBattery = round(minLevel, 2)
	if minLevel > f.cfg.SurvivalThreshold {
		out.SurvivalProbability = 1
	}
	return out, nil
}

// orbit places the eclipse arc at the end of every revolution.
type orbit struct {
	periodMin       float64
	eclipseFraction float64
}

func (o orbit) sunlitMinutes() float64 {
	return o.periodMin * (1 - o.eclipseFraction)
}

// eclipseMinutes is the cumulative time in shadow from mission start to t.
func (o orbit) eclipseMinutes(t float64) float64 {
	revs := math.Floor(t / o.periodMin)
	within := t - revs*o.periodMin
	return revs*o.eclipseFraction*o.periodMin + math.Max(0, within-o.sunlitMinutes())
}

func (o orbit) phase(t float64) string {
	within := math.Mod(t, o.periodMin)
	if within >= o.sunlitMinutes() {
		return PhaseEclipse
	}
	return PhaseSunlight
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
