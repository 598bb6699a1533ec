package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models orbita.yml.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Limits      LimitsConfig                `yaml:"limits"`
	Envelope    EnvelopeConfig              `yaml:"envelope"`
	Classifier  ClassifierConfig            `yaml:"classifier"`
	Policy      PolicyConfig                `yaml:"policy"`
	Forecast    ForecastConfig              `yaml:"forecast"`
	Persistence PersistenceConfig           `yaml:"persistence"`
	Satellites  map[string]SatelliteProfile `yaml:"satellites"`
	Auth        AuthConfig                  `yaml:"auth"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type LimitsConfig struct {
	MaxSessions      int           `yaml:"max_sessions"`
	TelemetryHistory int           `yaml:"telemetry_history"`
	DecisionHistory  int           `yaml:"decision_history"`
	SubscriberQueue  int           `yaml:"subscriber_queue"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
}

// EnvelopeConfig bounds the physically plausible telemetry range.
type EnvelopeConfig struct {
	ThermalMin float64 `yaml:"thermal_min"`
	ThermalMax float64 `yaml:"thermal_max"`
	LatencyMax float64 `yaml:"latency_max"`
}

type ClassifierConfig struct {
	BatteryCritical      float64 `yaml:"battery_critical"`
	BatteryWarning       float64 `yaml:"battery_warning"`
	ThermalWarning       float64 `yaml:"thermal_warning"`
	ThermalCritical      float64 `yaml:"thermal_critical"`
	ThermalSaturation    float64 `yaml:"thermal_saturation"`
	AttitudeDeviation    float64 `yaml:"attitude_deviation"`
	LatencyCritical      float64 `yaml:"latency_critical"`
	LatencySaturation    float64 `yaml:"latency_saturation"`
	SustainedInstability int     `yaml:"sustained_instability"`
}

// PolicyConfig overrides entries of the built-in decision table, keyed by anomaly type.
type PolicyConfig struct {
	Actions map[string]PolicyAction `yaml:"actions"`
}

type PolicyAction struct {
	Action       string              `yaml:"action"`
	RootCause    string              `yaml:"root_cause"`
	Alternatives []PolicyAlternative `yaml:"alternatives"`
}

type PolicyAlternative struct {
	Action string `yaml:"action"`
	Risk   string `yaml:"risk"`
}

type ForecastConfig struct {
	StepMinutes         int     `yaml:"step_minutes"`
	HorizonHours        int     `yaml:"horizon_hours"`
	MaxHorizonHours     int     `yaml:"max_horizon_hours"`
	ChargePerHour       float64 `yaml:"charge_per_hour"`
	DischargePerHour    float64 `yaml:"discharge_per_hour"`
	SurvivalThreshold   float64 `yaml:"survival_threshold"`
	DefaultBatteryLevel float64 `yaml:"default_battery_level"`
}

// Queue-full policies for telemetry and decision records. Lifecycle events
// are never dropped.
const (
	QueueFullDrop       = "drop"
	QueueFullDropOldest = "drop_oldest"
)

type PersistenceConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	QueueSize   int    `yaml:"queue_size"`
	OnQueueFull string `yaml:"on_queue_full"`
}

// SatelliteProfile holds nominal values for a satellite class.
type SatelliteProfile struct {
	Battery    float64 `yaml:"battery"`
	Thermal    float64 `yaml:"thermal"`
	Latency    float64 `yaml:"latency"`
	AltitudeKm float64 `yaml:"altitude_km"`
}

type AuthConfig struct {
	RequireAuth bool `yaml:"require_auth"`
}

// PersistenceEnabled reports whether telemetry and decisions are written to sqlite.
func (c *Config) PersistenceEnabled() bool {
	return c.Persistence.Enabled == nil || *c.Persistence.Enabled
}

// Profile returns the satellite profile for a type, falling back to LEO.
func (c *Config) Profile(satelliteType string) SatelliteProfile {
	if p, ok := c.Satellites[satelliteType]; ok {
		return p
	}
	return c.Satellites["LEO"]
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with orbita config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orbita.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. The document is
// decoded over Default(), so omitted keys keep their defaults and explicit
// zeros are kept as written.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// applyDefaults fills what the template cannot: an empty queue policy and
// the LEO profile every unknown satellite type falls back to.
func (c *Config) applyDefaults() {
	if c.Persistence.OnQueueFull == "" {
		c.Persistence.OnQueueFull = QueueFullDrop
	}
	if c.Satellites == nil {
		c.Satellites = map[string]SatelliteProfile{}
	}
	if _, ok := c.Satellites["LEO"]; !ok {
		c.Satellites["LEO"] = SatelliteProfile{Battery: 90, Thermal: 20, Latency: 50, AltitudeKm: 550}
	}
}

// Validate ensures the config is internally consistent.
func (c *Config) Validate() error {
	l := c.Limits
	if l.MaxSessions < 1 {
		return fmt.Errorf("limits.max_sessions must be positive")
	}
	if l.TelemetryHistory < 1 || l.DecisionHistory < 1 {
		return fmt.Errorf("limits.telemetry_history and limits.decision_history must be positive")
	}
	if l.SubscriberQueue < 2 {
		return fmt.Errorf("limits.subscriber_queue must be at least 2")
	}
	if c.Envelope.ThermalMin >= c.Envelope.ThermalMax {
		return fmt.Errorf("envelope.thermal_min must be below envelope.thermal_max")
	}
	cl := c.Classifier
	if cl.BatteryCritical >= cl.BatteryWarning {
		return fmt.Errorf("classifier.battery_critical must be below classifier.battery_warning")
	}
	if cl.ThermalWarning >= cl.ThermalCritical {
		return fmt.Errorf("classifier.thermal_warning must be below classifier.thermal_critical")
	}
	if cl.ThermalSaturation <= cl.ThermalCritical {
		return fmt.Errorf("classifier.thermal_saturation must exceed classifier.thermal_critical")
	}
	if cl.LatencySaturation <= cl.LatencyCritical {
		return fmt.Errorf("classifier.latency_saturation must exceed classifier.latency_critical")
	}
	if cl.SustainedInstability < 1 {
		return fmt.Errorf("classifier.sustained_instability must be positive")
	}
	if cl.AttitudeDeviation < 0 || cl.AttitudeDeviation > 180 {
		return fmt.Errorf("classifier.attitude_deviation must be within [0,180]")
	}
	f := c.Forecast
	if f.StepMinutes < 1 || f.HorizonHours < 1 || f.MaxHorizonHours < f.HorizonHours {
		return fmt.Errorf("forecast step and horizon must be positive and horizon_hours <= max_horizon_hours")
	}
	if f.ChargePerHour < 0 || f.DischargePerHour < 0 {
		return fmt.Errorf("forecast rates must not be negative")
	}
	if c.Persistence.QueueSize < 1 {
		return fmt.Errorf("persistence.queue_size must be positive")
	}
	switch c.Persistence.OnQueueFull {
	case QueueFullDrop, QueueFullDropOldest:
	default:
		return fmt.Errorf("persistence.on_queue_full must be %q or %q", QueueFullDrop, QueueFullDropOldest)
	}
	if c.Envelope.LatencyMax <= 0 {
		return fmt.Errorf("envelope.latency_max must be positive")
	}
	for name, action := range c.Policy.Actions {
		if name == "" {
			return fmt.Errorf("policy.actions contains empty anomaly type")
		}
		if action.Action == "" {
			return fmt.Errorf("policy action for %s is empty", name)
		}
		for _, alt := range action.Alternatives {
			switch alt.Risk {
			case "Low", "Medium", "High":
			default:
				return fmt.Errorf("policy alternative %s for %s has invalid risk %q", alt.Action, name, alt.Risk)
			}
		}
	}
	for name, p := range c.Satellites {
		if p.AltitudeKm <= 0 {
			return fmt.Errorf("satellite profile %s needs a positive altitude_km", name)
		}
	}
	return nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8000
  base_path: ""

limits:
  max_sessions: 1024
  telemetry_history: 500
  decision_history: 200
  subscriber_queue: 64
  idle_timeout: 30m
  reap_interval: 1m

envelope:
  thermal_min: -50
  thermal_max: 150
  latency_max: 60000

classifier:
  battery_critical: 20
  battery_warning: 40
  thermal_warning: 45
  thermal_critical: 80
  thermal_saturation: 120
  attitude_deviation: 10
  latency_critical: 400
  latency_saturation: 2000
  sustained_instability: 3

forecast:
  step_minutes: 15
  horizon_hours: 24
  max_horizon_hours: 168
  charge_per_hour: 10
  discharge_per_hour: 4
  survival_threshold: 10
  default_battery_level: 85

persistence:
  enabled: true
  queue_size: 4096
  on_queue_full: drop

satellites:
  LEO:
    battery: 90
    thermal: 20
    latency: 50
    altitude_km: 550
  MEO:
    battery: 85
    thermal: 10
    latency: 150
    altitude_km: 20200
  GEO:
    battery: 95
    thermal: -50
    latency: 250
    altitude_km: 35786

auth:
  require_auth: false
`
