package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Limits.IdleTimeout)
	assert.Equal(t, 20.0, cfg.Classifier.BatteryCritical)
	assert.Equal(t, 168, cfg.Forecast.MaxHorizonHours)
	assert.True(t, cfg.PersistenceEnabled())
	assert.Equal(t, 20200.0, cfg.Profile("MEO").AltitudeKm)
}

func TestPartialConfigTakesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("classifier:\n  thermal_critical: 90\npersistence:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.Equal(t, 90.0, cfg.Classifier.ThermalCritical)
	assert.Equal(t, 45.0, cfg.Classifier.ThermalWarning)
	assert.Equal(t, 60_000.0, cfg.Envelope.LatencyMax)
	assert.False(t, cfg.PersistenceEnabled())
	assert.Equal(t, QueueFullDrop, cfg.Persistence.OnQueueFull)
}

func TestExplicitZeroIsKept(t *testing.T) {
	cfg, err := FromYAML([]byte("classifier:\n  battery_critical: 0\nenvelope:\n  thermal_min: 0\n  thermal_max: 100\nforecast:\n  discharge_per_hour: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Classifier.BatteryCritical)
	assert.Equal(t, 40.0, cfg.Classifier.BatteryWarning)
	assert.Equal(t, 0.0, cfg.Envelope.ThermalMin)
	assert.Equal(t, 100.0, cfg.Envelope.ThermalMax)
	assert.Equal(t, 0.0, cfg.Forecast.DischargePerHour)

	_, err = FromYAML([]byte("envelope:\n  thermal_min: 0\n  thermal_max: 0\n"))
	require.ErrorContains(t, err, "thermal_min")
}

func TestPartialProfileKeepsOtherTypes(t *testing.T) {
	cfg, err := FromYAML([]byte("satellites:\n  GEO:\n    battery: 70\n    altitude_km: 35786\n"))
	require.NoError(t, err)
	assert.Equal(t, 70.0, cfg.Profile("GEO").Battery)
	assert.Equal(t, 20200.0, cfg.Profile("MEO").AltitudeKm)
}

func TestProfileFallsBackToLEO(t *testing.T) {
	cfg, err := FromYAML([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Profile("LEO"), cfg.Profile("HEO"))
	assert.Equal(t, 550.0, cfg.Profile("unknown").AltitudeKm)
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	cases := map[string]string{
		"battery order":   "classifier:\n  battery_critical: 50\n  battery_warning: 40\n",
		"thermal order":   "classifier:\n  thermal_warning: 90\n",
		"queue policy":    "persistence:\n  on_queue_full: block\n",
		"queue size":      "persistence:\n  queue_size: 0\n",
		"horizon":         "forecast:\n  horizon_hours: 200\n",
		"subscriber":      "limits:\n  subscriber_queue: 1\n",
		"envelope":        "envelope:\n  thermal_min: 10\n  thermal_max: 5\n",
		"policy risk":     "policy:\n  actions:\n    POWER_CRITICAL:\n      action: shed\n      alternatives:\n        - action: wait\n          risk: Extreme\n",
		"profile":         "satellites:\n  GEO:\n    battery: 95\n    altitude_km: -1\n",
		"malformed yaml":  "classifier: [",
		"attitude bounds": "classifier:\n  attitude_deviation: 200\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.ErrorContains(t, err, "orbita config init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "orbita.yml"), []byte("server:\n  base_path: /api\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, filepath.Join(dir, "orbita.yml"), Path(dir))
}
