package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const minimalConfig = `{
	"solax": {"ip_address": "192.168.1.50", "serial_number": "SXABCDEF"},
	"mqtt": {"broker": "mqtt.local", "username": "u", "password": "p"},
	"chargers": [
		{"name": "Garage", "priority": "primary", "min_current": 6, "max_current": 30,
		 "on_to_off_lockout": 60, "off_to_on_lockout": 240}
	]
}`

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)

	cfg, err := LoadConfig([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.System.SleepInterval)
	assert.Equal(t, 50000.0, cfg.System.MaxPowerThreshold)
	assert.Equal(t, 7000.0, cfg.System.BusMaximum)
	assert.Equal(t, 100.0, cfg.System.Buffer)
	assert.Equal(t, 230.0, cfg.System.NominalVoltage)
	assert.Equal(t, 5, cfg.System.PowerAvgWindow)
	assert.Equal(t, "11:00", cfg.TimeBasedBehavior.SwitchOnTime)
	assert.Equal(t, "18:00", cfg.TimeBasedBehavior.SwitchOffTime)
	assert.Equal(t, "00:10", cfg.TimeBasedBehavior.FixedChargeStart)
	assert.Equal(t, "06:00", cfg.TimeBasedBehavior.FixedChargeEnd)
	assert.Equal(t, 40, cfg.TimeBasedBehavior.FixedChargeCurrent)
	assert.Equal(t, 1440.0, cfg.TimeBasedBehavior.MinExcessThreshold)
	assert.Equal(t, 85.0, cfg.TimeBasedBehavior.BatterySOCThreshold)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"solax": {"ip_address": "192.168.1.50", "serial_number": "SXABCDEF"},
		"mqtt": {"broker": "mqtt.local"},
		"chargers": [{"name": "Garage", "priority": "primary", "min_current": 6, "max_current": 30}],
		"system": {"sleep_interval": 30}
	}`)

	cfg, err := LoadConfig([]string{
		"--config", path,
		"--sleep", "5",
		"--battery-soc-threshold", "90",
		"--broker", "other.local",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.System.SleepInterval)
	assert.Equal(t, 90.0, cfg.TimeBasedBehavior.BatterySOCThreshold)
	assert.Equal(t, "other.local", cfg.MQTT.Broker)
	// File values without flag overrides survive
	assert.Equal(t, "192.168.1.50", cfg.Solax.IPAddress)
}

func TestLoadConfig_PrimaryChargerFlagAddsCharger(t *testing.T) {
	path := writeConfigFile(t, `{
		"solax": {"ip_address": "192.168.1.50", "serial_number": "SXABCDEF"},
		"mqtt": {"broker": "mqtt.local"}
	}`)

	cfg, err := LoadConfig([]string{"--config", path, "--primary-charger", "Garage"})
	require.NoError(t, err)

	require.Len(t, cfg.Chargers, 1)
	assert.Equal(t, "Garage", cfg.Chargers[0].Name)
	assert.Equal(t, "primary", cfg.Chargers[0].Priority)
	assert.Equal(t, 6, cfg.Chargers[0].MinCurrent)
	assert.Equal(t, 30, cfg.Chargers[0].MaxCurrent)
}

func TestLoadConfig_PrimaryChargerFlagPromotesExisting(t *testing.T) {
	path := writeConfigFile(t, `{
		"solax": {"ip_address": "192.168.1.50", "serial_number": "SXABCDEF"},
		"mqtt": {"broker": "mqtt.local"},
		"chargers": [
			{"name": "Garage", "priority": "primary", "min_current": 6, "max_current": 30},
			{"name": "Carport", "priority": "secondary", "min_current": 6, "max_current": 16}
		]
	}`)

	cfg, err := LoadConfig([]string{"--config", path, "--primary-charger", "Carport"})
	require.NoError(t, err)

	byName := map[string]string{}
	for _, ch := range cfg.Chargers {
		byName[ch.Name] = ch.Priority
	}
	assert.Equal(t, "primary", byName["Carport"])
	assert.Equal(t, "secondary", byName["Garage"])
	require.NoError(t, cfg.Validate())
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		path := writeConfigFile(t, minimalConfig)
		cfg, err := LoadConfig([]string{"--config", path})
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing inverter address", func(c *Config) { c.Solax.IPAddress = "" }, "IP address"},
		{"missing broker", func(c *Config) { c.MQTT.Broker = "" }, "broker"},
		{"no chargers", func(c *Config) { c.Chargers = nil }, "at least one charger"},
		{"two primaries", func(c *Config) {
			c.Chargers = append(c.Chargers, ChargerSettings{
				Name: "Carport", Priority: "primary", MinCurrent: 6, MaxCurrent: 16,
			})
		}, "exactly one primary"},
		{"bad priority", func(c *Config) { c.Chargers[0].Priority = "tertiary" }, "priority"},
		{"inverted current limits", func(c *Config) { c.Chargers[0].MaxCurrent = 4 }, "current limits"},
		{"zero capacity", func(c *Config) { c.System.BatteryCapacity = 0 }, "battery capacity"},
		{"zero voltage", func(c *Config) { c.System.NominalVoltage = 0 }, "nominal voltage"},
		{"bad timezone", func(c *Config) { c.TimeBasedBehavior.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad clock", func(c *Config) { c.TimeBasedBehavior.SwitchOnTime = "25:00" }, "switch_on_time"},
		{"soc threshold out of range", func(c *Config) { c.TimeBasedBehavior.BatterySOCThreshold = 150 }, "SOC threshold"},
		{"fixed window swallows daytime", func(c *Config) {
			c.TimeBasedBehavior.FixedChargeStart = "10:00"
			c.TimeBasedBehavior.FixedChargeEnd = "19:00"
		}, "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestChargerSettings_Derivations(t *testing.T) {
	ch := ChargerSettings{
		Name: "Front Garage", Priority: "primary",
		MinCurrent: 6, MaxCurrent: 30,
		OnToOffLockout: 60, OffToOnLockout: 240,
	}

	assert.Equal(t, "front_garage", ch.ID())

	d := ch.Demand()
	assert.Equal(t, "front_garage", d.ID)
	assert.True(t, d.Primary)
	assert.Equal(t, 6, d.MinCurrent)
	assert.Equal(t, 30, d.MaxCurrent)

	l := ch.Lockouts()
	assert.Equal(t, 240.0, l.OffToOn.Seconds())
	assert.Equal(t, 60.0, l.OnToOff.Seconds())
}

func TestConfig_Policy(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	cfg, err := LoadConfig([]string{"--config", path})
	require.NoError(t, err)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "11:00", p.SwitchOn.String())
	assert.Equal(t, "18:00", p.SwitchOff.String())
	assert.True(t, p.DaytimeReachable())
}
