package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gridsmith/chargectl/governor"
)

// SolaxSettings identifies the inverter's local API endpoint.
type SolaxSettings struct {
	IPAddress    string `json:"ip_address"`
	SerialNumber string `json:"serial_number"` // doubles as the API password
}

// MQTTSettings holds broker connection details. Username and password fall
// back to the MQTT_USERNAME / MQTT_PASSWORD environment variables.
type MQTTSettings struct {
	Broker   string `json:"broker"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChargerSettings is the immutable per-charger configuration.
type ChargerSettings struct {
	Name              string `json:"name"`
	Priority          string `json:"priority"` // "primary" or "secondary"
	MinCurrent        int    `json:"min_current"`
	MaxCurrent        int    `json:"max_current"`
	OnToOffLockout    int    `json:"on_to_off_lockout"`   // seconds
	OffToOnLockout    int    `json:"off_to_on_lockout"`   // seconds
	MinChangeInterval int    `json:"min_change_interval"` // seconds, 0 = unlimited
}

// SystemSettings holds process-wide tunables.
type SystemSettings struct {
	SleepInterval     int     `json:"sleep_interval"`      // seconds between cycles
	BatteryCapacity   float64 `json:"battery_capacity"`    // kWh
	MinSOC            float64 `json:"min_soc"`             // percent, depletion floor
	PowerAvgWindow    int     `json:"power_avg_window"`    // minutes
	MaxPowerThreshold float64 `json:"max_power_threshold"` // watts
	BusMaximum        float64 `json:"bus_maximum"`         // watts
	Buffer            float64 `json:"buffer"`              // watts
	NominalVoltage    float64 `json:"nominal_voltage"`     // volts per amp of charge current
	CredsFile         string  `json:"creds_file"`          // charger API token file
}

// TimeSettings holds the time-of-day charging policy.
type TimeSettings struct {
	SwitchOnTime        string  `json:"switch_on_time"`
	SwitchOffTime       string  `json:"switch_off_time"`
	FixedChargeStart    string  `json:"fixed_charge_start"`
	FixedChargeEnd      string  `json:"fixed_charge_end"`
	FixedChargeCurrent  int     `json:"fixed_charge_current"`
	MinExcessThreshold  float64 `json:"min_excess_threshold"`
	BatterySOCThreshold float64 `json:"battery_soc_threshold"`
	Timezone            string  `json:"timezone"`
}

// Config is the full startup configuration, merged from the JSON config file
// and CLI flags (flags win). Immutable after Validate.
type Config struct {
	Solax             SolaxSettings     `json:"solax"`
	MQTT              MQTTSettings      `json:"mqtt"`
	Chargers          []ChargerSettings `json:"chargers"`
	System            SystemSettings    `json:"system"`
	TimeBasedBehavior TimeSettings      `json:"time_based_behavior"`
}

// DefaultConfig returns the built-in defaults, matching the documented
// behavior when neither file nor flags override them.
func DefaultConfig() Config {
	return Config{
		System: SystemSettings{
			SleepInterval:     10,
			BatteryCapacity:   20.0,
			MinSOC:            30,
			PowerAvgWindow:    5,
			MaxPowerThreshold: 50000,
			BusMaximum:        7000,
			Buffer:            100,
			NominalVoltage:    230,
			CredsFile:         "keys.json",
		},
		TimeBasedBehavior: TimeSettings{
			SwitchOnTime:        "11:00",
			SwitchOffTime:       "18:00",
			FixedChargeStart:    "00:10",
			FixedChargeEnd:      "06:00",
			FixedChargeCurrent:  40,
			MinExcessThreshold:  1440,
			BatterySOCThreshold: 85,
			Timezone:            "UTC",
		},
	}
}

// defaultChargerSettings fills in per-charger defaults for a charger that is
// only named (via --primary-charger) rather than fully configured.
func defaultChargerSettings(name, priority string) ChargerSettings {
	return ChargerSettings{
		Name:           name,
		Priority:       priority,
		MinCurrent:     6,
		MaxCurrent:     30,
		OnToOffLockout: 60,
		OffToOnLockout: 240,
	}
}

// LoadConfig builds the configuration from defaults, the JSON config file,
// and CLI flags, in increasing precedence.
func LoadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("chargectl", flag.ContinueOnError)

	configPath := fs.String("config", "config.json", "Path to configuration JSON file")

	ipAddress := fs.String("ip-address", "", "IP address of the Solax inverter")
	serialNumber := fs.String("serial-number", "", "Serial number of the Solax inverter, used as the API password")
	broker := fs.String("broker", "", "MQTT broker host")
	username := fs.String("username", "", "MQTT username")
	password := fs.String("password", "", "MQTT password")
	primaryCharger := fs.String("primary-charger", "", "Name of the primary charger that gets priority for excess power")

	sleep := fs.Int("sleep", 0, "Poll delay in seconds")
	credsFile := fs.String("creds-file", "", "Charger API creds file")
	batteryCapacity := fs.Float64("battery-capacity", 0, "Battery capacity in kWh")
	minSOC := fs.Float64("min-soc", 0, "Minimum battery SOC threshold for depletion calculations")
	powerAvgWindow := fs.Int("power-avg-window", 0, "Time window in minutes for averaging battery power")
	maxPowerThreshold := fs.Float64("max-power-threshold", 0, "Maximum valid power reading in watts")
	busMaximum := fs.Int("bus-maximum", 0, "Maximum power the AC bus can handle in watts")
	buffer := fs.Int("buffer", 0, "Power buffer in watts to maintain as safety margin")
	nominalVoltage := fs.Float64("nominal-voltage", 0, "Nominal charging voltage in volts")

	timezone := fs.String("timezone", "", "Timezone for the time-of-day windows (e.g. 'Europe/London')")
	switchOnTime := fs.String("switch-on-time", "", "Time to enable daytime charging (e.g. '11:00')")
	switchOffTime := fs.String("switch-off-time", "", "Time to disable daytime charging (e.g. '18:00')")
	fixedChargeStart := fs.String("fixed-charge-start", "", "Start of the fixed-charge period (e.g. '00:10')")
	fixedChargeEnd := fs.String("fixed-charge-end", "", "End of the fixed-charge period (e.g. '06:00')")
	fixedChargeCurrent := fs.Int("fixed-charge-current", 0, "Current for the fixed-charge period in amps")
	minExcessThreshold := fs.Float64("min-excess-threshold", 0, "Minimum excess power in watts for daytime charging")
	batterySOCThreshold := fs.Float64("battery-soc-threshold", 0, "Battery SOC percent required for daytime charging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	if raw, err := os.ReadFile(*configPath); err == nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", *configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config file %s: %w", *configPath, err)
	}

	// CLI flags override file values, but only when explicitly set
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["ip-address"] {
		cfg.Solax.IPAddress = *ipAddress
	}
	if set["serial-number"] {
		cfg.Solax.SerialNumber = *serialNumber
	}
	if set["broker"] {
		cfg.MQTT.Broker = *broker
	}
	if set["username"] {
		cfg.MQTT.Username = *username
	}
	if set["password"] {
		cfg.MQTT.Password = *password
	}
	if set["sleep"] {
		cfg.System.SleepInterval = *sleep
	}
	if set["creds-file"] {
		cfg.System.CredsFile = *credsFile
	}
	if set["battery-capacity"] {
		cfg.System.BatteryCapacity = *batteryCapacity
	}
	if set["min-soc"] {
		cfg.System.MinSOC = *minSOC
	}
	if set["power-avg-window"] {
		cfg.System.PowerAvgWindow = *powerAvgWindow
	}
	if set["max-power-threshold"] {
		cfg.System.MaxPowerThreshold = *maxPowerThreshold
	}
	if set["bus-maximum"] {
		cfg.System.BusMaximum = float64(*busMaximum)
	}
	if set["buffer"] {
		cfg.System.Buffer = float64(*buffer)
	}
	if set["nominal-voltage"] {
		cfg.System.NominalVoltage = *nominalVoltage
	}
	if set["timezone"] {
		cfg.TimeBasedBehavior.Timezone = *timezone
	}
	if set["switch-on-time"] {
		cfg.TimeBasedBehavior.SwitchOnTime = *switchOnTime
	}
	if set["switch-off-time"] {
		cfg.TimeBasedBehavior.SwitchOffTime = *switchOffTime
	}
	if set["fixed-charge-start"] {
		cfg.TimeBasedBehavior.FixedChargeStart = *fixedChargeStart
	}
	if set["fixed-charge-end"] {
		cfg.TimeBasedBehavior.FixedChargeEnd = *fixedChargeEnd
	}
	if set["fixed-charge-current"] {
		cfg.TimeBasedBehavior.FixedChargeCurrent = *fixedChargeCurrent
	}
	if set["min-excess-threshold"] {
		cfg.TimeBasedBehavior.MinExcessThreshold = *minExcessThreshold
	}
	if set["battery-soc-threshold"] {
		cfg.TimeBasedBehavior.BatterySOCThreshold = *batterySOCThreshold
	}

	// A primary charger named on the command line is added with default
	// limits when the file doesn't already configure it
	if set["primary-charger"] && *primaryCharger != "" {
		found := false
		for i := range cfg.Chargers {
			if cfg.Chargers[i].Name == *primaryCharger {
				cfg.Chargers[i].Priority = "primary"
				found = true
			} else if cfg.Chargers[i].Priority == "primary" {
				cfg.Chargers[i].Priority = "secondary"
			}
		}
		if !found {
			cfg.Chargers = append(cfg.Chargers, defaultChargerSettings(*primaryCharger, "primary"))
		}
	}

	// Secrets fall back to the environment (loaded from .env by main)
	if cfg.MQTT.Username == "" {
		cfg.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if cfg.MQTT.Password == "" {
		cfg.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}

	return &cfg, nil
}

// Validate checks the merged configuration. Any error here is fatal at
// startup; nothing is recoverable at runtime.
func (c *Config) Validate() error {
	if c.Solax.IPAddress == "" {
		return fmt.Errorf("solax inverter IP address is required")
	}
	if c.Solax.SerialNumber == "" {
		return fmt.Errorf("solax inverter serial number is required")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("MQTT broker is required")
	}
	if len(c.Chargers) == 0 {
		return fmt.Errorf("at least one charger must be configured")
	}

	primaries := 0
	for _, ch := range c.Chargers {
		if ch.Name == "" {
			return fmt.Errorf("charger with empty name")
		}
		switch ch.Priority {
		case "primary":
			primaries++
		case "secondary":
		default:
			return fmt.Errorf("charger %s: priority must be primary or secondary, got %q", ch.Name, ch.Priority)
		}
		if ch.MinCurrent <= 0 || ch.MaxCurrent < ch.MinCurrent {
			return fmt.Errorf("charger %s: invalid current limits %dA-%dA", ch.Name, ch.MinCurrent, ch.MaxCurrent)
		}
		if ch.OnToOffLockout < 0 || ch.OffToOnLockout < 0 || ch.MinChangeInterval < 0 {
			return fmt.Errorf("charger %s: lockout intervals must not be negative", ch.Name)
		}
	}
	if primaries != 1 {
		return fmt.Errorf("exactly one primary charger required, got %d", primaries)
	}

	if c.System.SleepInterval <= 0 {
		return fmt.Errorf("sleep interval must be positive")
	}
	if c.System.BatteryCapacity <= 0 {
		return fmt.Errorf("battery capacity must be positive")
	}
	if c.System.MinSOC < 0 || c.System.MinSOC >= 100 {
		return fmt.Errorf("min SOC must be in [0, 100)")
	}
	if c.System.PowerAvgWindow <= 0 {
		return fmt.Errorf("power averaging window must be positive")
	}
	if c.System.MaxPowerThreshold <= 0 {
		return fmt.Errorf("max power threshold must be positive")
	}
	if c.System.NominalVoltage <= 0 {
		return fmt.Errorf("nominal voltage must be positive")
	}
	if c.System.BusMaximum <= 0 {
		return fmt.Errorf("bus maximum must be positive")
	}
	if c.System.Buffer < 0 {
		return fmt.Errorf("buffer must not be negative")
	}
	if c.TimeBasedBehavior.FixedChargeCurrent < 0 {
		return fmt.Errorf("fixed charge current must not be negative")
	}
	soc := c.TimeBasedBehavior.BatterySOCThreshold
	if soc <= 0 || soc > 100 {
		return fmt.Errorf("battery SOC threshold must be in (0, 100]")
	}

	policy, err := c.Policy()
	if err != nil {
		return err
	}
	if c.TimeBasedBehavior.SwitchOnTime != c.TimeBasedBehavior.SwitchOffTime && !policy.DaytimeReachable() {
		return fmt.Errorf("fixed-charge window %s-%s leaves the daytime window %s-%s unreachable",
			c.TimeBasedBehavior.FixedChargeStart, c.TimeBasedBehavior.FixedChargeEnd,
			c.TimeBasedBehavior.SwitchOnTime, c.TimeBasedBehavior.SwitchOffTime)
	}

	return nil
}

// Policy builds the time-window classifier from the configured boundaries.
func (c *Config) Policy() (governor.TimeWindowPolicy, error) {
	var p governor.TimeWindowPolicy
	var err error

	clocks := []struct {
		dst  *governor.ClockMinute
		name string
		val  string
	}{
		{&p.SwitchOn, "switch_on_time", c.TimeBasedBehavior.SwitchOnTime},
		{&p.SwitchOff, "switch_off_time", c.TimeBasedBehavior.SwitchOffTime},
		{&p.FixedStart, "fixed_charge_start", c.TimeBasedBehavior.FixedChargeStart},
		{&p.FixedEnd, "fixed_charge_end", c.TimeBasedBehavior.FixedChargeEnd},
	}
	for _, cl := range clocks {
		if *cl.dst, err = governor.ParseClock(cl.val); err != nil {
			return p, fmt.Errorf("%s: %w", cl.name, err)
		}
	}

	p.Location, err = time.LoadLocation(c.TimeBasedBehavior.Timezone)
	if err != nil {
		return p, fmt.Errorf("unknown timezone %q", c.TimeBasedBehavior.Timezone)
	}
	return p, nil
}

// ExcessConfig builds the daytime gating thresholds.
func (c *Config) ExcessConfig() governor.ExcessConfig {
	return governor.ExcessConfig{
		BufferWatts:         c.System.Buffer,
		MinExcessWatts:      c.TimeBasedBehavior.MinExcessThreshold,
		BatterySOCThreshold: c.TimeBasedBehavior.BatterySOCThreshold,
	}
}

// AveragingWindow returns the battery power averaging span.
func (c *Config) AveragingWindow() time.Duration {
	return time.Duration(c.System.PowerAvgWindow) * time.Minute
}

// PollInterval returns the control cycle period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.System.SleepInterval) * time.Second
}

// Lockouts builds the debounce configuration for one charger.
func (ch ChargerSettings) Lockouts() governor.LockoutConfig {
	return governor.LockoutConfig{
		OffToOn:     time.Duration(ch.OffToOnLockout) * time.Second,
		OnToOff:     time.Duration(ch.OnToOffLockout) * time.Second,
		MinInterval: time.Duration(ch.MinChangeInterval) * time.Second,
	}
}

// Demand builds the allocator input for one charger. The stable ID is the
// configured name normalized for use in topics and snapshot keys.
func (ch ChargerSettings) Demand() governor.ChargerDemand {
	return governor.ChargerDemand{
		ID:         ch.ID(),
		Primary:    ch.Priority == "primary",
		MinCurrent: ch.MinCurrent,
		MaxCurrent: ch.MaxCurrent,
	}
}

// ID returns the stable identifier derived once from the display name.
func (ch ChargerSettings) ID() string {
	return strings.ReplaceAll(strings.ToLower(ch.Name), " ", "_")
}
