package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gridsmith/chargectl/governor"
)

// ChargerSnapshot is the per-charger slice of a Snapshot.
type ChargerSnapshot struct {
	ID         string
	Name       string
	On         bool
	Amps       int
	PowerWatts float64 // commanded amps at nominal voltage
	Connected  bool
	UseExcess  bool
	Deferred   bool // last proposal blocked by a lockout
	Message    string
}

// Snapshot is one immutable view of a completed control cycle. The control
// worker builds it after commanding the chargers; downstream workers (display,
// MQTT publisher, debug console) never mutate it.
type Snapshot struct {
	Inverter InverterData

	AvgBatteryPower float64
	TimeToFull      string
	TimeToDepleted  string

	Mode            governor.Mode
	ExcessWatts     float64
	ChargingEnabled bool
	Stale           bool // telemetry failed or was rejected this cycle

	Chargers []ChargerSnapshot

	Timestamp time.Time
}

// Values flattens the snapshot into the JSON keys published as the device
// state payload. Charger fields are published per charger separately.
func (s Snapshot) Values() map[string]any {
	v := map[string]any{
		"solar_power":         s.Inverter.SolarPower,
		"house_power":         s.Inverter.HousePower,
		"grid_power":          s.Inverter.GridPower,
		"to_grid":             s.Inverter.ToGrid,
		"from_grid":           s.Inverter.FromGrid,
		"battery_power":       s.Inverter.BatteryPower,
		"avg_battery_power":   s.AvgBatteryPower,
		"battery_soc":         s.Inverter.BatterySOC,
		"battery_voltage":     s.Inverter.BatteryVoltage,
		"battery_temperature": s.Inverter.BatteryTemperature,
		"ac_power":            s.Inverter.ACPower,
		"yield_today":         s.Inverter.YieldToday,
		"yield_total":         s.Inverter.YieldTotal,
		"imported_today":      s.Inverter.ImportedToday,
		"imported_total":      s.Inverter.ImportedTotal,
		"run_mode":            s.Inverter.RunModeName(),
		"mode":                s.Mode.String(),
		"excess_power":        s.ExcessWatts,
		"time_to_full":        s.TimeToFull,
		"time_to_depleted":    s.TimeToDepleted,
	}
	if s.ChargingEnabled {
		v["charging_enabled"] = "ON"
	} else {
		v["charging_enabled"] = "OFF"
	}
	return v
}

// StatusLine renders the one-line cycle summary printed each poll.
func (s Snapshot) StatusLine() string {
	var b strings.Builder

	fmt.Fprintf(&b, "☀️ %.0fW 🏠 %.0fW", s.Inverter.SolarPower, s.Inverter.HousePower)

	if s.Inverter.GridPower >= 0 {
		fmt.Fprintf(&b, " ⚡↗ %.0fW", s.Inverter.GridPower)
	} else {
		fmt.Fprintf(&b, " ⚡↘ %.0fW", -s.Inverter.GridPower)
	}

	fmt.Fprintf(&b, " 🔋 %.0f%% %.0fW", s.Inverter.BatterySOC, s.Inverter.BatteryPower)
	if s.AvgBatteryPower > 0 && s.TimeToFull != governor.EstimateUnavailable {
		fmt.Fprintf(&b, " ⏱️ full %s", s.TimeToFull)
	} else if s.AvgBatteryPower < 0 && s.TimeToDepleted != governor.EstimateUnavailable {
		fmt.Fprintf(&b, " ⏱️ empty %s", s.TimeToDepleted)
	}

	fmt.Fprintf(&b, " 🔄 %s", s.Mode)
	if s.Mode == governor.ModeDaytime {
		fmt.Fprintf(&b, " (%.0fW excess)", s.ExcessWatts)
	}

	for _, c := range s.Chargers {
		fmt.Fprintf(&b, " 🚗 %s:", c.ID)
		switch {
		case !c.UseExcess && s.Mode == governor.ModeDaytime:
			b.WriteString(" manual")
		case c.On:
			fmt.Fprintf(&b, " %dA", c.Amps)
		default:
			b.WriteString(" off")
		}
		if c.Deferred {
			b.WriteString(" (locked)")
		}
		if !c.Connected {
			b.WriteString(" unplugged")
		}
	}

	if s.Stale {
		b.WriteString(" ⚠️ stale")
	}
	return b.String()
}

// displayWorker prints each cycle's status line to the log.
func displayWorker(ctx context.Context, snapshots <-chan Snapshot) {
	for {
		select {
		case snap := <-snapshots:
			log.Println(snap.StatusLine())
		case <-ctx.Done():
			return
		}
	}
}
