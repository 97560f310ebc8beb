// Package governor holds the pure decision logic for excess-solar charger
// control: sample validation, battery power averaging, time estimates,
// time-of-day mode classification, excess power calculation, per-charger
// power allocation and the debounced on/off state machine.
package governor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// TelemetrySample is one validated inverter reading. Power values are in
// watts. BatteryPower and GridPower are signed: positive battery power is
// charging, positive grid power is exporting.
type TelemetrySample struct {
	SolarPower         float64
	BatteryPower       float64
	BatterySOC         float64 // percent
	BatteryVoltage     float64
	BatteryTemperature float64
	GridPower          float64
	HousePower         float64
	Timestamp          time.Time
}

// ErrInvalidSample marks a reading with a power magnitude outside physical
// bounds. The control cycle skips reallocation for such samples.
var ErrInvalidSample = errors.New("telemetry sample outside physical bounds")

// ValidateSample rejects a sample when any power magnitude exceeds
// maxPowerWatts. A rejected sample must not be stored or acted on.
func ValidateSample(s TelemetrySample, maxPowerWatts float64) error {
	powers := []struct {
		name  string
		watts float64
	}{
		{"solar", s.SolarPower},
		{"battery", s.BatteryPower},
		{"grid", s.GridPower},
		{"house", s.HousePower},
	}

	for _, p := range powers {
		if math.Abs(p.watts) > maxPowerWatts {
			return fmt.Errorf("%w: %s power %.0fW exceeds %.0fW",
				ErrInvalidSample, p.name, p.watts, maxPowerWatts)
		}
	}
	return nil
}
