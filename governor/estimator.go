package governor

import (
	"fmt"
	"math"
)

// EstimateUnavailable is reported when a time estimate does not apply to the
// current battery power direction.
const EstimateUnavailable = "N/A"

// TimeToFull estimates how long until the battery reaches 100% at the
// averaged charging power, formatted HH:MM. Returns EstimateUnavailable when
// the battery is not net-charging.
func TimeToFull(socPercent, capacityKWh, avgPowerWatts float64) string {
	if avgPowerWatts <= 0 || socPercent >= 100 {
		return EstimateUnavailable
	}

	energyNeededKWh := (100 - socPercent) / 100 * capacityKWh
	return formatHours(energyNeededKWh / (avgPowerWatts / 1000))
}

// TimeToDepleted estimates how long until the battery reaches the minimum
// SOC at the averaged discharging power, formatted HH:MM. Returns
// EstimateUnavailable when the battery is not net-discharging, and "00:00"
// when the SOC is already at or below the minimum.
func TimeToDepleted(socPercent, minSOCPercent, capacityKWh, avgPowerWatts float64) string {
	if avgPowerWatts >= 0 {
		return EstimateUnavailable
	}
	if socPercent <= minSOCPercent {
		return "00:00"
	}

	energyLeftKWh := (socPercent - minSOCPercent) / 100 * capacityKWh
	return formatHours(energyLeftKWh / (math.Abs(avgPowerWatts) / 1000))
}

func formatHours(hours float64) string {
	// Round once on total minutes; truncating the fractional hour
	// misrenders exact estimates (0.333...h is 19.999... minutes)
	total := int(math.Round(hours * 60))
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
