package governor

// ExcessConfig holds the thresholds gating daytime-automated charging.
type ExcessConfig struct {
	BufferWatts         float64 // safety margin against measurement jitter
	MinExcessWatts      float64 // minimum excess before charging starts
	BatterySOCThreshold float64 // percent; battery charges first below this
}

// BatteryReservePower returns the power, in watts, diverted to battery
// charging before any is offered to the chargers. Zero once the SOC
// threshold is met; below it, deeply discharged batteries get the larger
// reservation.
func BatteryReservePower(socPercent, thresholdPercent float64) float64 {
	switch {
	case socPercent >= thresholdPercent:
		return 0
	case socPercent < thresholdPercent-10:
		return 1700
	default:
		return 1200
	}
}

// Excess computes the power allocatable to chargers during the
// daytime-automated window:
//
//	excess = solar − house load − battery reserve − buffer
//
// Charging is enabled only when the excess meets the minimum threshold AND
// the battery SOC has reached its threshold; otherwise the excess is clamped
// to zero and the second return is false.
func Excess(s TelemetrySample, cfg ExcessConfig) (float64, bool) {
	reserve := BatteryReservePower(s.BatterySOC, cfg.BatterySOCThreshold)
	excess := s.SolarPower - s.HousePower - reserve - cfg.BufferWatts

	if excess < cfg.MinExcessWatts || s.BatterySOC < cfg.BatterySOCThreshold {
		return 0, false
	}
	return excess, true
}
