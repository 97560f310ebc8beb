package governor

import (
	"math"
	"sort"
)

// ChargerDemand describes one charger competing for the power budget.
type ChargerDemand struct {
	ID         string
	Primary    bool
	MinCurrent int // amps
	MaxCurrent int // amps
}

// Allocate distributes excess watts across chargers by priority. Primary
// chargers are served before secondaries (stable order within a tier); each
// charger greedily receives the largest whole-amp current in
// [MinCurrent, MaxCurrent] whose power fits the remaining budget, or zero
// when even MinCurrent does not fit. The budget starts at
// min(excess, busMaximum − buffer) and shrinks with each assignment.
func Allocate(excessWatts float64, chargers []ChargerDemand, busMaximum, buffer, nominalVoltage float64) map[string]int {
	out := make(map[string]int, len(chargers))
	if nominalVoltage <= 0 {
		for _, c := range chargers {
			out[c.ID] = 0
		}
		return out
	}

	ordered := make([]ChargerDemand, len(chargers))
	copy(ordered, chargers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Primary && !ordered[j].Primary
	})

	budget := min(excessWatts, busMaximum-buffer)
	for _, c := range ordered {
		amps := int(math.Floor(budget / nominalVoltage))
		if amps > c.MaxCurrent {
			amps = c.MaxCurrent
		}
		if amps < c.MinCurrent {
			out[c.ID] = 0
			continue
		}
		out[c.ID] = amps
		budget -= float64(amps) * nominalVoltage
	}
	return out
}
