package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSample_AcceptsPlausibleReading(t *testing.T) {
	s := TelemetrySample{
		SolarPower:   5000,
		BatteryPower: -1200,
		GridPower:    300,
		HousePower:   1800,
		BatterySOC:   90,
	}

	assert.NoError(t, ValidateSample(s, 50000))
}

func TestValidateSample_RejectsSpuriousMagnitudes(t *testing.T) {
	tests := []struct {
		name   string
		sample TelemetrySample
	}{
		{"solar spike", TelemetrySample{SolarPower: 65000}},
		{"battery spike", TelemetrySample{BatteryPower: 50001}},
		{"negative battery spike", TelemetrySample{BatteryPower: -50001}},
		{"grid spike", TelemetrySample{GridPower: -70000}},
		{"house spike", TelemetrySample{HousePower: 51000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSample(tt.sample, 50000)
			assert.ErrorIs(t, err, ErrInvalidSample)
		})
	}
}

func TestValidateSample_ThresholdIsInclusive(t *testing.T) {
	s := TelemetrySample{SolarPower: 50000}
	assert.NoError(t, ValidateSample(s, 50000))
}
