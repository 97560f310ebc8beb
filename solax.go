package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gridsmith/chargectl/governor"
)

// ErrTelemetryUnavailable marks a failed or truncated inverter read. The
// control cycle skips reallocation and keeps prior charger settings.
var ErrTelemetryUnavailable = errors.New("inverter telemetry unavailable")

// minRegisterCount is the highest register index we decode, plus one.
const minRegisterCount = 94

// InverterData is one decoded reading from the inverter's local realtime
// API. The embedded sample carries the values the decision logic consumes;
// the rest is published for monitoring.
type InverterData struct {
	governor.TelemetrySample

	StringPower   [3]float64 // watts per PV string
	StringVoltage [3]float64
	StringCurrent [3]float64

	ACPower     float64
	ACVoltage   float64
	ACCurrent   float64
	ACFrequency float64

	// Split views of the signed grid and battery flows
	ToGrid      float64
	FromGrid    float64
	ToBattery   float64
	FromBattery float64

	YieldTotal    float64 // kWh
	YieldToday    float64
	ImportedTotal float64
	ImportedToday float64

	RunMode int
}

var runModeNames = map[int]string{
	0:  "Waiting",
	1:  "Checking",
	2:  "Normal",
	3:  "Off",
	4:  "Permanent Fault",
	5:  "Updating",
	6:  "EPS Check",
	7:  "EPS Mode",
	8:  "Self Test",
	9:  "Idle",
	10: "Standby",
}

// RunModeName returns a human-readable inverter run mode.
func (d InverterData) RunModeName() string {
	if name, ok := runModeNames[d.RunMode]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (%d)", d.RunMode)
}

// SolaxClient reads realtime registers from a Solax hybrid inverter's local
// HTTP endpoint. The serial number doubles as the API password.
type SolaxClient struct {
	endpoint string
	serial   string
	client   *http.Client
	now      func() time.Time
}

func NewSolaxClient(ipAddress, serialNumber string) *SolaxClient {
	return &SolaxClient{
		endpoint: fmt.Sprintf("http://%s/", ipAddress),
		serial:   serialNumber,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// Read fetches and decodes one realtime reading. All failures are wrapped in
// ErrTelemetryUnavailable; the caller treats them uniformly.
func (c *SolaxClient) Read(ctx context.Context) (InverterData, error) {
	form := url.Values{
		"optType": {"ReadRealTimeData"},
		"pwd":     {c.serial},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return InverterData{}, fmt.Errorf("%w: %v", ErrTelemetryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return InverterData{}, fmt.Errorf("%w: %v", ErrTelemetryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return InverterData{}, fmt.Errorf("%w: inverter returned %s", ErrTelemetryUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return InverterData{}, fmt.Errorf("%w: %v", ErrTelemetryUnavailable, err)
	}

	var payload struct {
		SN   string   `json:"sn"`
		Data []uint16 `json:"Data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return InverterData{}, fmt.Errorf("%w: %v", ErrTelemetryUnavailable, err)
	}

	return decodeInverterData(payload.Data, c.now())
}

// Register word helpers. The realtime API returns raw 16-bit register
// values; multi-word and signed quantities need reassembly.

func signed16(word uint16) float64 {
	if word > 32767 {
		return float64(int32(word) - 65536)
	}
	return float64(word)
}

func unsigned32(lsw, msw uint16) float64 {
	return float64(uint32(msw)<<16 | uint32(lsw))
}

func signed32(lsw, msw uint16) float64 {
	u := uint32(msw)<<16 | uint32(lsw)
	return float64(int32(u))
}

func unsigned8(word uint16) int {
	return int(word & 0xFF)
}

// decodeInverterData maps the raw register array onto engineering units.
// Short arrays are rejected whole rather than decoded partially.
func decodeInverterData(regs []uint16, at time.Time) (InverterData, error) {
	if len(regs) < minRegisterCount {
		return InverterData{}, fmt.Errorf("%w: got %d registers, need %d",
			ErrTelemetryUnavailable, len(regs), minRegisterCount)
	}

	var d InverterData
	for i := 0; i < 3; i++ {
		d.StringVoltage[i] = float64(regs[11+i]) / 10
		d.StringCurrent[i] = float64(regs[15+i]) / 10
		d.StringPower[i] = float64(regs[19+i])
	}

	d.ACVoltage = float64(regs[4]) / 10
	d.ACCurrent = signed16(regs[5]) / 10
	d.ACPower = signed16(regs[6])
	d.ACFrequency = float64(regs[7]) / 100
	d.RunMode = unsigned8(regs[10])

	d.YieldTotal = unsigned32(regs[41], regs[42]) / 10
	d.YieldToday = float64(regs[43]) / 10
	d.ImportedTotal = unsigned32(regs[37], regs[38]) / 10
	d.ImportedToday = float64(regs[39]) / 10

	d.SolarPower = d.StringPower[0] + d.StringPower[1] + d.StringPower[2]
	d.GridPower = signed32(regs[28], regs[29])
	d.HousePower = float64(regs[30])
	d.BatteryPower = signed16(regs[91])
	d.BatteryVoltage = float64(regs[89]) / 100
	d.BatteryTemperature = signed16(regs[92])
	d.BatterySOC = float64(regs[93])
	d.Timestamp = at

	if d.GridPower > 0 {
		d.ToGrid = d.GridPower
	} else {
		d.FromGrid = -d.GridPower
	}
	if d.BatteryPower > 0 {
		d.ToBattery = d.BatteryPower
	} else {
		d.FromBattery = -d.BatteryPower
	}

	return d, nil
}
