package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsmith/chargectl/governor"
)

type fakeSource struct {
	data InverterData
	err  error
}

func (f *fakeSource) Read(ctx context.Context) (InverterData, error) {
	return f.data, f.err
}

type setCall struct {
	gid  int
	on   bool
	amps int
}

type fakeChargerAPI struct {
	chargers []ChargerStatus
	setErr   error
	calls    []setCall
}

func (f *fakeChargerAPI) Chargers(ctx context.Context) ([]ChargerStatus, error) {
	return f.chargers, nil
}

func (f *fakeChargerAPI) SetCharger(ctx context.Context, gid int, on bool, amps int) (ChargerStatus, error) {
	f.calls = append(f.calls, setCall{gid: gid, on: on, amps: amps})
	if f.setErr != nil {
		return ChargerStatus{}, f.setErr
	}
	return ChargerStatus{DeviceGID: gid, On: on, CurrentAmps: amps, Message: "Charging"}, nil
}

func testControlConfig() *Config {
	cfg := DefaultConfig()
	cfg.Chargers = []ChargerSettings{{
		Name: "Garage", Priority: "primary",
		MinCurrent: 6, MaxCurrent: 30,
		OnToOffLockout: 60, OffToOnLockout: 240,
	}}
	return &cfg
}

// sunnyData is a telemetry reading with 3700W allocatable excess:
// 5000 solar − 1200 house − 0 reserve − 100 buffer, SOC above threshold.
func sunnyData() InverterData {
	return InverterData{TelemetrySample: governor.TelemetrySample{
		SolarPower: 5000, HousePower: 1200, BatterySOC: 90, BatteryPower: 300,
	}}
}

// newTestWorker builds a worker with a fixed clock, resolved against a
// single Garage charger device. Returns the clock setter.
func newTestWorker(t *testing.T, source *fakeSource, api *fakeChargerAPI, start time.Time) (*ControlWorker, func(time.Time)) {
	t.Helper()

	if api.chargers == nil {
		api.chargers = []ChargerStatus{
			{Name: "Garage", DeviceGID: 42, Message: "Connected to EV", CurrentAmps: 6},
		}
	}

	w, err := NewControlWorker(testControlConfig(), source, api)
	require.NoError(t, err)

	now := start
	w.now = func() time.Time { return now }
	require.NoError(t, w.ResolveChargers(context.Background()))

	return w, func(at time.Time) { now = at }
}

func TestRunCycle_DaytimeAllocatesExcess(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{}
	w, setClock := newTestWorker(t, &fakeSource{data: sunnyData()}, api, t0)

	// Past the off-to-on lockout: the proposal is applied
	setClock(t0.Add(5 * time.Minute))
	snap := w.runCycle(context.Background())

	require.Equal(t, []setCall{{gid: 42, on: true, amps: 16}}, api.calls)
	assert.Equal(t, governor.ModeDaytime, snap.Mode)
	assert.Equal(t, 3700.0, snap.ExcessWatts)
	assert.True(t, snap.ChargingEnabled)

	require.Len(t, snap.Chargers, 1)
	assert.True(t, snap.Chargers[0].On)
	assert.Equal(t, 16, snap.Chargers[0].Amps)
	assert.Equal(t, 16*230.0, snap.Chargers[0].PowerWatts)
	assert.True(t, snap.Chargers[0].Connected)
}

func TestRunCycle_OffToOnLockoutDefersStart(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{}
	w, setClock := newTestWorker(t, &fakeSource{data: sunnyData()}, api, t0)

	setClock(t0.Add(10 * time.Second))
	snap := w.runCycle(context.Background())

	assert.Empty(t, api.calls)
	assert.False(t, snap.Chargers[0].On)
	assert.True(t, snap.Chargers[0].Deferred)
}

func TestRunCycle_TelemetryFailureKeepsPriorSettings(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{}
	source := &fakeSource{data: sunnyData()}
	w, setClock := newTestWorker(t, source, api, t0)

	// Get the charger on first
	setClock(t0.Add(5 * time.Minute))
	w.runCycle(context.Background())
	require.Len(t, api.calls, 1)

	// Reader fails: charger stays at 16A, no command, snapshot marked stale
	source.err = ErrTelemetryUnavailable
	setClock(t0.Add(6 * time.Minute))
	snap := w.runCycle(context.Background())

	assert.Len(t, api.calls, 1)
	assert.True(t, snap.Stale)
	assert.True(t, snap.Chargers[0].On)
	assert.Equal(t, 16, snap.Chargers[0].Amps)
	assert.Equal(t, governor.EstimateUnavailable, snap.TimeToFull)
}

func TestRunCycle_SpikeSampleRejected(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{}
	data := sunnyData()
	data.SolarPower = 60000 // over the 50kW plausibility threshold
	w, setClock := newTestWorker(t, &fakeSource{data: data}, api, t0)

	setClock(t0.Add(5 * time.Minute))
	snap := w.runCycle(context.Background())

	assert.Empty(t, api.calls)
	assert.True(t, snap.Stale)
	// The spike must not enter the averaging window either
	assert.Equal(t, 0.0, snap.AvgBatteryPower)
}

func TestRunCycle_CommandFailureDoesNotAdvanceState(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{setErr: errors.New("charger refused")}
	w, setClock := newTestWorker(t, &fakeSource{data: sunnyData()}, api, t0)

	setClock(t0.Add(5 * time.Minute))
	snap := w.runCycle(context.Background())

	require.Len(t, api.calls, 1)
	assert.False(t, snap.Chargers[0].On)

	// Next cycle retries the same command
	api.setErr = nil
	setClock(t0.Add(6 * time.Minute))
	snap = w.runCycle(context.Background())

	require.Len(t, api.calls, 2)
	assert.True(t, snap.Chargers[0].On)
	assert.Equal(t, 16, snap.Chargers[0].Amps)
}

func TestRunCycle_FixedChargeIgnoresSolar(t *testing.T) {
	// 01:00 is inside the fixed window; no solar, SOC low
	t0 := time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{}
	data := InverterData{TelemetrySample: governor.TelemetrySample{
		HousePower: 400, BatterySOC: 20, BatteryPower: -200,
	}}
	w, setClock := newTestWorker(t, &fakeSource{data: data}, api, t0)

	// Fixed current 40A clamps to the charger's 30A maximum
	setClock(t0.Add(5 * time.Minute))
	snap := w.runCycle(context.Background())

	require.Equal(t, []setCall{{gid: 42, on: true, amps: 30}}, api.calls)
	assert.Equal(t, governor.ModeFixedCharge, snap.Mode)
	assert.True(t, snap.ChargingEnabled)
}

func TestRunCycle_OffModeForcesChargerOff(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{}
	w, setClock := newTestWorker(t, &fakeSource{data: sunnyData()}, api, t0)

	setClock(t0.Add(5 * time.Minute))
	w.runCycle(context.Background())
	require.Len(t, api.calls, 1)

	// 19:00 is past switch-off; the on-to-off lockout has long elapsed.
	// The off command holds the minimum rate.
	setClock(time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC))
	snap := w.runCycle(context.Background())

	require.Len(t, api.calls, 2)
	assert.Equal(t, setCall{gid: 42, on: false, amps: 6}, api.calls[1])
	assert.Equal(t, governor.ModeOff, snap.Mode)
	assert.False(t, snap.Chargers[0].On)
}

func TestRunCycle_LogsForceDisableAfterSwitchOff(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{}
	w, setClock := newTestWorker(t, &fakeSource{data: sunnyData()}, api, t0)

	setClock(t0.Add(5 * time.Minute))
	w.runCycle(context.Background())
	require.Len(t, api.calls, 1)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	// Past switch-off with the charger still on: the forced turn-off
	// names its reason
	setClock(time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC))
	w.runCycle(context.Background())
	assert.Contains(t, buf.String(), "Past switch-off time, forcing charger Garage off")
	require.Len(t, api.calls, 2)

	// An ordinary off-window turn-off (before switch-on) does not
	buf.Reset()
	w.chargers[0].state = &governor.ChargerState{
		Amps: 16, On: true,
		LastChange: time.Date(2025, 6, 2, 6, 5, 0, 0, time.UTC),
	}
	setClock(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))
	w.runCycle(context.Background())
	assert.NotContains(t, buf.String(), "Past switch-off time")
	assert.Contains(t, buf.String(), "turned off")
}

func TestRunCycle_UseExcessOffLeavesChargerAlone(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeChargerAPI{}
	w, setClock := newTestWorker(t, &fakeSource{data: sunnyData()}, api, t0)

	w.applySwitch(SwitchCommand{ChargerID: "garage", UseExcess: false})

	setClock(t0.Add(5 * time.Minute))
	snap := w.runCycle(context.Background())

	assert.Empty(t, api.calls)
	assert.False(t, snap.Chargers[0].UseExcess)
	assert.False(t, snap.Chargers[0].On)
}

func TestResolveChargers_UnknownChargerIsFatal(t *testing.T) {
	api := &fakeChargerAPI{chargers: []ChargerStatus{
		{Name: "Carport", DeviceGID: 7},
	}}
	w, err := NewControlWorker(testControlConfig(), &fakeSource{}, api)
	require.NoError(t, err)

	err = w.ResolveChargers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Garage")
}
