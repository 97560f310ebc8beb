package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gridsmith/chargectl/governor"
)

// TelemetrySource provides inverter readings. Implemented by SolaxClient.
type TelemetrySource interface {
	Read(ctx context.Context) (InverterData, error)
}

// ChargerAPI commands EV chargers. Implemented by EmporiaClient.
type ChargerAPI interface {
	Chargers(ctx context.Context) ([]ChargerStatus, error)
	SetCharger(ctx context.Context, deviceGID int, on bool, amps int) (ChargerStatus, error)
}

// SwitchCommand toggles excess-solar participation for one charger. It
// arrives from the MQTT worker when the Home Assistant switch is flipped.
type SwitchCommand struct {
	ChargerID string
	UseExcess bool
}

// chargerRuntime pairs one configured charger with its resolved device and
// debounced state. Owned exclusively by the control worker.
type chargerRuntime struct {
	cfg       ChargerSettings
	deviceGID int
	state     *governor.ChargerState
	lockout   governor.LockoutConfig
	useExcess bool
	deferred  bool
	status    ChargerStatus // last observed or echoed state
}

// ControlWorker owns the poll-decide-command cycle. All charger state lives
// here; other workers only see the immutable snapshots it emits.
type ControlWorker struct {
	cfg    *Config
	policy governor.TimeWindowPolicy
	excess governor.ExcessConfig

	source TelemetrySource
	api    ChargerAPI

	window   *governor.PowerWindow
	chargers []*chargerRuntime

	now func() time.Time
}

func NewControlWorker(cfg *Config, source TelemetrySource, api ChargerAPI) (*ControlWorker, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	return &ControlWorker{
		cfg:    cfg,
		policy: policy,
		excess: cfg.ExcessConfig(),
		source: source,
		api:    api,
		window: governor.NewPowerWindow(cfg.AveragingWindow()),
		now:    time.Now,
	}, nil
}

// ResolveChargers matches every configured charger to a device on the
// account, by normalized name. A configured charger with no device is fatal:
// charger identity must be stable for the life of the process.
func (w *ControlWorker) ResolveChargers(ctx context.Context) error {
	available, err := w.api.Chargers(ctx)
	if err != nil {
		return fmt.Errorf("listing chargers: %w", err)
	}

	byID := make(map[string]ChargerStatus, len(available))
	for _, c := range available {
		byID[normalizeID(c.Name)] = c
	}

	now := w.now()
	w.chargers = w.chargers[:0]
	for _, cc := range w.cfg.Chargers {
		status, ok := byID[cc.ID()]
		if !ok {
			return fmt.Errorf("configured charger %q not found on account", cc.Name)
		}
		log.Printf("Resolved charger %s to device %d (%s)\n", cc.Name, status.DeviceGID, status.Message)

		w.chargers = append(w.chargers, &chargerRuntime{
			cfg:       cc,
			deviceGID: status.DeviceGID,
			state:     governor.NewChargerState(now),
			lockout:   cc.Lockouts(),
			useExcess: true,
			status:    status,
		})
	}
	return nil
}

func normalizeID(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// run executes one cycle per poll interval until the context is cancelled.
// An in-flight cycle always completes; cancellation is only observed between
// cycles, so chargers are never left half-commanded.
func (w *ControlWorker) run(ctx context.Context, switches <-chan SwitchCommand, out chan<- Snapshot) {
	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	// First cycle immediately rather than one interval in
	w.emit(ctx, out, w.runCycle(ctx))

	for {
		select {
		case <-ticker.C:
			w.emit(ctx, out, w.runCycle(ctx))
		case cmd := <-switches:
			w.applySwitch(cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (w *ControlWorker) emit(ctx context.Context, out chan<- Snapshot, snap Snapshot) {
	select {
	case out <- snap:
	case <-ctx.Done():
	}
}

func (w *ControlWorker) applySwitch(cmd SwitchCommand) {
	for _, rt := range w.chargers {
		if rt.cfg.ID() == cmd.ChargerID {
			if rt.useExcess != cmd.UseExcess {
				log.Printf("Charger %s use-excess set to %v\n", rt.cfg.Name, cmd.UseExcess)
			}
			rt.useExcess = cmd.UseExcess
			return
		}
	}
	log.Printf("Switch command for unknown charger %q ignored\n", cmd.ChargerID)
}

// runCycle executes one control cycle: read telemetry, derive the mode and
// proposed currents, debounce, command the chargers, and report a snapshot.
// Telemetry failures skip the decision steps entirely and keep the chargers
// at their prior settings.
func (w *ControlWorker) runCycle(ctx context.Context) Snapshot {
	now := w.now()

	data, err := w.source.Read(ctx)
	if err == nil {
		err = governor.ValidateSample(data.TelemetrySample, w.cfg.System.MaxPowerThreshold)
	}
	if err != nil {
		log.Printf("Skipping cycle: %v\n", err)
		return w.snapshot(InverterData{}, governor.ModeOff, 0, false, true, now)
	}

	w.window.Observe(now, data.BatteryPower)
	mode := w.policy.Classify(now)

	var excessWatts float64
	var enabled bool

	proposals := make(map[string]int, len(w.chargers))
	switch mode {
	case governor.ModeFixedCharge:
		enabled = true
		for _, rt := range w.chargers {
			amps := w.cfg.TimeBasedBehavior.FixedChargeCurrent
			if amps > rt.cfg.MaxCurrent {
				amps = rt.cfg.MaxCurrent
			}
			if amps < rt.cfg.MinCurrent {
				amps = 0
			}
			proposals[rt.cfg.ID()] = amps
		}

	case governor.ModeDaytime:
		excessWatts, enabled = governor.Excess(data.TelemetrySample, w.excess)

		var demands []governor.ChargerDemand
		for _, rt := range w.chargers {
			if rt.useExcess {
				demands = append(demands, rt.cfg.Demand())
			}
		}
		allocated := governor.Allocate(excessWatts, demands,
			w.cfg.System.BusMaximum, w.cfg.System.Buffer, w.cfg.System.NominalVoltage)
		for id, amps := range allocated {
			proposals[id] = amps
		}

	default: // ModeOff, including the post-switch-off force-disable
		for _, rt := range w.chargers {
			if rt.state.On && w.policy.AfterSwitchOff(now) {
				log.Printf("Past switch-off time, forcing charger %s off\n", rt.cfg.Name)
			}
			proposals[rt.cfg.ID()] = 0
		}
	}

	for _, rt := range w.chargers {
		proposed, automated := proposals[rt.cfg.ID()]
		if !automated {
			// Excess automation disabled for this charger; leave it alone
			rt.deferred = false
			continue
		}
		w.command(ctx, rt, proposed, now)
	}

	return w.snapshot(data, mode, excessWatts, enabled, false, now)
}

// command debounces and applies one proposed current. State advances only
// when the charger verifiably accepted the command; a failed or refused
// command is retried naturally next cycle.
func (w *ControlWorker) command(ctx context.Context, rt *chargerRuntime, proposed int, now time.Time) {
	d := rt.state.Decide(proposed, now, rt.lockout)
	rt.deferred = d.Deferred
	if !d.Changed {
		return
	}

	// The charger API always wants a rate; when turning off, hold the
	// minimum so a manual turn-on at the wall is harmless
	amps := d.Amps
	if !d.On {
		amps = rt.cfg.MinCurrent
	}

	status, err := w.api.SetCharger(ctx, rt.deviceGID, d.On, amps)
	if err != nil {
		log.Printf("Charger %s command failed: %v\n", rt.cfg.Name, err)
		return
	}

	rt.status = status
	rt.state.Commit(d, now)
	if d.On {
		log.Printf("Charger %s set to %dA\n", rt.cfg.Name, d.Amps)
	} else {
		log.Printf("Charger %s turned off\n", rt.cfg.Name)
	}
}

func (w *ControlWorker) snapshot(data InverterData, mode governor.Mode, excessWatts float64, enabled, stale bool, now time.Time) Snapshot {
	avg := w.window.Average()

	snap := Snapshot{
		Inverter:        data,
		AvgBatteryPower: avg,
		TimeToFull:      governor.EstimateUnavailable,
		TimeToDepleted:  governor.EstimateUnavailable,
		Mode:            mode,
		ExcessWatts:     excessWatts,
		ChargingEnabled: enabled,
		Stale:           stale,
		Timestamp:       now,
	}
	if !stale {
		snap.TimeToFull = governor.TimeToFull(
			data.BatterySOC, w.cfg.System.BatteryCapacity, avg)
		snap.TimeToDepleted = governor.TimeToDepleted(
			data.BatterySOC, w.cfg.System.MinSOC, w.cfg.System.BatteryCapacity, avg)
	}

	for _, rt := range w.chargers {
		var power float64
		if rt.state.On {
			power = float64(rt.state.Amps) * w.cfg.System.NominalVoltage
		}
		snap.Chargers = append(snap.Chargers, ChargerSnapshot{
			ID:         rt.cfg.ID(),
			Name:       rt.cfg.Name,
			On:         rt.state.On,
			Amps:       rt.state.Amps,
			PowerWatts: power,
			Connected:  rt.status.Connected(),
			UseExcess:  rt.useExcess,
			Deferred:   rt.deferred,
			Message:    rt.status.Message,
		})
	}
	return snap
}
