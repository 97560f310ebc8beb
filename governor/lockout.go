package governor

import "time"

// LockoutConfig holds the dwell times that debounce a charger's relay.
type LockoutConfig struct {
	OffToOn time.Duration // minimum OFF dwell before turning on
	OnToOff time.Duration // minimum ON dwell before turning off
	// MinInterval additionally rate-limits current-level updates while ON.
	// Zero disables the extra limit; on/off toggles are always debounced.
	MinInterval time.Duration
}

// ChargerState is the debounced runtime state for one charger. It is owned
// by the control cycle and mutated at most once per cycle, via Commit.
type ChargerState struct {
	Amps       int // commanded amps, 0 when off
	On         bool
	LastChange time.Time
}

// NewChargerState returns a charger that is OFF, with its lockout clock
// started at now so the first turn-on waits out the off-to-on dwell.
func NewChargerState(now time.Time) *ChargerState {
	return &ChargerState{LastChange: now}
}

// Decision is the outcome of evaluating a proposed current against the
// lockout rules. Deferred marks a proposal blocked by a dwell time; it will
// be retried naturally on the next cycle.
type Decision struct {
	Amps     int
	On       bool
	Changed  bool
	Deferred bool
}

// Decide evaluates the allocator's proposed current for this charger:
//
//	>0 while OFF: turn on, once the off-to-on dwell has elapsed
//	 0 while ON:  turn off, once the on-to-off dwell has elapsed
//	>0 while ON:  adjust current, rate-limited only by MinInterval
//
// Decide never mutates the state; callers apply the decision with Commit
// after the charger accepted the command.
func (s *ChargerState) Decide(proposed int, now time.Time, cfg LockoutConfig) Decision {
	elapsed := now.Sub(s.LastChange)

	switch {
	case proposed > 0 && !s.On:
		if elapsed >= cfg.OffToOn {
			return Decision{Amps: proposed, On: true, Changed: true}
		}
		return Decision{Amps: s.Amps, On: false, Deferred: true}

	case proposed == 0 && s.On:
		if elapsed >= cfg.OnToOff {
			return Decision{Amps: 0, On: false, Changed: true}
		}
		return Decision{Amps: s.Amps, On: true, Deferred: true}

	case proposed > 0 && s.On && proposed != s.Amps:
		if cfg.MinInterval > 0 && elapsed < cfg.MinInterval {
			return Decision{Amps: s.Amps, On: true, Deferred: true}
		}
		return Decision{Amps: proposed, On: true, Changed: true}

	default:
		return Decision{Amps: s.Amps, On: s.On}
	}
}

// Commit records an applied decision. Every accepted transition, including a
// current-level change, restarts the dwell clock. No-op for unchanged or
// deferred decisions, and for commands the charger rejected.
func (s *ChargerState) Commit(d Decision, now time.Time) {
	if !d.Changed {
		return
	}
	s.Amps = d.Amps
	s.On = d.On
	s.LastChange = now
}
