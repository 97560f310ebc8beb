package governor

import "time"

// powerEntry is one (timestamp, battery power) observation.
type powerEntry struct {
	at    time.Time
	watts float64
}

// PowerWindow keeps a time-bounded sequence of battery power readings and
// reports their arithmetic mean. It backs the battery time estimates only;
// the excess power decision always uses the instantaneous sample.
type PowerWindow struct {
	span    time.Duration
	entries []powerEntry
}

// NewPowerWindow creates a window spanning the given duration.
func NewPowerWindow(span time.Duration) *PowerWindow {
	return &PowerWindow{span: span}
}

// Observe appends a reading and evicts entries older than the window.
func (w *PowerWindow) Observe(at time.Time, watts float64) {
	w.entries = append(w.entries, powerEntry{at: at, watts: watts})

	cutoff := at.Add(-w.span)
	keep := 0
	for keep < len(w.entries) && w.entries[keep].at.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		w.entries = append(w.entries[:0], w.entries[keep:]...)
	}
}

// Average returns the arithmetic mean of the retained readings, or zero when
// the window is empty.
func (w *PowerWindow) Average() float64 {
	if len(w.entries) == 0 {
		return 0
	}

	var sum float64
	for _, e := range w.entries {
		sum += e.watts
	}
	return sum / float64(len(w.entries))
}

// Len returns the number of retained readings.
func (w *PowerWindow) Len() int {
	return len(w.entries)
}
