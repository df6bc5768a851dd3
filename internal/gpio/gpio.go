// Package gpio provides the kiosk start button with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "time"

// Button reads the start button.
type Button interface {
	// Pressed returns the logical button state.
	Pressed() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// PinStart is the default start button line (BCM numbering).
const PinStart = 17

// DefaultDebounce is how long a level must hold before it counts.
const DefaultDebounce = 50 * time.Millisecond

// Edge turns polled button levels into debounced press events.
// Not safe for concurrent use.
type Edge struct {
	debounce time.Duration

	stable    bool // debounced level
	candidate bool
	since     time.Time
	seeded    bool
}

// NewEdge creates a detector. The first sample seeds the stable level so a
// button held during startup does not fire.
func NewEdge(debounce time.Duration) *Edge {
	return &Edge{debounce: debounce}
}

// Sample feeds one polled level and reports a press: the debounced level
// going from released to pressed.
func (e *Edge) Sample(pressed bool, now time.Time) bool {
	if !e.seeded {
		e.seeded = true
		e.stable = pressed
		e.candidate = pressed
		e.since = now
		return false
	}

	if pressed != e.candidate {
		e.candidate = pressed
		e.since = now
	}
	if e.candidate == e.stable || now.Sub(e.since) < e.debounce {
		return false
	}

	e.stable = e.candidate
	return e.stable
}
