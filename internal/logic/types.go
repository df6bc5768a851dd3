// Package logic contains the pure measurement phase state machine.
// This package has NO external dependencies (no sockets, timers, HTTP or OS).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase is one stage of the acquisition sequence.
type Phase string

const (
	PhaseTemperature Phase = "TEMPERATURE"
	PhasePulse       Phase = "PULSE"
	PhaseAlcohol     Phase = "ALCOHOL"
	PhaseSubmit      Phase = "SUBMIT"
)

// IsNumeric reports whether the phase accumulates numeric readings.
func (p Phase) IsNumeric() bool {
	return p == PhaseTemperature || p == PhasePulse
}

// AlcoholLabel is the human-facing alcohol classification.
type AlcoholLabel string

const (
	AlcoholUndetermined AlcoholLabel = "undetermined"
	AlcoholSober        AlcoholLabel = "sober"
	AlcoholIntoxicated  AlcoholLabel = "intoxicated"
)

// ClassifyAlcohol maps the raw sensor classification to a label.
// "normal" is sober, anything else non-empty is intoxicated.
func ClassifyAlcohol(raw string) AlcoholLabel {
	switch raw {
	case "":
		return AlcoholUndetermined
	case "normal":
		return AlcoholSober
	default:
		return AlcoholIntoxicated
	}
}

// MaxStabilityTime is the number of accepted readings that satisfies a phase.
const MaxStabilityTime = 7

// DefaultPhaseTimeout is how long a phase may go without a qualifying reading.
const DefaultPhaseTimeout = 120 * time.Second

// Config fixes the phase order, stability threshold and per-phase timeout.
type Config struct {
	Sequence  []Phase
	Threshold int
	Timeout   time.Duration
}

// DefaultConfig returns TEMPERATURE, PULSE, ALCOHOL with threshold 7.
func DefaultConfig() Config {
	return Config{
		Sequence:  []Phase{PhaseTemperature, PhasePulse, PhaseAlcohol},
		Threshold: MaxStabilityTime,
		Timeout:   DefaultPhaseTimeout,
	}
}

// Validate checks that the sequence ends with exactly one ALCOHOL phase
// preceded by distinct numeric phases.
func (c Config) Validate() error {
	if len(c.Sequence) == 0 {
		return errors.New("phase sequence is empty")
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", c.Threshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	last := len(c.Sequence) - 1
	if c.Sequence[last] != PhaseAlcohol {
		return fmt.Errorf("last phase must be %s, got %s", PhaseAlcohol, c.Sequence[last])
	}
	seen := make(map[Phase]bool, len(c.Sequence))
	for _, p := range c.Sequence[:last] {
		if !p.IsNumeric() {
			return fmt.Errorf("phase %q cannot precede %s", p, PhaseAlcohol)
		}
		if seen[p] {
			return fmt.Errorf("phase %s listed twice", p)
		}
		seen[p] = true
	}
	return nil
}

// ParseSequence turns names like "temperature,pulse,alcohol" into phases.
func ParseSequence(names []string) ([]Phase, error) {
	out := make([]Phase, 0, len(names))
	for _, n := range names {
		switch p := Phase(strings.ToUpper(strings.TrimSpace(n))); p {
		case PhaseTemperature, PhasePulse, PhaseAlcohol:
			out = append(out, p)
		default:
			return nil, fmt.Errorf("unknown phase %q", n)
		}
	}
	return out, nil
}

// SensorEvent is one decoded sensor payload. Nil/empty fields were absent.
type SensorEvent struct {
	Temperature *float64
	Pulse       *float64
	Alcohol     string // raw classification, "" when absent
	Ready       bool   // sensorReady=true was present
}

// Readings holds the latest accepted value per phase.
type Readings struct {
	Temperature    float64
	HasTemperature bool
	Pulse          float64
	HasPulse       bool
	Alcohol        AlcoholLabel
}

// State is the lifecycle state of one flow instance.
type State string

const (
	StateActive     State = "ACTIVE"
	StateSubmitting State = "SUBMITTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// FailureReason explains a FAILED flow or a failed submission attempt.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureSensorTimeout FailureReason = "SENSOR_TIMEOUT"
	FailureNoSubject     FailureReason = "NO_SUBJECT"
	FailureSubmission    FailureReason = "SUBMISSION_FAILED"
	FailureCancelled     FailureReason = "CANCELLED"
)

// NotificationType identifies an outbound notification.
type NotificationType string

const (
	NotifyProgress        NotificationType = "PROGRESS"
	NotifyPhaseChanged    NotificationType = "PHASE_CHANGED"
	NotifySensorReady     NotificationType = "SENSOR_READY"
	NotifyCompletionReady NotificationType = "COMPLETION_READY"
	NotifySubmitting      NotificationType = "SUBMITTING"
	NotifySubmitFailed    NotificationType = "SUBMIT_FAILED"
	NotifyCompleted       NotificationType = "COMPLETED"
	NotifyFailed          NotificationType = "FAILED"
)

// Notification is emitted for every observable change of the controller.
type Notification struct {
	Timestamp time.Time
	Type      NotificationType
	Phase     Phase
	Reason    FailureReason
	Err       string
	Snapshot  Snapshot
}

// Snapshot is a point-in-time view of the controller.
// It is a value type; the Stability map is a private copy.
type Snapshot struct {
	Phase     Phase
	State     State
	Sequence  []Phase
	Stability map[Phase]int
	Threshold int
	Readings  Readings
	Ready     bool
	Deadline  time.Time // zero when no deadline is armed
	Countdown time.Duration
	Failure   FailureReason
}

// Progress returns the stability fraction of a phase clamped to [0,1].
func (s Snapshot) Progress(p Phase) float64 {
	if s.Threshold <= 0 {
		return 0
	}
	f := float64(s.Stability[p]) / float64(s.Threshold)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Percent returns Progress as an integer percentage saturating at 100.
func (s Snapshot) Percent(p Phase) int {
	return int(s.Progress(p)*100 + 0.5)
}
