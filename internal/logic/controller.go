package logic

import (
	"errors"
	"time"
)

var (
	// ErrNotReady means the last phase is not yet satisfied.
	ErrNotReady = errors.New("acquisition not complete")
	// ErrSubmitInFlight means a submission attempt is already running.
	ErrSubmitInFlight = errors.New("submission already in flight")
	// ErrFlowOver means the flow already reached a terminal state.
	ErrFlowOver = errors.New("flow already finished")
)

// Controller drives the phase sequence for one flow instance.
// Not safe for concurrent use; the owner serializes all calls.
type Controller struct {
	cfg        Config
	phaseIdx   int
	phase      Phase
	state      State
	failure    FailureReason
	stability  map[Phase]int
	readings   Readings
	ready      bool
	classified bool
	deadline   time.Time
	armed      bool
	timedOut   map[Phase]bool
}

// NewController creates a controller in the first configured phase with
// its deadline armed from now.
func NewController(cfg Config, now time.Time) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		phase:     cfg.Sequence[0],
		state:     StateActive,
		stability: make(map[Phase]int, len(cfg.Sequence)),
		readings:  Readings{Alcohol: AlcoholUndetermined},
		timedOut:  make(map[Phase]bool, len(cfg.Sequence)),
	}
	c.arm(now)
	return c, nil
}

// Phase returns the active phase.
func (c *Controller) Phase() Phase {
	return c.phase
}

// State returns the flow state.
func (c *Controller) State() State {
	return c.state
}

// Done reports whether the flow reached a terminal state.
func (c *Controller) Done() bool {
	return c.state.Terminal()
}

// Deadline returns the armed deadline of the active phase.
func (c *Controller) Deadline() (time.Time, bool) {
	return c.deadline, c.armed
}

// Readings returns the latest accepted readings.
func (c *Controller) Readings() Readings {
	return c.readings
}

// HandleEvent applies one sensor payload. Only the field belonging to the
// phase active on arrival is considered; readiness is latched regardless.
func (c *Controller) HandleEvent(ev SensorEvent, now time.Time) []Notification {
	if c.state != StateActive {
		return nil
	}

	var out []Notification
	active := c.phase

	if ev.Ready && !c.ready {
		c.ready = true
		if active == PhaseAlcohol {
			// Warm-up just finished; give the subject a full window to blow.
			c.arm(now)
		}
		out = append(out, c.notify(NotifySensorReady, now))
	}

	switch active {
	case PhaseTemperature:
		if ev.Temperature != nil {
			c.readings.Temperature = *ev.Temperature
			c.readings.HasTemperature = true
			out = append(out, c.accept(now)...)
		}
	case PhasePulse:
		if ev.Pulse != nil {
			c.readings.Pulse = *ev.Pulse
			c.readings.HasPulse = true
			out = append(out, c.accept(now)...)
		}
	case PhaseAlcohol:
		if ev.Alcohol != "" && c.ready && !c.classified {
			c.classified = true
			c.readings.Alcohol = ClassifyAlcohol(ev.Alcohol)
			c.stability[PhaseAlcohol] = c.cfg.Threshold
			c.arm(now)
			out = append(out,
				c.notify(NotifyProgress, now),
				c.notify(NotifyCompletionReady, now),
			)
		}
	}

	return out
}

// accept counts one numeric reading for the active phase and advances
// when the threshold is reached.
func (c *Controller) accept(now time.Time) []Notification {
	n := c.stability[c.phase] + 1
	if n > c.cfg.Threshold {
		n = c.cfg.Threshold
	}
	c.stability[c.phase] = n
	c.arm(now)

	out := []Notification{c.notify(NotifyProgress, now)}
	if n < c.cfg.Threshold {
		return out
	}

	c.phaseIdx++
	c.phase = c.cfg.Sequence[c.phaseIdx]
	c.stability[c.phase] = 0
	c.arm(now)
	return append(out, c.notify(NotifyPhaseChanged, now))
}

// Timeout declares the given phase failed if it is still the active one
// and has not already timed out.
func (c *Controller) Timeout(phase Phase, now time.Time) []Notification {
	if c.state != StateActive || phase != c.phase || c.timedOut[phase] {
		return nil
	}
	c.timedOut[phase] = true
	return c.fail(FailureSensorTimeout, "", now)
}

// CheckTimeout fires Timeout for the active phase once its deadline passed.
func (c *Controller) CheckTimeout(now time.Time) []Notification {
	if !c.armed || now.Before(c.deadline) {
		return nil
	}
	return c.Timeout(c.phase, now)
}

// Satisfied reports whether complete() preconditions hold.
func (c *Controller) Satisfied() bool {
	switch {
	case c.state != StateActive:
		return false
	case c.phase == PhaseSubmit:
		return true
	case c.phase == PhaseAlcohol:
		return c.classified && c.stability[PhaseAlcohol] >= c.cfg.Threshold
	default:
		return false
	}
}

// BeginSubmit takes the submission latch, cancels the phase deadline and
// returns the readings to submit.
func (c *Controller) BeginSubmit(now time.Time) (Readings, []Notification, error) {
	switch {
	case c.state.Terminal():
		return Readings{}, nil, ErrFlowOver
	case c.state == StateSubmitting:
		return Readings{}, nil, ErrSubmitInFlight
	case !c.Satisfied():
		return Readings{}, nil, ErrNotReady
	}
	c.state = StateSubmitting
	c.phase = PhaseSubmit
	c.disarm()
	return c.readings, []Notification{c.notify(NotifySubmitting, now)}, nil
}

// SubmitFailed releases the submission latch so complete() may be retried.
func (c *Controller) SubmitFailed(err error, now time.Time) []Notification {
	if c.state != StateSubmitting {
		return nil
	}
	c.state = StateActive
	n := c.notify(NotifySubmitFailed, now)
	n.Reason = FailureSubmission
	if err != nil {
		n.Err = err.Error()
	}
	return []Notification{n}
}

// SubmitSucceeded ends the flow successfully.
func (c *Controller) SubmitSucceeded(now time.Time) []Notification {
	if c.state != StateSubmitting {
		return nil
	}
	c.state = StateCompleted
	return []Notification{c.notify(NotifyCompleted, now)}
}

// Fail ends the flow with the given reason. Repeated calls are no-ops.
func (c *Controller) Fail(reason FailureReason, err error, now time.Time) []Notification {
	if c.state.Terminal() {
		return nil
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return c.fail(reason, msg, now)
}

func (c *Controller) fail(reason FailureReason, msg string, now time.Time) []Notification {
	c.state = StateFailed
	c.failure = reason
	c.disarm()
	n := c.notify(NotifyFailed, now)
	n.Reason = reason
	n.Err = msg
	return []Notification{n}
}

func (c *Controller) arm(now time.Time) {
	c.deadline = now.Add(c.cfg.Timeout)
	c.armed = true
}

func (c *Controller) disarm() {
	c.deadline = time.Time{}
	c.armed = false
}

func (c *Controller) notify(t NotificationType, now time.Time) Notification {
	return Notification{
		Timestamp: now,
		Type:      t,
		Phase:     c.phase,
		Snapshot:  c.Snapshot(now),
	}
}

// Snapshot returns a copy of the controller state. Countdown is only
// reported for the alcohol phase once the sensor is ready.
func (c *Controller) Snapshot(now time.Time) Snapshot {
	stab := make(map[Phase]int, len(c.stability))
	for p, n := range c.stability {
		stab[p] = n
	}
	seq := make([]Phase, len(c.cfg.Sequence))
	copy(seq, c.cfg.Sequence)

	s := Snapshot{
		Phase:     c.phase,
		State:     c.state,
		Sequence:  seq,
		Stability: stab,
		Threshold: c.cfg.Threshold,
		Readings:  c.readings,
		Ready:     c.ready,
		Failure:   c.failure,
	}
	if c.armed {
		s.Deadline = c.deadline
		if c.phase != PhaseAlcohol || c.ready {
			if d := c.deadline.Sub(now); d > 0 {
				s.Countdown = d
			}
		}
	}
	return s
}
