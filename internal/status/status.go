// Package status provides a thread-safe status tracker for the kiosk daemon.
// It is read by HTTP handlers and by the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// KioskState is the top-level kiosk state.
type KioskState string

const (
	KioskIdle      KioskState = "IDLE"
	KioskMeasuring KioskState = "MEASURING"
)

// Config contains daemon configuration for display.
type Config struct {
	KioskID     string
	Transport   string
	Endpoint    string
	Sequence    []logic.Phase
	Threshold   int
	TimeoutMs   int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
}

// Counts are lifetime flow counters.
type Counts struct {
	Started        int
	Completed      int
	Failed         int
	Timeouts       int
	NoSubject      int
	Cancelled      int
	SubmitFailures int
}

// Outcome describes the last finished flow.
type Outcome struct {
	FlowID     string
	State      logic.State
	Failure    logic.FailureReason
	Readings   logic.Readings
	FinishedAt time.Time
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	State         KioskState
	FlowID        string
	Flow          *logic.Snapshot // nil while idle
	Last          *Outcome
	Counts        Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates an idle Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			State:     KioskIdle,
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// FlowStarted marks the kiosk as measuring.
func (t *Tracker) FlowStarted(flowID string, snap logic.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.State = KioskMeasuring
	t.snap.FlowID = flowID
	t.snap.Flow = &snap
	t.snap.Counts.Started++
}

// Notify records a flow notification. It satisfies flow.Sink.
// Notifications for a flow other than the current one are ignored.
func (t *Tracker) Notify(flowID string, n logic.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if flowID != t.snap.FlowID || t.snap.State != KioskMeasuring {
		return
	}

	snap := n.Snapshot
	t.snap.Flow = &snap

	switch n.Type {
	case logic.NotifySubmitFailed:
		t.snap.Counts.SubmitFailures++
	case logic.NotifyCompleted:
		t.snap.Counts.Completed++
		t.finish(flowID, n)
	case logic.NotifyFailed:
		t.snap.Counts.Failed++
		switch n.Reason {
		case logic.FailureSensorTimeout:
			t.snap.Counts.Timeouts++
		case logic.FailureNoSubject:
			t.snap.Counts.NoSubject++
		case logic.FailureCancelled:
			t.snap.Counts.Cancelled++
		}
		t.finish(flowID, n)
	}
}

func (t *Tracker) finish(flowID string, n logic.Notification) {
	t.snap.Last = &Outcome{
		FlowID:     flowID,
		State:      n.Snapshot.State,
		Failure:    n.Snapshot.Failure,
		Readings:   n.Snapshot.Readings,
		FinishedAt: n.Timestamp,
	}
	t.snap.State = KioskIdle
	t.snap.FlowID = ""
	t.snap.Flow = nil
}

// FlowEnded returns the kiosk to idle if flowID is still current. It covers
// flows that ended without a terminal notification, e.g. when Open failed.
func (t *Tracker) FlowEnded(flowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.FlowID != flowID {
		return
	}
	t.snap.State = KioskIdle
	t.snap.FlowID = ""
	t.snap.Flow = nil
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s.Flow != nil {
		f := *s.Flow
		s.Flow = &f
	}
	if s.Last != nil {
		l := *s.Last
		s.Last = &l
	}
	s.Now = t.now()
	return s
}
