package status

import (
	"encoding/json"
	"time"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	KioskID       string       `json:"kiosk_id"`
	State         string       `json:"state"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Flow          *FlowJSON    `json:"flow,omitempty"`
	LastFlow      *OutcomeJSON `json:"last_flow,omitempty"`
	Counts        CountsJSON   `json:"flow_counts"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// FlowJSON is the JSON representation of a flow snapshot.
type FlowJSON struct {
	ID               string         `json:"id,omitempty"`
	Phase            string         `json:"phase"`
	State            string         `json:"state"`
	Sequence         []string       `json:"sequence"`
	Progress         map[string]int `json:"progress"`
	Threshold        int            `json:"threshold"`
	SensorReady      bool           `json:"sensor_ready"`
	CountdownSeconds int64          `json:"countdown_seconds"`
	Readings         ReadingsJSON   `json:"readings"`
	Failure          string         `json:"failure,omitempty"`
}

// ReadingsJSON holds the latest accepted readings.
type ReadingsJSON struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Pulse       *float64 `json:"pulse,omitempty"`
	Alcohol     string   `json:"alcohol"`
}

// OutcomeJSON describes the last finished flow.
type OutcomeJSON struct {
	ID         string       `json:"id"`
	State      string       `json:"state"`
	Failure    string       `json:"failure,omitempty"`
	Readings   ReadingsJSON `json:"readings"`
	FinishedAt string       `json:"finished_at"`
}

// CountsJSON is the JSON representation of flow counts.
type CountsJSON struct {
	Started        int `json:"started"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	Timeouts       int `json:"timeouts"`
	NoSubject      int `json:"no_subject"`
	Cancelled      int `json:"cancelled"`
	SubmitFailures int `json:"submit_failures"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Transport   string   `json:"transport"`
	Endpoint    string   `json:"endpoint"`
	Sequence    []string `json:"sequence"`
	Threshold   int      `json:"threshold"`
	TimeoutMs   int64    `json:"timeout_ms"`
	HeartbeatMs int64    `json:"heartbeat_ms"`
	Broker      string   `json:"broker"`
	HTTPAddr    string   `json:"http_addr"`
}

// NotificationJSON is the wire form of one flow notification, shared by the
// MQTT publisher and the browser push.
type NotificationJSON struct {
	Type      string   `json:"type"`
	FlowID    string   `json:"flow_id"`
	Timestamp string   `json:"timestamp"`
	Phase     string   `json:"phase"`
	Reason    string   `json:"reason,omitempty"`
	Error     string   `json:"error,omitempty"`
	Flow      FlowJSON `json:"flow"`
}

func phaseNames(ps []logic.Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func buildReadings(r logic.Readings) ReadingsJSON {
	out := ReadingsJSON{Alcohol: string(r.Alcohol)}
	if r.HasTemperature {
		v := r.Temperature
		out.Temperature = &v
	}
	if r.HasPulse {
		v := r.Pulse
		out.Pulse = &v
	}
	return out
}

// BuildFlow converts a flow snapshot into its JSON form.
func BuildFlow(id string, snap logic.Snapshot) FlowJSON {
	progress := make(map[string]int, len(snap.Sequence))
	for _, p := range snap.Sequence {
		progress[string(p)] = snap.Percent(p)
	}
	return FlowJSON{
		ID:               id,
		Phase:            string(snap.Phase),
		State:            string(snap.State),
		Sequence:         phaseNames(snap.Sequence),
		Progress:         progress,
		Threshold:        snap.Threshold,
		SensorReady:      snap.Ready,
		CountdownSeconds: int64(snap.Countdown.Round(time.Second).Seconds()),
		Readings:         buildReadings(snap.Readings),
		Failure:          string(snap.Failure),
	}
}

// BuildInner converts a tracker snapshot into its JSON view.
func BuildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		KioskID:       snap.Config.KioskID,
		State:         string(snap.State),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Started:        snap.Counts.Started,
			Completed:      snap.Counts.Completed,
			Failed:         snap.Counts.Failed,
			Timeouts:       snap.Counts.Timeouts,
			NoSubject:      snap.Counts.NoSubject,
			Cancelled:      snap.Counts.Cancelled,
			SubmitFailures: snap.Counts.SubmitFailures,
		},
		Config: ConfigJSON{
			Transport:   snap.Config.Transport,
			Endpoint:    snap.Config.Endpoint,
			Sequence:    phaseNames(snap.Config.Sequence),
			Threshold:   snap.Config.Threshold,
			TimeoutMs:   snap.Config.TimeoutMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
	if inner.State == "" {
		inner.State = string(KioskIdle)
	}
	if snap.Flow != nil {
		f := BuildFlow(snap.FlowID, *snap.Flow)
		inner.Flow = &f
	}
	if snap.Last != nil {
		inner.LastFlow = &OutcomeJSON{
			ID:         snap.Last.FlowID,
			State:      string(snap.Last.State),
			Failure:    string(snap.Last.Failure),
			Readings:   buildReadings(snap.Last.Readings),
			FinishedAt: snap.Last.FinishedAt.UTC().Format(time.RFC3339),
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: BuildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := BuildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatNotification returns the JSON form of a flow notification.
func FormatNotification(flowID string, n logic.Notification) []byte {
	data, _ := json.Marshal(NotificationJSON{
		Type:      string(n.Type),
		FlowID:    flowID,
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
		Phase:     string(n.Phase),
		Reason:    string(n.Reason),
		Error:     n.Err,
		Flow:      BuildFlow(flowID, n.Snapshot),
	})
	return data
}
