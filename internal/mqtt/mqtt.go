// Package mqtt publishes flow notifications and kiosk lifecycle events,
// with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
	"github.com/kuatovakamila/track-facility-akimat/internal/status"
)

// DefaultTopicPrefix is the root under which every kiosk publishes.
const DefaultTopicPrefix = "facility/kiosk"

// Topics holds the per-kiosk topic names.
type Topics struct {
	Flow   string // flow notifications
	System string // lifecycle events
}

// TopicsFor builds the topics for kioskID under prefix.
func TopicsFor(prefix, kioskID string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	base := fmt.Sprintf("%s/%s", strings.TrimRight(prefix, "/"), kioskID)
	return Topics{
		Flow:   base + "/flow",
		System: base + "/system",
	}
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishNotification sends one flow notification.
	// Returns error if publishing fails (should not crash the process).
	PublishNotification(flowID string, n logic.Notification) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// FormatPayload creates the JSON payload for a flow notification.
func FormatPayload(flowID string, n logic.Notification) []byte {
	return status.FormatNotification(flowID, n)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
