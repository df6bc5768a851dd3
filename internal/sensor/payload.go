package sensor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// Known event channels published by the station firmware.
const (
	ChannelTemperature = "temperature"
	ChannelHeartbeat   = "heartbeat"
	ChannelAlcohol     = "alcohol"
	ChannelSensor      = "sensor"
)

// Channels lists every channel a source subscribes to.
var Channels = []string{ChannelTemperature, ChannelHeartbeat, ChannelAlcohol, ChannelSensor}

// KnownChannel reports whether name is one of Channels.
func KnownChannel(name string) bool {
	for _, c := range Channels {
		if c == name {
			return true
		}
	}
	return false
}

// Number is a loosely typed numeric field. Strings and JSON numbers are
// both accepted; anything unparseable becomes 0 rather than an error.
type Number struct {
	Value float64
	Valid bool // field was present and not null
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*n = Number{}
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

// Flag is a loosely typed boolean: true, "true" and "1" are true.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	switch strings.ToLower(s) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

// Label is a loosely typed string field. Anything other than a JSON string
// is treated as absent.
type Label string

// UnmarshalJSON implements json.Unmarshaler.
func (l *Label) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*l = ""
		return nil
	}
	*l = Label(strings.TrimSpace(s))
	return nil
}

// Payload is the body of a sensor event.
type Payload struct {
	Temperature  Number `json:"temperature"`
	Pulse        Number `json:"pulse"`
	AlcoholLevel Label  `json:"alcoholLevel"`
	SensorReady  Flag   `json:"sensorReady"`
}

// Event converts the payload into the controller's event type.
func (p Payload) Event() logic.SensorEvent {
	var ev logic.SensorEvent
	if p.Temperature.Valid {
		v := p.Temperature.Value
		ev.Temperature = &v
	}
	if p.Pulse.Valid {
		v := p.Pulse.Value
		ev.Pulse = &v
	}
	ev.Alcohol = string(p.AlcoholLevel)
	ev.Ready = bool(p.SensorReady)
	return ev
}

// DecodePayload parses a raw payload body.
func DecodePayload(data []byte) (logic.SensorEvent, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return logic.SensorEvent{}, fmt.Errorf("decode payload: %w", err)
	}
	return p.Event(), nil
}

// Envelope is the frame used on socket transports.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a socket frame into its channel and event.
func DecodeEnvelope(frame []byte) (string, logic.SensorEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", logic.SensorEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return "", logic.SensorEvent{}, fmt.Errorf("decode envelope: missing event name")
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return env.Event, logic.SensorEvent{}, nil
	}
	ev, err := DecodePayload(data)
	if err != nil {
		return env.Event, logic.SensorEvent{}, err
	}
	return env.Event, ev, nil
}

// EncodeEnvelope builds a socket frame. Used by simulators and tests.
func EncodeEnvelope(channel string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: channel, Data: data})
}
