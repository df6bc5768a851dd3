package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// FakeSource is a test double that delivers scripted messages.
type FakeSource struct {
	mu       sync.Mutex
	messages chan Message
	closed   bool

	// Closed tracks if Close was called.
	Closed bool

	// StopErr, if set, is returned by Err.
	StopErr error
}

// NewFakeSource creates an open FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{messages: make(chan Message, messageBuffer)}
}

// Push delivers an event on channel. Pushes after Close are dropped.
func (f *FakeSource) Push(channel string, ev logic.SensorEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.messages <- Message{Channel: channel, Event: ev, Received: time.Now()}
}

// Stop closes the message channel as if the connection dropped.
func (f *FakeSource) Stop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.StopErr = err
	f.closed = true
	close(f.messages)
}

// Messages implements Source.
func (f *FakeSource) Messages() <-chan Message {
	return f.messages
}

// Err implements Source.
func (f *FakeSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StopErr
}

// Close implements Source.
func (f *FakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	if !f.closed {
		f.closed = true
		close(f.messages)
	}
	return nil
}

// IsClosed reports whether Close was called.
func (f *FakeSource) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}

// FakeOpener returns an Opener that hands out src and counts opens.
func FakeOpener(src *FakeSource, opens *int) Opener {
	var mu sync.Mutex
	return func(ctx context.Context) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		if opens != nil {
			*opens++
		}
		return src, nil
	}
}

// EventTemperature builds a temperature-only event.
func EventTemperature(v float64) logic.SensorEvent {
	return logic.SensorEvent{Temperature: &v}
}

// EventPulse builds a pulse-only event.
func EventPulse(v float64) logic.SensorEvent {
	return logic.SensorEvent{Pulse: &v}
}

// EventAlcohol builds an alcohol reading event.
func EventAlcohol(level string) logic.SensorEvent {
	return logic.SensorEvent{Alcohol: level}
}

// EventReady builds a sensor readiness event.
func EventReady() logic.SensorEvent {
	return logic.SensorEvent{Ready: true}
}
