package gpio

import (
	"errors"
	"sync"
)

// FakeButton is a test double that returns scripted levels.
type FakeButton struct {
	mu sync.Mutex

	// Levels contains scripted states; each Pressed call consumes one.
	// Once exhausted the last level repeats.
	Levels []bool

	index  int
	closed bool

	// ReadError, if set, will be returned by Pressed.
	ReadError error
}

// NewFakeButton creates a FakeButton with the given levels.
func NewFakeButton(levels ...bool) *FakeButton {
	return &FakeButton{Levels: levels}
}

// Pressed returns the next scripted level.
func (f *FakeButton) Pressed() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Levels) == 0 {
		return false, errors.New("no levels configured")
	}

	v := f.Levels[f.index]
	if f.index < len(f.Levels)-1 {
		f.index++
	}
	return v, nil
}

// Close marks the button as closed.
func (f *FakeButton) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeButton) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
