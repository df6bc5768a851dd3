package submit

import (
	"context"
	"sync"
)

// FakeEndpoint records submissions for tests.
type FakeEndpoint struct {
	mu      sync.Mutex
	records []Record
	errs    []error

	// Gate, if set, blocks each Submit until a value is received.
	Gate chan struct{}
}

// FailNext makes the next len(errs) calls return these errors in order.
func (f *FakeEndpoint) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

// Submit implements Endpoint.
func (f *FakeEndpoint) Submit(ctx context.Context, rec Record) error {
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

// Records returns a copy of every submitted record, failed ones included.
func (f *FakeEndpoint) Records() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, len(f.records))
	copy(out, f.records)
	return out
}

// Calls returns the number of Submit calls that got past the gate.
func (f *FakeEndpoint) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
