// Package flow runs one measurement flow: it owns the phase controller,
// the sensor subscription, the phase deadline timer and the submission
// attempt, and serializes all of them through a single loop.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
	"github.com/kuatovakamila/track-facility-akimat/internal/sensor"
	"github.com/kuatovakamila/track-facility-akimat/internal/subject"
	"github.com/kuatovakamila/track-facility-akimat/internal/submit"
)

var (
	// ErrAlreadyOpen is returned by a second Open call.
	ErrAlreadyOpen = errors.New("flow already opened")
	// ErrNotOpen is returned by Run before Open.
	ErrNotOpen = errors.New("flow not opened")
	// ErrSensorTimeout ends a flow whose active phase saw no qualifying reading in time.
	ErrSensorTimeout = errors.New("sensor timeout")
	// ErrNoSubject ends a flow when no subject identifier could be obtained.
	ErrNoSubject = errors.New("no subject identifier")
	// ErrCancelled ends a flow cancelled by the operator or the caller's context.
	ErrCancelled = errors.New("flow cancelled")
)

// DefaultSubmitTimeout bounds one submission attempt.
const DefaultSubmitTimeout = 30 * time.Second

// Sink receives every notification of a flow, in order, from the flow loop.
// Implementations must not block.
type Sink interface {
	Notify(flowID string, n logic.Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(flowID string, n logic.Notification)

// Notify implements Sink.
func (f SinkFunc) Notify(flowID string, n logic.Notification) {
	f(flowID, n)
}

// Sinks fans a notification out to several sinks.
type Sinks []Sink

// Notify implements Sink.
func (s Sinks) Notify(flowID string, n logic.Notification) {
	for _, sink := range s {
		if sink != nil {
			sink.Notify(flowID, n)
		}
	}
}

// Deps are the collaborators of a flow.
type Deps struct {
	Open          sensor.Opener
	Endpoint      submit.Endpoint
	Subjects      subject.Provider
	Sink          Sink
	Logger        *zap.Logger
	Now           func() time.Time
	SubmitTimeout time.Duration
}

type submitResult struct {
	err       error
	noSubject bool
}

// Flow is one measurement run. Create with New, then Open, Run and Close.
type Flow struct {
	id     string
	deps   Deps
	ctrl   *logic.Controller
	logger *zap.Logger

	openMu sync.Mutex
	opened bool
	src    sensor.Source

	snapMu sync.RWMutex
	snap   logic.Snapshot

	completeReq chan struct{}
	cancelReq   chan struct{}
	results     chan submitResult

	// owned by the loop
	submitCancel context.CancelFunc

	closeOnce sync.Once
}

// New creates a flow. It fails if cfg does not validate.
func New(cfg logic.Config, deps Deps) (*Flow, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.SubmitTimeout <= 0 {
		deps.SubmitTimeout = DefaultSubmitTimeout
	}
	if deps.Subjects == nil {
		deps.Subjects = subject.Chain{}
	}

	ctrl, err := logic.NewController(cfg, deps.Now())
	if err != nil {
		return nil, fmt.Errorf("flow config: %w", err)
	}
	id := uuid.New().String()
	f := &Flow{
		id:          id,
		deps:        deps,
		ctrl:        ctrl,
		logger:      deps.Logger.With(zap.String("flow_id", id)),
		completeReq: make(chan struct{}, 1),
		cancelReq:   make(chan struct{}, 1),
		results:     make(chan submitResult, 1),
	}
	f.snap = ctrl.Snapshot(deps.Now())
	return f, nil
}

// ID returns the flow identifier.
func (f *Flow) ID() string {
	return f.id
}

// Open establishes the sensor subscription. It succeeds at most once.
func (f *Flow) Open(ctx context.Context) error {
	f.openMu.Lock()
	defer f.openMu.Unlock()
	if f.opened {
		return ErrAlreadyOpen
	}
	if f.deps.Open == nil {
		return fmt.Errorf("open sensor source: no opener configured")
	}
	src, err := f.deps.Open(ctx)
	if err != nil {
		return fmt.Errorf("open sensor source: %w", err)
	}
	f.opened = true
	f.src = src
	f.logger.Info("flow opened")
	return nil
}

// Close detaches the sensor source. Safe to call more than once.
func (f *Flow) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.openMu.Lock()
		src := f.src
		f.openMu.Unlock()
		if src != nil {
			err = src.Close()
		}
		f.logger.Debug("flow closed")
	})
	return err
}

// Complete asks the loop to submit. Ignored unless the final phase is satisfied.
func (f *Flow) Complete() {
	select {
	case f.completeReq <- struct{}{}:
	default:
	}
}

// Cancel asks the loop to abandon the flow.
func (f *Flow) Cancel() {
	select {
	case f.cancelReq <- struct{}{}:
	default:
	}
}

// Snapshot returns the latest published state.
func (f *Flow) Snapshot() logic.Snapshot {
	f.snapMu.RLock()
	defer f.snapMu.RUnlock()
	return f.snap
}

// Run drives the flow until it reaches a terminal state. It returns nil on
// success and one of ErrSensorTimeout, ErrNoSubject or ErrCancelled
// otherwise. A failed submission does not end Run: the flow waits for
// Complete to retry or Cancel to give up.
func (f *Flow) Run(ctx context.Context) (logic.Snapshot, error) {
	f.openMu.Lock()
	src := f.src
	f.openMu.Unlock()
	if src == nil {
		return f.Snapshot(), ErrNotOpen
	}

	f.logger.Info("flow started",
		zap.Any("sequence", f.ctrl.Snapshot(f.deps.Now()).Sequence),
	)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	f.resetTimer(timer)

	msgs := src.Messages()
	defer f.stopSubmission()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				f.logger.Warn("sensor source stopped", zap.Error(src.Err()))
				break
			}
			f.emit(f.ctrl.HandleEvent(msg.Event, f.deps.Now()))

		case <-timer.C:
			f.emit(f.ctrl.CheckTimeout(f.deps.Now()))

		case <-f.completeReq:
			f.complete()

		case <-f.cancelReq:
			f.emit(f.ctrl.Fail(logic.FailureCancelled, nil, f.deps.Now()))

		case res := <-f.results:
			f.submitCancel = nil
			f.handleResult(res)

		case <-ctx.Done():
			f.emit(f.ctrl.Fail(logic.FailureCancelled, ctx.Err(), f.deps.Now()))
		}

		if f.ctrl.Done() {
			return f.finish()
		}
		f.resetTimer(timer)
	}
}

func (f *Flow) finish() (logic.Snapshot, error) {
	snap := f.Snapshot()
	var err error
	switch snap.Failure {
	case logic.FailureNone:
	case logic.FailureSensorTimeout:
		err = ErrSensorTimeout
	case logic.FailureNoSubject:
		err = ErrNoSubject
	default:
		err = ErrCancelled
	}

	if err != nil {
		f.logger.Warn("flow failed", zap.String("reason", string(snap.Failure)), zap.String("phase", string(snap.Phase)))
	} else {
		r := snap.Readings
		f.logger.Info("flow completed",
			zap.Float64("temperature", r.Temperature),
			zap.Bool("has_pulse", r.HasPulse),
			zap.String("alcohol", string(r.Alcohol)),
		)
	}
	return snap, err
}

func (f *Flow) resetTimer(t *time.Timer) {
	t.Stop()
	deadline, armed := f.ctrl.Deadline()
	if !armed {
		return
	}
	d := deadline.Sub(f.deps.Now())
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

// emit publishes notifications in order. COMPLETION_READY triggers
// submission immediately.
func (f *Flow) emit(notes []logic.Notification) {
	for _, n := range notes {
		f.snapMu.Lock()
		f.snap = n.Snapshot
		f.snapMu.Unlock()

		f.log(n)
		if f.deps.Sink != nil {
			f.deps.Sink.Notify(f.id, n)
		}

		if n.Type == logic.NotifyCompletionReady {
			f.complete()
		}
	}
}

func (f *Flow) log(n logic.Notification) {
	switch n.Type {
	case logic.NotifyProgress:
		f.logger.Debug("reading accepted",
			zap.String("phase", string(n.Phase)),
			zap.Int("percent", n.Snapshot.Percent(n.Phase)),
		)
	case logic.NotifySubmitFailed:
		f.logger.Warn("submission failed", zap.String("error", n.Err))
	case logic.NotifyFailed, logic.NotifyCompleted:
		// logged by finish
	default:
		f.logger.Info("flow event",
			zap.String("type", string(n.Type)),
			zap.String("phase", string(n.Phase)),
		)
	}
}

// complete takes the submission latch and starts one attempt off-loop.
func (f *Flow) complete() {
	now := f.deps.Now()
	readings, notes, err := f.ctrl.BeginSubmit(now)
	if err != nil {
		f.logger.Debug("complete ignored", zap.Error(err))
		return
	}
	f.emit(notes)

	ctx, cancel := context.WithTimeout(context.Background(), f.deps.SubmitTimeout)
	f.submitCancel = cancel
	go func() {
		defer cancel()
		f.results <- f.attempt(ctx, readings)
	}()
}

func (f *Flow) attempt(ctx context.Context, readings logic.Readings) submitResult {
	id, err := f.deps.Subjects.SubjectID(ctx)
	if err != nil {
		return submitResult{err: err, noSubject: true}
	}
	if f.deps.Endpoint == nil {
		return submitResult{err: errors.New("no submission endpoint configured")}
	}
	rec := submit.NewRecord(readings, id, f.id)
	return submitResult{err: f.deps.Endpoint.Submit(ctx, rec)}
}

func (f *Flow) handleResult(res submitResult) {
	now := f.deps.Now()
	switch {
	case res.noSubject:
		f.emit(f.ctrl.Fail(logic.FailureNoSubject, res.err, now))
	case res.err != nil:
		f.emit(f.ctrl.SubmitFailed(res.err, now))
	default:
		f.emit(f.ctrl.SubmitSucceeded(now))
	}
}

// stopSubmission abandons an in-flight attempt when Run returns early.
func (f *Flow) stopSubmission() {
	if f.submitCancel != nil {
		f.submitCancel()
		f.submitCancel = nil
	}
}
