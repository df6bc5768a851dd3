package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kuatovakamila/track-facility-akimat/internal/flow"
	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
	"github.com/kuatovakamila/track-facility-akimat/internal/status"
	"github.com/kuatovakamila/track-facility-akimat/internal/subject"
	"github.com/kuatovakamila/track-facility-akimat/internal/web"
)

var errShuttingDown = errors.New("kiosk is shutting down")

// Kiosk runs at most one flow at a time and exposes start, complete and
// cancel to the HTTP server and the start button.
type Kiosk struct {
	cfg         logic.Config
	deps        flow.Deps
	subjects    subject.Provider
	tracker     *status.Tracker
	logger      *zap.Logger
	autoRestart time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  *flow.Flow
	starting bool // a flow is being opened
	closed   bool
}

// NewKiosk creates an idle kiosk. deps.Subjects is consulted after the
// subject id passed to StartFlow.
func NewKiosk(parent context.Context, cfg logic.Config, deps flow.Deps, tracker *status.Tracker, autoRestart time.Duration) *Kiosk {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Kiosk{
		cfg:         cfg,
		deps:        deps,
		subjects:    deps.Subjects,
		tracker:     tracker,
		logger:      deps.Logger.With(zap.String("component", "kiosk")),
		autoRestart: autoRestart,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// StartFlow opens a new flow. It fails with web.ErrBusy while one is
// running or being opened. The source is opened without holding the lock.
func (k *Kiosk) StartFlow(subjectID string) (string, error) {
	deps := k.deps
	deps.Subjects = subject.Chain{subject.Static(subjectID), k.subjects}
	f, err := flow.New(k.cfg, deps)
	if err != nil {
		k.logger.Error("failed to create flow", zap.Error(err))
		return "", err
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return "", errShuttingDown
	}
	if k.current != nil || k.starting {
		k.mu.Unlock()
		return "", web.ErrBusy
	}
	k.starting = true
	k.wg.Add(1)
	k.mu.Unlock()

	k.tracker.FlowStarted(f.ID(), f.Snapshot())
	err = f.Open(k.ctx)

	k.mu.Lock()
	k.starting = false
	if err == nil && k.closed {
		err = errShuttingDown
	}
	if err != nil {
		k.mu.Unlock()
		f.Close()
		k.tracker.FlowEnded(f.ID())
		k.wg.Done()
		k.logger.Error("failed to open flow", zap.Error(err))
		return "", err
	}
	k.current = f
	k.mu.Unlock()

	go k.run(f, subjectID)
	return f.ID(), nil
}

// CompleteFlow asks the current flow to submit.
func (k *Kiosk) CompleteFlow() error {
	f := k.Current()
	if f == nil {
		return web.ErrNoFlow
	}
	f.Complete()
	return nil
}

// CancelFlow abandons the current flow.
func (k *Kiosk) CancelFlow() error {
	f := k.Current()
	if f == nil {
		return web.ErrNoFlow
	}
	f.Cancel()
	return nil
}

// Press handles the start button: it starts a flow when idle, otherwise
// it retries submission of the current one.
func (k *Kiosk) Press() {
	if k.Current() != nil {
		_ = k.CompleteFlow()
		return
	}
	if _, err := k.StartFlow(""); err != nil && !errors.Is(err, web.ErrBusy) {
		k.logger.Warn("button start failed", zap.Error(err))
	}
}

// Current returns the running flow, or nil.
func (k *Kiosk) Current() *flow.Flow {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Shutdown cancels the running flow and waits for it to finish.
func (k *Kiosk) Shutdown() {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	k.cancel()
	k.wg.Wait()
}

func (k *Kiosk) run(f *flow.Flow, subjectID string) {
	defer k.wg.Done()

	_, err := f.Run(k.ctx)
	if cerr := f.Close(); cerr != nil {
		k.logger.Warn("failed to close sensor source", zap.Error(cerr))
	}
	k.tracker.FlowEnded(f.ID())

	k.mu.Lock()
	if k.current == f {
		k.current = nil
	}
	k.mu.Unlock()

	if err != nil {
		k.logger.Info("flow ended", zap.String("flow_id", f.ID()), zap.Error(err))
	}

	if k.autoRestart <= 0 {
		return
	}
	t := time.NewTimer(k.autoRestart)
	defer t.Stop()
	select {
	case <-k.ctx.Done():
		return
	case <-t.C:
	}
	if _, err := k.StartFlow(subjectID); err != nil && !errors.Is(err, web.ErrBusy) && !errors.Is(err, errShuttingDown) {
		k.logger.Warn("auto restart failed", zap.Error(err))
	}
}
