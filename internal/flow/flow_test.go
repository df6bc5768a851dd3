package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
	"github.com/kuatovakamila/track-facility-akimat/internal/sensor"
	"github.com/kuatovakamila/track-facility-akimat/internal/subject"
	"github.com/kuatovakamila/track-facility-akimat/internal/submit"
)

type recorder struct {
	mu    sync.Mutex
	ids   map[string]bool
	notes []logic.Notification
}

func (r *recorder) Notify(flowID string, n logic.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[string]bool)
	}
	r.ids[flowID] = true
	r.notes = append(r.notes, n)
}

func (r *recorder) count(t logic.NotificationType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) types() []logic.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]logic.NotificationType, 0, len(r.notes))
	for _, note := range r.notes {
		out = append(out, note.Type)
	}
	return out
}

type outcome struct {
	snap logic.Snapshot
	err  error
}

type harness struct {
	flow  *Flow
	src   *sensor.FakeSource
	ep    *submit.FakeEndpoint
	sink  *recorder
	opens int
	done  chan outcome
}

func newHarness(t *testing.T, cfg logic.Config, subjects subject.Provider) *harness {
	t.Helper()
	h := &harness{
		src:  sensor.NewFakeSource(),
		ep:   &submit.FakeEndpoint{},
		sink: &recorder{},
		done: make(chan outcome, 1),
	}
	f, err := New(cfg, Deps{
		Open:          sensor.FakeOpener(h.src, &h.opens),
		Endpoint:      h.ep,
		Subjects:      subjects,
		Sink:          h.sink,
		SubmitTimeout: time.Second,
	})
	require.NoError(t, err)
	h.flow = f
	require.NoError(t, h.flow.Open(context.Background()))
	t.Cleanup(func() { h.flow.Close() })
	return h
}

func (h *harness) run(ctx context.Context) {
	go func() {
		snap, err := h.flow.Run(ctx)
		h.done <- outcome{snap, err}
	}()
}

func (h *harness) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-h.done:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("flow did not finish")
	}
	return outcome{}
}

func (h *harness) pushTemps(n int) {
	for i := 0; i < n; i++ {
		h.src.Push(sensor.ChannelTemperature, sensor.EventTemperature(36.6))
	}
}

func (h *harness) pushPulses(n int) {
	for i := 0; i < n; i++ {
		h.src.Push(sensor.ChannelHeartbeat, sensor.EventPulse(72))
	}
}

func (h *harness) pushBreath(level string) {
	h.src.Push(sensor.ChannelSensor, sensor.EventReady())
	h.src.Push(sensor.ChannelAlcohol, sensor.EventAlcohol(level))
}

func fullConfig(timeout time.Duration) logic.Config {
	cfg := logic.DefaultConfig()
	cfg.Timeout = timeout
	return cfg
}

func TestFlowHappyPath(t *testing.T) {
	h := newHarness(t, fullConfig(2*time.Second), subject.Static("emp-1"))
	h.run(context.Background())

	h.pushTemps(7)
	h.pushPulses(7)
	h.pushBreath("normal")

	o := h.wait(t)
	require.NoError(t, o.err)
	assert.Equal(t, logic.StateCompleted, o.snap.State)

	recs := h.ep.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, 36.6, recs[0].TemperatureData)
	require.NotNil(t, recs[0].PulseData)
	assert.Equal(t, 72.0, *recs[0].PulseData)
	assert.Equal(t, "sober", recs[0].AlcoholData)
	assert.Equal(t, "emp-1", recs[0].SubjectID)
	assert.Equal(t, h.flow.ID(), recs[0].FlowID)

	assert.Equal(t, 2, h.sink.count(logic.NotifyPhaseChanged))
	assert.Equal(t, 1, h.sink.count(logic.NotifyCompletionReady))
	assert.Equal(t, 1, h.sink.count(logic.NotifySubmitting))
	assert.Equal(t, 1, h.sink.count(logic.NotifyCompleted))
	assert.Equal(t, 0, h.sink.count(logic.NotifyFailed))

	types := h.sink.types()
	assert.Equal(t, logic.NotifyCompleted, types[len(types)-1])
	assert.Len(t, h.sink.ids, 1)
}

func TestFlowSevenTemperaturesEnterPulse(t *testing.T) {
	h := newHarness(t, fullConfig(5*time.Second), subject.Static("emp"))
	h.run(context.Background())

	h.pushTemps(7)
	require.Eventually(t, func() bool {
		return h.flow.Snapshot().Phase == logic.PhasePulse
	}, 2*time.Second, 5*time.Millisecond)

	snap := h.flow.Snapshot()
	assert.Equal(t, 7, snap.Stability[logic.PhaseTemperature])
	assert.Equal(t, 0, snap.Stability[logic.PhasePulse])
	assert.Equal(t, 1, h.sink.count(logic.NotifyPhaseChanged))

	h.flow.Cancel()
	o := h.wait(t)
	assert.ErrorIs(t, o.err, ErrCancelled)
	assert.Equal(t, logic.FailureCancelled, o.snap.Failure)
}

func TestFlowTimeoutFailsOnce(t *testing.T) {
	h := newHarness(t, fullConfig(50*time.Millisecond), subject.Static("emp"))
	h.run(context.Background())

	o := h.wait(t)
	assert.ErrorIs(t, o.err, ErrSensorTimeout)
	assert.Equal(t, logic.StateFailed, o.snap.State)
	assert.Equal(t, logic.PhaseTemperature, o.snap.Phase)
	assert.Equal(t, 1, h.sink.count(logic.NotifyFailed))
	assert.Equal(t, 0, h.ep.Calls())
}

func TestFlowReadingsPostponeTimeout(t *testing.T) {
	h := newHarness(t, fullConfig(150*time.Millisecond), subject.Static("emp"))
	h.run(context.Background())

	// Two readings spaced under the timeout keep the phase alive past a
	// single window.
	for i := 0; i < 2; i++ {
		time.Sleep(100 * time.Millisecond)
		h.pushTemps(1)
	}

	select {
	case o := <-h.done:
		t.Fatalf("flow ended early: %v", o.err)
	case <-time.After(50 * time.Millisecond):
	}

	o := h.wait(t)
	assert.ErrorIs(t, o.err, ErrSensorTimeout)
	assert.Equal(t, 2, o.snap.Stability[logic.PhaseTemperature])
}

func TestFlowSubmissionFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, fullConfig(2*time.Second), subject.Static("emp"))
	h.ep.FailNext(errors.New("backend down"))
	h.run(context.Background())

	h.pushTemps(7)
	h.pushPulses(7)
	h.pushBreath("drunk")

	require.Eventually(t, func() bool {
		return h.sink.count(logic.NotifySubmitFailed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case o := <-h.done:
		t.Fatalf("flow ended after submission failure: %v", o.err)
	case <-time.After(50 * time.Millisecond):
	}
	snap := h.flow.Snapshot()
	assert.Equal(t, logic.StateActive, snap.State)
	assert.Equal(t, logic.PhaseSubmit, snap.Phase)

	h.flow.Complete()
	o := h.wait(t)
	require.NoError(t, o.err)
	assert.Equal(t, 2, h.ep.Calls())
	assert.Equal(t, "intoxicated", h.ep.Records()[1].AlcoholData)
}

func TestFlowSubmitsOnceDespiteRepeatedClassification(t *testing.T) {
	h := newHarness(t, fullConfig(2*time.Second), subject.Static("emp"))
	h.ep.Gate = make(chan struct{})
	h.run(context.Background())

	h.pushTemps(7)
	h.pushPulses(7)
	h.pushBreath("normal")
	for i := 0; i < 5; i++ {
		h.src.Push(sensor.ChannelAlcohol, sensor.EventAlcohol("abnormal"))
	}

	require.Eventually(t, func() bool {
		return h.flow.Snapshot().State == logic.StateSubmitting
	}, 2*time.Second, 5*time.Millisecond)
	h.flow.Complete()
	h.flow.Complete()

	h.ep.Gate <- struct{}{}
	o := h.wait(t)
	require.NoError(t, o.err)
	assert.Equal(t, 1, h.ep.Calls())
	assert.Equal(t, "sober", h.ep.Records()[0].AlcoholData)
	assert.Equal(t, 1, h.sink.count(logic.NotifySubmitting))
}

func TestFlowWithoutPulsePhase(t *testing.T) {
	cfg := logic.Config{
		Sequence:  []logic.Phase{logic.PhaseTemperature, logic.PhaseAlcohol},
		Threshold: 7,
		Timeout:   2 * time.Second,
	}
	h := newHarness(t, cfg, subject.Static("emp"))
	h.run(context.Background())

	h.pushTemps(7)
	h.pushBreath("normal")

	o := h.wait(t)
	require.NoError(t, o.err)
	recs := h.ep.Records()
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].PulseData)
}

func TestFlowNoSubjectFailsWithoutSubmitting(t *testing.T) {
	h := newHarness(t, fullConfig(2*time.Second), subject.Static(""))
	h.run(context.Background())

	h.pushTemps(7)
	h.pushPulses(7)
	h.pushBreath("normal")

	o := h.wait(t)
	assert.ErrorIs(t, o.err, ErrNoSubject)
	assert.Equal(t, logic.FailureNoSubject, o.snap.Failure)
	assert.Equal(t, 0, h.ep.Calls())
}

func TestFlowCancelDuringSubmission(t *testing.T) {
	h := newHarness(t, fullConfig(2*time.Second), subject.Static("emp"))
	h.ep.Gate = make(chan struct{})
	h.run(context.Background())

	h.pushTemps(7)
	h.pushPulses(7)
	h.pushBreath("normal")

	require.Eventually(t, func() bool {
		return h.flow.Snapshot().State == logic.StateSubmitting
	}, 2*time.Second, 5*time.Millisecond)

	h.flow.Cancel()
	o := h.wait(t)
	assert.ErrorIs(t, o.err, ErrCancelled)
	assert.Equal(t, 0, h.ep.Calls())
}

func TestFlowContextCancel(t *testing.T) {
	h := newHarness(t, fullConfig(5*time.Second), subject.Static("emp"))
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)

	cancel()
	o := h.wait(t)
	assert.ErrorIs(t, o.err, ErrCancelled)
}

func TestFlowSourceStoppedStillTimesOut(t *testing.T) {
	h := newHarness(t, fullConfig(80*time.Millisecond), subject.Static("emp"))
	h.run(context.Background())

	h.src.Stop(errors.New("connection reset"))
	o := h.wait(t)
	assert.ErrorIs(t, o.err, ErrSensorTimeout)
}

func TestFlowOpensSourceOnce(t *testing.T) {
	h := newHarness(t, fullConfig(time.Second), subject.Static("emp"))

	err := h.flow.Open(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	assert.Equal(t, 1, h.opens)
}

func TestFlowCloseDetachesSource(t *testing.T) {
	h := newHarness(t, fullConfig(50*time.Millisecond), subject.Static("emp"))
	h.run(context.Background())
	h.wait(t)

	require.NoError(t, h.flow.Close())
	require.NoError(t, h.flow.Close())
	assert.True(t, h.src.IsClosed())
}

func TestFlowRunBeforeOpen(t *testing.T) {
	f, err := New(fullConfig(time.Second), Deps{})
	require.NoError(t, err)
	_, err = f.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestFlowOpenError(t *testing.T) {
	boom := errors.New("station offline")
	f, err := New(fullConfig(time.Second), Deps{
		Open: func(context.Context) (sensor.Source, error) { return nil, boom },
	})
	require.NoError(t, err)
	assert.ErrorIs(t, f.Open(context.Background()), boom)
}

func TestFlowInitialSnapshot(t *testing.T) {
	f, err := New(fullConfig(time.Second), Deps{})
	require.NoError(t, err)
	snap := f.Snapshot()
	assert.Equal(t, logic.PhaseTemperature, snap.Phase)
	assert.Equal(t, logic.StateActive, snap.State)
	assert.NotEmpty(t, f.ID())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	opens := 0
	cfg := fullConfig(time.Second)
	cfg.Threshold = 0
	f, err := New(cfg, Deps{Open: sensor.FakeOpener(sensor.NewFakeSource(), &opens)})
	require.Error(t, err)
	assert.Nil(t, f)
	assert.Contains(t, err.Error(), "threshold")
	assert.Zero(t, opens)

	cfg = fullConfig(time.Second)
	cfg.Sequence = []logic.Phase{logic.PhaseAlcohol, logic.PhaseTemperature}
	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}

func TestSinksFanOut(t *testing.T) {
	var a, b int
	s := Sinks{
		SinkFunc(func(string, logic.Notification) { a++ }),
		nil,
		SinkFunc(func(string, logic.Notification) { b++ }),
	}
	s.Notify("id", logic.Notification{})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}
