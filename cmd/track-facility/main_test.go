package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"

	"github.com/kuatovakamila/track-facility-akimat/internal/config"
	"github.com/kuatovakamila/track-facility-akimat/internal/flow"
	"github.com/kuatovakamila/track-facility-akimat/internal/gpio"
	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
	"github.com/kuatovakamila/track-facility-akimat/internal/mqtt"
	"github.com/kuatovakamila/track-facility-akimat/internal/sensor"
	"github.com/kuatovakamila/track-facility-akimat/internal/status"
	"github.com/kuatovakamila/track-facility-akimat/internal/subject"
	"github.com/kuatovakamila/track-facility-akimat/internal/submit"
	"github.com/kuatovakamila/track-facility-akimat/internal/web"
)

// sources hands out a fresh FakeSource per open. When gate is set, each
// open signals entered and waits for gate, like a slow dial.
type sources struct {
	mu   sync.Mutex
	all  []*sensor.FakeSource
	fail error

	gate    chan struct{}
	entered chan struct{}
}

func (s *sources) open(ctx context.Context) (sensor.Source, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	src := sensor.NewFakeSource()
	s.all = append(s.all, src)
	return src, nil
}

func (s *sources) opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

func (s *sources) get(i int) *sensor.FakeSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all[i]
}

type kioskHarness struct {
	kiosk   *Kiosk
	srcs    *sources
	ep      *submit.FakeEndpoint
	tracker *status.Tracker
}

func newKioskHarness(t *testing.T, timeout, autoRestart time.Duration, subjects subject.Provider) *kioskHarness {
	t.Helper()
	cfg := logic.DefaultConfig()
	cfg.Timeout = timeout

	h := &kioskHarness{
		srcs:    &sources{},
		ep:      &submit.FakeEndpoint{},
		tracker: status.NewTracker(time.Now(), status.Config{KioskID: "test"}),
	}
	h.kiosk = NewKiosk(context.Background(), cfg, flow.Deps{
		Open:          h.srcs.open,
		Endpoint:      h.ep,
		Subjects:      subjects,
		Sink:          h.tracker,
		SubmitTimeout: time.Second,
	}, h.tracker, autoRestart)
	t.Cleanup(h.kiosk.Shutdown)
	return h
}

func (h *kioskHarness) pushAll(src *sensor.FakeSource) {
	for i := 0; i < logic.MaxStabilityTime; i++ {
		src.Push(sensor.ChannelTemperature, sensor.EventTemperature(36.7))
	}
	for i := 0; i < logic.MaxStabilityTime; i++ {
		src.Push(sensor.ChannelHeartbeat, sensor.EventPulse(80))
	}
	src.Push(sensor.ChannelSensor, sensor.EventReady())
	src.Push(sensor.ChannelAlcohol, sensor.EventAlcohol("normal"))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *kioskHarness) idle() bool {
	return h.tracker.Snapshot().State == status.KioskIdle && h.kiosk.Current() == nil
}

// --- kiosk tests ---

func TestKioskHappyPath(t *testing.T) {
	h := newKioskHarness(t, 2*time.Second, 0, nil)

	id, err := h.kiosk.StartFlow("emp-9")
	if err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	if id == "" {
		t.Fatal("expected a flow id")
	}
	if got := h.tracker.Snapshot().State; got != status.KioskMeasuring {
		t.Errorf("tracker state: got %s, want MEASURING", got)
	}

	h.pushAll(h.srcs.get(0))
	waitFor(t, "flow to finish", h.idle)

	recs := h.ep.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].SubjectID != "emp-9" {
		t.Errorf("subject: got %q, want emp-9", recs[0].SubjectID)
	}
	if recs[0].FlowID != id {
		t.Errorf("flow id: got %q, want %q", recs[0].FlowID, id)
	}

	snap := h.tracker.Snapshot()
	if snap.Counts.Completed != 1 {
		t.Errorf("completed: got %d, want 1", snap.Counts.Completed)
	}
	if snap.Last == nil || snap.Last.FlowID != id {
		t.Errorf("last outcome: got %+v", snap.Last)
	}
	if !h.srcs.get(0).IsClosed() {
		t.Error("sensor source should be closed after the flow")
	}
}

func TestKioskSubjectFallback(t *testing.T) {
	h := newKioskHarness(t, 2*time.Second, 0, subject.Static("badge-1"))

	if _, err := h.kiosk.StartFlow(""); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	h.pushAll(h.srcs.get(0))
	waitFor(t, "submission", func() bool { return h.ep.Calls() == 1 })

	if got := h.ep.Records()[0].SubjectID; got != "badge-1" {
		t.Errorf("subject: got %q, want badge-1", got)
	}
}

func TestKioskNoSubject(t *testing.T) {
	h := newKioskHarness(t, 2*time.Second, 0, nil)

	if _, err := h.kiosk.StartFlow(""); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	h.pushAll(h.srcs.get(0))
	waitFor(t, "flow to fail", h.idle)

	if h.ep.Calls() != 0 {
		t.Errorf("expected no submission, got %d", h.ep.Calls())
	}
	if got := h.tracker.Snapshot().Counts.NoSubject; got != 1 {
		t.Errorf("no_subject count: got %d, want 1", got)
	}
}

func TestKioskBusyAndControls(t *testing.T) {
	h := newKioskHarness(t, 5*time.Second, 0, nil)

	if err := h.kiosk.CompleteFlow(); !errors.Is(err, web.ErrNoFlow) {
		t.Errorf("CompleteFlow idle: got %v, want ErrNoFlow", err)
	}
	if err := h.kiosk.CancelFlow(); !errors.Is(err, web.ErrNoFlow) {
		t.Errorf("CancelFlow idle: got %v, want ErrNoFlow", err)
	}

	if _, err := h.kiosk.StartFlow("a"); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	if _, err := h.kiosk.StartFlow("b"); !errors.Is(err, web.ErrBusy) {
		t.Errorf("second StartFlow: got %v, want ErrBusy", err)
	}
	if err := h.kiosk.CompleteFlow(); err != nil {
		t.Errorf("CompleteFlow: %v", err)
	}
	if err := h.kiosk.CancelFlow(); err != nil {
		t.Errorf("CancelFlow: %v", err)
	}
	waitFor(t, "cancel", h.idle)

	if got := h.tracker.Snapshot().Counts.Cancelled; got != 1 {
		t.Errorf("cancelled: got %d, want 1", got)
	}
	if h.srcs.opens() != 1 {
		t.Errorf("opens: got %d, want 1", h.srcs.opens())
	}
}

func TestKioskOpenError(t *testing.T) {
	h := newKioskHarness(t, time.Second, 0, nil)
	h.srcs.fail = errors.New("station offline")

	if _, err := h.kiosk.StartFlow("x"); err == nil {
		t.Fatal("expected open error")
	}
	if !h.idle() {
		t.Error("kiosk should stay idle after an open error")
	}
	if got := h.tracker.Snapshot().Counts.Started; got != 1 {
		t.Errorf("started: got %d, want 1", got)
	}
}

func TestKioskInvalidConfig(t *testing.T) {
	srcs := &sources{}
	tracker := status.NewTracker(time.Now(), status.Config{KioskID: "test"})
	cfg := logic.DefaultConfig()
	cfg.Threshold = 0
	kiosk := NewKiosk(context.Background(), cfg, flow.Deps{Open: srcs.open, Sink: tracker}, tracker, 0)
	defer kiosk.Shutdown()

	if _, err := kiosk.StartFlow("x"); err == nil {
		t.Fatal("expected config error")
	}
	if srcs.opens() != 0 {
		t.Errorf("opens: got %d, want 0", srcs.opens())
	}
	if got := tracker.Snapshot().Counts.Started; got != 0 {
		t.Errorf("started: got %d, want 0", got)
	}
	if kiosk.Current() != nil {
		t.Error("no flow should be current")
	}
	// The slot was never reserved.
	if _, err := kiosk.StartFlow("y"); errors.Is(err, web.ErrBusy) {
		t.Error("rejected config must not leave the kiosk busy")
	}
}

func TestKioskSlowOpenDoesNotBlockControls(t *testing.T) {
	h := newKioskHarness(t, 5*time.Second, 0, nil)
	h.srcs.gate = make(chan struct{})
	h.srcs.entered = make(chan struct{}, 1)

	started := make(chan error, 1)
	go func() {
		_, err := h.kiosk.StartFlow("slow")
		started <- err
	}()
	<-h.srcs.entered

	controls := make(chan struct{})
	go func() {
		defer close(controls)
		if h.kiosk.Current() != nil {
			t.Error("flow should not be current while opening")
		}
		if err := h.kiosk.CancelFlow(); !errors.Is(err, web.ErrNoFlow) {
			t.Errorf("CancelFlow while opening: got %v, want ErrNoFlow", err)
		}
		if _, err := h.kiosk.StartFlow("other"); !errors.Is(err, web.ErrBusy) {
			t.Errorf("StartFlow while opening: got %v, want ErrBusy", err)
		}
		h.kiosk.Press()
	}()
	select {
	case <-controls:
	case <-time.After(time.Second):
		t.Fatal("controls blocked while a source was opening")
	}

	close(h.srcs.gate)
	if err := <-started; err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	if h.kiosk.Current() == nil {
		t.Error("flow should be current once opened")
	}
	if h.srcs.opens() != 1 {
		t.Errorf("opens: got %d, want 1", h.srcs.opens())
	}
}

func TestKioskShutdownDuringOpen(t *testing.T) {
	h := newKioskHarness(t, 5*time.Second, 0, nil)
	h.srcs.gate = make(chan struct{})
	h.srcs.entered = make(chan struct{}, 1)

	started := make(chan error, 1)
	go func() {
		_, err := h.kiosk.StartFlow("")
		started <- err
	}()
	<-h.srcs.entered

	h.kiosk.Shutdown()
	if err := <-started; err == nil {
		t.Error("StartFlow should fail when shutdown interrupts the open")
	}
	if !h.idle() {
		t.Error("kiosk should be idle after shutdown")
	}
}

func TestKioskAutoRestart(t *testing.T) {
	h := newKioskHarness(t, 30*time.Millisecond, 10*time.Millisecond, nil)

	if _, err := h.kiosk.StartFlow(""); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	waitFor(t, "restart", func() bool { return h.srcs.opens() >= 2 })

	h.kiosk.Shutdown()
	if h.kiosk.Current() != nil {
		t.Error("no flow should run after shutdown")
	}
	if _, err := h.kiosk.StartFlow(""); !errors.Is(err, errShuttingDown) {
		t.Errorf("StartFlow after shutdown: got %v, want errShuttingDown", err)
	}
	if got := h.tracker.Snapshot().Counts.Timeouts; got < 1 {
		t.Errorf("timeouts: got %d, want at least 1", got)
	}
}

func TestKioskPress(t *testing.T) {
	h := newKioskHarness(t, 5*time.Second, 0, nil)

	h.kiosk.Press()
	if h.kiosk.Current() == nil {
		t.Fatal("press should start a flow when idle")
	}
	h.kiosk.Press()
	if h.srcs.opens() != 1 {
		t.Errorf("press while measuring should not open a new flow, opens=%d", h.srcs.opens())
	}
}

// --- loop tests ---

type loopHarness struct {
	kh   *kioskHarness
	pub  *mqtt.FakePublisher
	tick chan time.Time
	hb   chan time.Time
	sig  chan os.Signal
	done chan error
}

func startLoop(t *testing.T, button gpio.Button, pub *mqtt.FakePublisher) *loopHarness {
	t.Helper()
	lh := &loopHarness{
		kh:   newKioskHarness(t, 5*time.Second, 0, nil),
		pub:  pub,
		tick: make(chan time.Time),
		hb:   make(chan time.Time),
		sig:  make(chan os.Signal, 1),
		done: make(chan error, 1),
	}
	l := &loop{
		kiosk:     lh.kh.kiosk,
		tracker:   lh.kh.tracker,
		button:    button,
		edge:      gpio.NewEdge(0),
		now:       time.Now,
		tick:      lh.tick,
		heartbeat: lh.hb,
		sig:       lh.sig,
	}
	if pub != nil {
		l.publisher = pub
		l.mqttStatus = pub
	}
	go func() { lh.done <- l.run() }()
	return lh
}

func (lh *loopHarness) stop(t *testing.T, s os.Signal) {
	t.Helper()
	lh.sig <- s
	select {
	case err := <-lh.done:
		if err != nil {
			t.Fatalf("loop returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopButtonStartsFlow(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	lh := startLoop(t, gpio.NewFakeButton(false, false, true), pub)

	for i := 0; i < 3; i++ {
		lh.tick <- time.Time{}
	}
	waitFor(t, "flow start", func() bool { return lh.kh.kiosk.Current() != nil })

	lh.stop(t, syscall.SIGTERM)

	events := pub.SystemEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(events))
	}
	if events[0].Event != "SHUTDOWN" || events[0].Reason != "SIGTERM" || !events[0].Retained {
		t.Errorf("unexpected shutdown event: %+v", events[0])
	}
	if got := lh.kh.tracker.Snapshot().Counts.Cancelled; got != 1 {
		t.Errorf("running flow should be cancelled on shutdown, cancelled=%d", got)
	}
}

func TestLoopHeldButtonDoesNotStart(t *testing.T) {
	lh := startLoop(t, gpio.NewFakeButton(true), nil)

	for i := 0; i < 5; i++ {
		lh.tick <- time.Time{}
	}
	lh.stop(t, syscall.SIGINT)

	if lh.kh.srcs.opens() != 0 {
		t.Errorf("held button should not start a flow, opens=%d", lh.kh.srcs.opens())
	}
}

func TestLoopGPIOReadError(t *testing.T) {
	button := gpio.NewFakeButton(false)
	button.ReadError = errors.New("gpio fault")
	lh := startLoop(t, button, nil)

	for i := 0; i < 4; i++ {
		lh.tick <- time.Time{}
	}
	lh.stop(t, syscall.SIGTERM)

	if lh.kh.srcs.opens() != 0 {
		t.Error("read errors should not start a flow")
	}
}

func TestLoopHeartbeat(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.SetConnected(true)
	lh := startLoop(t, nil, pub)

	lh.hb <- time.Time{}
	lh.tick <- time.Time{} // no button configured
	lh.stop(t, syscall.SIGINT)

	events := pub.SystemEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 system events, got %d", len(events))
	}
	if events[0].Event != "HEARTBEAT" || events[0].Retained {
		t.Errorf("unexpected heartbeat event: %+v", events[0])
	}
	payload := string(pub.SystemPayloads()[0])
	if !strings.Contains(payload, `"event":"HEARTBEAT"`) {
		t.Errorf("heartbeat payload missing event: %s", payload)
	}
	if !strings.Contains(payload, `"connected":true`) {
		t.Errorf("heartbeat payload should report mqtt connected: %s", payload)
	}
	if events[1].Reason != "SIGINT" {
		t.Errorf("shutdown reason: got %q, want SIGINT", events[1].Reason)
	}
}

func TestLoopPublishErrorDoesNotStop(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("broker down")
	lh := startLoop(t, nil, pub)

	lh.hb <- time.Time{}
	lh.stop(t, syscall.SIGTERM)
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%v) = %q, want %q", tt.sig, got, tt.want)
		}
	}
}

// --- wiring tests ---

func TestNewOpener(t *testing.T) {
	cfg := config.Default()
	for _, transport := range []string{config.TransportWebSocket, config.TransportMQTT} {
		cfg.Sensor.Transport = transport
		if op, err := newOpener(cfg, nil, nil); err != nil || op == nil {
			t.Errorf("%s: got (%v, %v)", transport, op, err)
		}
	}

	cfg.Sensor.Transport = config.TransportRedis
	if _, err := newOpener(cfg, nil, nil); err == nil {
		t.Error("redis transport without a client should fail")
	}
	cfg.Sensor.Transport = "serial"
	if _, err := newOpener(cfg, nil, nil); err == nil {
		t.Error("unknown transport should fail")
	}
}

func TestNewEndpoint(t *testing.T) {
	cfg := config.Default()
	ep, closeFn, err := newEndpoint(cfg, nil)
	if err != nil {
		t.Fatalf("http endpoint: %v", err)
	}
	if _, ok := ep.(*submit.HTTPEndpoint); !ok {
		t.Errorf("expected *submit.HTTPEndpoint, got %T", ep)
	}
	closeFn()

	cfg.Submit.Kind = config.EndpointPostgres
	cfg.Submit.DSN = "postgres://user@localhost/track?sslmode=disable"
	ep, closeFn, err = newEndpoint(cfg, nil)
	if err != nil {
		t.Fatalf("postgres endpoint: %v", err)
	}
	if _, ok := ep.(*submit.SQLEndpoint); !ok {
		t.Errorf("expected *submit.SQLEndpoint, got %T", ep)
	}
	closeFn()

	cfg.Submit.Kind = "ftp"
	if _, _, err := newEndpoint(cfg, nil); err == nil {
		t.Error("unknown endpoint should fail")
	}
}

func TestNewSubjects(t *testing.T) {
	cfg := config.Default()
	cfg.Subject.Static = "kiosk-default"
	cfg.Subject.RedisKey = "subject"

	p := newSubjects(cfg, nil)
	id, err := p.SubjectID(context.Background())
	if err != nil || id != "kiosk-default" {
		t.Errorf("got (%q, %v), want kiosk-default", id, err)
	}

	cfg.Subject.Static = ""
	if _, err := newSubjects(cfg, nil).SubjectID(context.Background()); !errors.Is(err, subject.ErrNoSubject) {
		t.Errorf("got %v, want ErrNoSubject", err)
	}
}

// --- CLI tests ---

func TestVersionCommand(t *testing.T) {
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != version {
		t.Errorf("got %q, want %q", got, version)
	}
}

func measuringSnapshot() status.Snapshot {
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	flowSnap := logic.Snapshot{
		Phase:     logic.PhasePulse,
		State:     logic.StateActive,
		Sequence:  []logic.Phase{logic.PhaseTemperature, logic.PhasePulse, logic.PhaseAlcohol},
		Stability: map[logic.Phase]int{logic.PhaseTemperature: 7, logic.PhasePulse: 2},
		Threshold: 7,
		Readings:  logic.Readings{Temperature: 36.6, HasTemperature: true},
	}
	return status.Snapshot{
		State:     status.KioskMeasuring,
		FlowID:    "f-1",
		Flow:      &flowSnap,
		StartTime: t0,
		Now:       t0.Add(time.Minute),
		Config:    status.Config{KioskID: "gate-2"},
	}
}

func TestFormatStatus(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	inner := status.BuildInner(measuringSnapshot())
	line := formatStatus(&inner)
	for _, want := range []string{"[gate-2]", "MEASURING", "phase=PULSE", "temperature=100%", "pulse=29%", "temp=36.6"} {
		if !strings.Contains(line, want) {
			t.Errorf("status line %q missing %q", line, want)
		}
	}

	idle := status.Snapshot{
		State:  status.KioskIdle,
		Config: status.Config{KioskID: "gate-2"},
		Last:   &status.Outcome{FlowID: "f-0", State: logic.StateFailed, Failure: logic.FailureSensorTimeout},
	}
	inner = status.BuildInner(idle)
	line = formatStatus(&inner)
	if !strings.Contains(line, "IDLE") || !strings.Contains(line, "last=SENSOR_TIMEOUT") {
		t.Errorf("idle status line: %q", line)
	}
}

func TestWatchOnce(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(status.FormatJSON(measuringSnapshot()))
	}))
	defer srv.Close()

	var out bytes.Buffer
	client := resty.New().SetBaseURL(srv.URL)
	if err := watch(context.Background(), client, &out, time.Second, true); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out.String(), "phase=PULSE") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestWatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := resty.New().SetBaseURL(url).SetTimeout(time.Second)
	err := watch(context.Background(), client, &bytes.Buffer{}, time.Second, true)
	if !errors.Is(err, errUnreachable) {
		t.Errorf("got %v, want errUnreachable", err)
	}
}
