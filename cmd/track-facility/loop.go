package main

import (
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kuatovakamila/track-facility-akimat/internal/gpio"
	"github.com/kuatovakamila/track-facility-akimat/internal/mqtt"
	"github.com/kuatovakamila/track-facility-akimat/internal/status"
)

// loop is the daemon's main select loop. Nil channels and a nil button or
// publisher disable the matching case.
type loop struct {
	kiosk      *Kiosk
	tracker    *status.Tracker
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	button     gpio.Button
	edge       *gpio.Edge
	logger     *zap.Logger
	now        func() time.Time

	tick      <-chan time.Time
	heartbeat <-chan time.Time
	sig       <-chan os.Signal
}

func (l *loop) run() error {
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.edge == nil {
		l.edge = gpio.NewEdge(gpio.DefaultDebounce)
	}

	for {
		select {
		case s := <-l.sig:
			name := signalName(s)
			l.logger.Info("shutting down", zap.String("signal", name))
			l.kiosk.Shutdown()
			l.publishSystem("SHUTDOWN", name, true)
			return nil

		case <-l.tick:
			if l.button == nil {
				continue
			}
			pressed, err := l.button.Pressed()
			if err != nil {
				l.logger.Warn("gpio read error", zap.Error(err))
				continue
			}
			if l.edge.Sample(pressed, l.now()) {
				l.logger.Info("start button pressed")
				l.kiosk.Press()
			}

		case <-l.heartbeat:
			l.publishSystem("HEARTBEAT", "", false)
		}
	}
}

func (l *loop) publishStartup() {
	l.publishSystem("STARTUP", "", true)
}

// publishSystem sends a system event carrying the full status snapshot.
func (l *loop) publishSystem(event, reason string, retained bool) {
	if l.publisher == nil {
		return
	}
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
	snap := l.tracker.Snapshot()
	err := l.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  l.now(),
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		l.logger.Warn("failed to publish system event", zap.String("event", event), zap.Error(err))
		return
	}
	l.logger.Debug("published system event", zap.String("event", event))
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
