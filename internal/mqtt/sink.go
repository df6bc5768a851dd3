package mqtt

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// DefaultSinkQueue is the number of notifications a NotificationSink holds
// while the publisher is slow.
const DefaultSinkQueue = 256

type queuedNotification struct {
	flowID string
	n      logic.Notification
}

// NotificationSink forwards flow notifications to a Publisher from its own
// goroutine. It satisfies flow.Sink: Notify never waits on the broker, and
// drops the notification when the queue is full. Publish errors are logged.
type NotificationSink struct {
	pub    Publisher
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queuedNotification
	done   chan struct{}

	dropped atomic.Int64
}

// NewNotificationSink starts a sink with room for capacity queued
// notifications. Close stops it.
func NewNotificationSink(pub Publisher, logger *zap.Logger, capacity int) *NotificationSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = DefaultSinkQueue
	}
	s := &NotificationSink{
		pub:    pub,
		logger: logger,
		queue:  make(chan queuedNotification, capacity),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Notify implements flow.Sink.
func (s *NotificationSink) Notify(flowID string, n logic.Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.pub == nil {
		return
	}
	select {
	case s.queue <- queuedNotification{flowID: flowID, n: n}:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("mqtt notification queue full, dropping",
				zap.String("flow_id", flowID),
				zap.String("type", string(n.Type)),
			)
		}
	}
}

// Dropped returns how many notifications were discarded on a full queue.
func (s *NotificationSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting notifications, publishes what is queued and waits
// for the worker to exit. Safe to call more than once.
func (s *NotificationSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *NotificationSink) run() {
	defer close(s.done)
	for q := range s.queue {
		if err := s.pub.PublishNotification(q.flowID, q.n); err != nil {
			s.logger.Warn("mqtt publish failed",
				zap.String("flow_id", q.flowID),
				zap.String("type", string(q.n.Type)),
				zap.Error(err),
			)
		}
	}
}
