// Package sensor provides the sensor event source with hardware abstraction.
// Real sources relay station telemetry over WebSocket, MQTT or Redis pub/sub.
// The fake source allows testing without a station.
package sensor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// Message is one decoded event received on a named channel.
type Message struct {
	Channel  string
	Event    logic.SensorEvent
	Received time.Time
}

// Source delivers sensor messages for the lifetime of one flow.
type Source interface {
	// Messages is closed when the source stops.
	Messages() <-chan Message

	// Err returns the error that stopped the source, if any.
	Err() error

	// Close detaches the subscription and releases the connection.
	Close() error
}

// Opener establishes a new Source. Flows call it exactly once.
type Opener func(ctx context.Context) (Source, error)

const messageBuffer = 64

// deliver performs a non-blocking send; a full buffer drops the message.
func deliver(ch chan<- Message, msg Message, logger *zap.Logger) {
	select {
	case ch <- msg:
	default:
		logger.Warn("sensor buffer full, dropping message", zap.String("channel", msg.Channel))
	}
}
