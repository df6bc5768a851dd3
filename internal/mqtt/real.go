package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// bufferCapacity bounds the messages kept while the broker is unreachable.
const bufferCapacity = 256

// Config configures the broker connection.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	KioskID     string
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// disconnected are buffered and replayed in order on reconnect.
type RealPublisher struct {
	client paho.Client
	topics Topics
	logger *zap.Logger

	mu        sync.Mutex
	buf       *ringBuffer
	connected bool
}

// NewRealPublisher creates a publisher connected to the given broker.
// The broker publishes a retained OFFLINE event on the system topic if the
// kiosk disappears without a clean shutdown.
func NewRealPublisher(cfg Config, logger *zap.Logger) (*RealPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &RealPublisher{
		topics: TopicsFor(cfg.TopicPrefix, cfg.KioskID),
		logger: logger.With(zap.String("component", "mqtt")),
	}
	p.buf = newRingBuffer(bufferCapacity, p.logger)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "LWT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "track-facility-" + cfg.KioskID
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(p.topics.System, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// Topics returns the topics this publisher writes to.
func (p *RealPublisher) Topics() Topics {
	return p.topics
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = true
	pending := p.buf.drainAll()
	p.mu.Unlock()

	if len(pending) > 0 {
		p.logger.Info("replaying buffered messages", zap.Int("count", len(pending)))
	}
	for _, m := range pending {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			p.logger.Warn("replay failed", zap.String("topic", m.topic), zap.Error(token.Error()))
		}
	}

	if !wasConnected {
		return
	}
	payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
	c.Publish(p.topics.System, 1, false, payload)
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.logger.Warn("mqtt connection lost", zap.Error(err))
}

// IsConnected implements ConnectionStatus.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishNotification sends a flow notification at QoS 1, not retained.
func (p *RealPublisher) PublishNotification(flowID string, n logic.Notification) error {
	return p.publish(p.topics.Flow, 1, false, FormatPayload(flowID, n))
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(p.topics.System, 1, event.Retained, payload)
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
