package sensor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig controls the broker-relayed source.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // e.g. "facility/station/1"; events arrive on <prefix>/<channel>
	QoS         byte
}

// MQTTSource subscribes to <prefix>/+ and treats the last topic level as
// the event channel. The subscription is renewed on every reconnect.
type MQTTSource struct {
	client paho.Client
	topic  string
	qos    byte
	logger *zap.Logger

	mu         sync.Mutex
	closed     bool
	subscribed bool // initial subscription done; reconnects resubscribe
	lost       error
	messages   chan Message
}

// NewMQTTOpener returns an Opener connecting to cfg.Broker.
func NewMQTTOpener(cfg MQTTConfig, logger *zap.Logger) Opener {
	return func(ctx context.Context) (Source, error) {
		return DialMQTT(ctx, cfg, logger)
	}
}

// DialMQTT connects and subscribes.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *zap.Logger) (*MQTTSource, error) {
	s := newMQTTSource(cfg, logger)
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	s.client = paho.NewClient(opts)
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newMQTTSource(cfg MQTTConfig, logger *zap.Logger) *MQTTSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTSource{
		topic:    strings.TrimRight(cfg.TopicPrefix, "/") + "/+",
		qos:      cfg.QoS,
		logger:   logger.With(zap.String("source", "mqtt")),
		messages: make(chan Message, messageBuffer),
	}
}

func (s *MQTTSource) start(ctx context.Context) error {
	if !s.client.IsConnected() {
		token := s.client.Connect()
		if !waitToken(ctx, token, 10*time.Second) {
			return fmt.Errorf("connect to sensor broker: timeout")
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to sensor broker: %w", err)
		}
	}

	token := s.client.Subscribe(s.topic, s.qos, s.onMessage)
	if !waitToken(ctx, token, 5*time.Second) {
		s.client.Disconnect(250)
		return fmt.Errorf("subscribe %s: timeout", s.topic)
	}
	if err := token.Error(); err != nil {
		s.client.Disconnect(250)
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}

	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	s.logger.Info("subscribed to sensor topic", zap.String("topic", s.topic))
	return nil
}

func (s *MQTTSource) onMessage(_ paho.Client, m paho.Message) {
	s.handle(m.Topic(), m.Payload())
}

// onConnect runs on paho's goroutine. A clean session drops subscriptions,
// so every reconnect after the first subscribe renews it.
func (s *MQTTSource) onConnect(c paho.Client) {
	s.mu.Lock()
	resubscribe := s.subscribed && !s.closed
	s.lost = nil
	s.mu.Unlock()
	if !resubscribe {
		return
	}

	token := c.Subscribe(s.topic, s.qos, s.onMessage)
	go func() {
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			s.logger.Warn("resubscribe failed", zap.String("topic", s.topic), zap.Error(token.Error()))
			return
		}
		s.logger.Info("resubscribed to sensor topic", zap.String("topic", s.topic))
	}()
}

func (s *MQTTSource) onConnectionLost(_ paho.Client, err error) {
	s.mu.Lock()
	s.lost = err
	s.mu.Unlock()
	s.logger.Warn("sensor broker connection lost", zap.Error(err))
}

func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *MQTTSource) handle(topic string, payload []byte) {
	channel := topic[strings.LastIndex(topic, "/")+1:]
	if !KnownChannel(channel) {
		s.logger.Debug("dropping message on unknown channel", zap.String("topic", topic))
		return
	}
	ev, err := DecodePayload(payload)
	if err != nil {
		s.logger.Debug("dropping malformed payload", zap.String("topic", topic), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	deliver(s.messages, Message{Channel: channel, Event: ev, Received: time.Now()}, s.logger)
}

// Messages implements Source.
func (s *MQTTSource) Messages() <-chan Message {
	return s.messages
}

// Err implements Source. It reports a lost broker connection until paho
// reconnects; the message channel stays open meanwhile.
func (s *MQTTSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Close unsubscribes and disconnects.
func (s *MQTTSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.messages)
	s.mu.Unlock()

	token := s.client.Unsubscribe(s.topic)
	token.WaitTimeout(time.Second)
	s.client.Disconnect(250)
	return token.Error()
}
