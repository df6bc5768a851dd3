package sensor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketConfig controls the station socket connection.
type WebSocketConfig struct {
	URL         string
	Header      http.Header
	DialTimeout time.Duration
}

// WebSocketSource reads event envelopes from the station socket.
type WebSocketSource struct {
	conn   *websocket.Conn
	logger *zap.Logger

	messages chan Message
	closed   chan struct{}
	done     chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// NewWebSocketOpener returns an Opener dialing cfg.URL.
func NewWebSocketOpener(cfg WebSocketConfig, logger *zap.Logger) Opener {
	return func(ctx context.Context) (Source, error) {
		return DialWebSocket(ctx, cfg, logger)
	}
}

// DialWebSocket connects once and starts the read loop.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig, logger *zap.Logger) (*WebSocketSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket source: url is empty")
	}
	dialer := *websocket.DefaultDialer
	if cfg.DialTimeout > 0 {
		dialer.HandshakeTimeout = cfg.DialTimeout
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("connect to sensor socket: %w", err)
	}

	s := &WebSocketSource{
		conn:     conn,
		logger:   logger.With(zap.String("source", "websocket")),
		messages: make(chan Message, messageBuffer),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.readLoop()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// Messages implements Source.
func (s *WebSocketSource) Messages() <-chan Message {
	return s.messages
}

// Err implements Source.
func (s *WebSocketSource) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements Source.
func (s *WebSocketSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *WebSocketSource) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("read sensor frame: %w", err)
	}
}

func (s *WebSocketSource) readLoop() {
	defer close(s.done)
	defer close(s.messages)

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.setErr(err)
			}
			return
		}

		channel, ev, err := DecodeEnvelope(frame)
		if err != nil {
			s.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if !KnownChannel(channel) {
			s.logger.Debug("dropping frame on unknown channel", zap.String("channel", channel))
			continue
		}
		deliver(s.messages, Message{Channel: channel, Event: ev, Received: time.Now()}, s.logger)
	}
}
