package sensor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig controls the realtime database relay.
type RedisConfig struct {
	ChannelPrefix string // events are published on <prefix><channel>
}

// RedisSource pattern-subscribes to <prefix>* on a Redis server.
type RedisSource struct {
	pubsub *redis.PubSub
	prefix string
	logger *zap.Logger

	messages chan Message
	done     chan struct{}

	closeOnce sync.Once
}

// NewRedisOpener returns an Opener using the shared client.
func NewRedisOpener(client *redis.Client, cfg RedisConfig, logger *zap.Logger) Opener {
	return func(ctx context.Context) (Source, error) {
		return SubscribeRedis(ctx, client, cfg, logger)
	}
}

// SubscribeRedis subscribes and waits for the subscription confirmation.
func SubscribeRedis(ctx context.Context, client *redis.Client, cfg RedisConfig, logger *zap.Logger) (*RedisSource, error) {
	pattern := cfg.ChannelPrefix + "*"
	pubsub := client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	s := &RedisSource{
		pubsub:   pubsub,
		prefix:   cfg.ChannelPrefix,
		logger:   logger.With(zap.String("source", "redis")),
		messages: make(chan Message, messageBuffer),
		done:     make(chan struct{}),
	}
	go s.readLoop(pubsub.Channel())

	s.logger.Info("subscribed to sensor channels", zap.String("pattern", pattern))
	return s, nil
}

func (s *RedisSource) readLoop(in <-chan *redis.Message) {
	defer close(s.done)
	defer close(s.messages)

	for m := range in {
		channel := strings.TrimPrefix(m.Channel, s.prefix)
		if !KnownChannel(channel) {
			s.logger.Debug("dropping message on unknown channel", zap.String("channel", m.Channel))
			continue
		}
		ev, err := DecodePayload([]byte(m.Payload))
		if err != nil {
			s.logger.Debug("dropping malformed payload", zap.String("channel", m.Channel), zap.Error(err))
			continue
		}
		deliver(s.messages, Message{Channel: channel, Event: ev, Received: time.Now()}, s.logger)
	}
}

// Messages implements Source.
func (s *RedisSource) Messages() <-chan Message {
	return s.messages
}

// Err implements Source. go-redis reconnects the subscription itself.
func (s *RedisSource) Err() error {
	return nil
}

// Close implements Source.
func (s *RedisSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	<-s.done
	return err
}
