// Package subject resolves the identifier of the person being measured.
package subject

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// ErrNoSubject is returned when no identifier is available.
var ErrNoSubject = errors.New("no subject identifier")

// Provider returns the current subject identifier.
type Provider interface {
	SubjectID(ctx context.Context) (string, error)
}

// Static always returns the same identifier.
type Static string

// SubjectID implements Provider.
func (s Static) SubjectID(context.Context) (string, error) {
	id := strings.TrimSpace(string(s))
	if id == "" {
		return "", ErrNoSubject
	}
	return id, nil
}

// RedisProvider reads the identifier from a Redis key written by the
// badge reader or front desk.
type RedisProvider struct {
	client *redis.Client
	key    string
}

// NewRedisProvider creates a provider reading key.
func NewRedisProvider(client *redis.Client, key string) *RedisProvider {
	return &RedisProvider{client: client, key: key}
}

// SubjectID implements Provider.
func (p *RedisProvider) SubjectID(ctx context.Context) (string, error) {
	val, err := p.client.Get(ctx, p.key).Result()
	if err == redis.Nil {
		return "", ErrNoSubject
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", p.key, err)
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", ErrNoSubject
	}
	return val, nil
}

// Chain tries providers in order. The first identifier wins; ErrNoSubject
// moves on to the next provider and any other error stops the search.
type Chain []Provider

// SubjectID implements Provider.
func (c Chain) SubjectID(ctx context.Context) (string, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		id, err := p.SubjectID(ctx)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNoSubject) {
			return "", err
		}
	}
	return "", ErrNoSubject
}

// Func adapts a function to Provider.
type Func func(ctx context.Context) (string, error)

// SubjectID implements Provider.
func (f Func) SubjectID(ctx context.Context) (string, error) {
	return f(ctx)
}
