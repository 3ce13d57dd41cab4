// Package redisps is a Link over Redis Pub/Sub channels.
package redisps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizlive/internal/transport"
)

// Dialer opens Pub/Sub connections on a shared client. Channels are named
// "<prefix>:<topic>". The token is not used: Redis authenticates the client
// with its own password.
type Dialer struct {
	redis  redis.UniversalClient
	prefix string
}

func NewDialer(r redis.UniversalClient, prefix string) *Dialer {
	return &Dialer{redis: r, prefix: prefix}
}

func (d *Dialer) Dial(ctx context.Context, _ string) (transport.Link, error) {
	if err := d.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisps: ping: %w", err)
	}

	return &link{
		redis:  d.redis,
		prefix: d.prefix,
		ps:     d.redis.Subscribe(ctx),
	}, nil
}

func (d *Dialer) Channel(topic string) string {
	return channel(d.prefix, topic)
}

func channel(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return fmt.Sprintf("%s:%s", prefix, topic)
}

type link struct {
	redis  redis.UniversalClient
	prefix string
	ps     *redis.PubSub

	once sync.Once
	err  error
}

func (l *link) Subscribe(ctx context.Context, topic string) error {
	return l.ps.Subscribe(ctx, channel(l.prefix, topic))
}

func (l *link) Unsubscribe(ctx context.Context, topic string) error {
	return l.ps.Unsubscribe(ctx, channel(l.prefix, topic))
}

func (l *link) Publish(ctx context.Context, topic string, payload []byte) error {
	return l.redis.Publish(ctx, channel(l.prefix, topic), payload).Err()
}

func (l *link) Receive(ctx context.Context) (transport.Message, error) {
	msg, err := l.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return transport.Message{}, transport.ErrClosed
		}
		return transport.Message{}, fmt.Errorf("redisps: receive: %w", err)
	}

	topic := msg.Channel
	if l.prefix != "" {
		topic = strings.TrimPrefix(topic, l.prefix+":")
	}

	return transport.Message{Topic: topic, Payload: []byte(msg.Payload)}, nil
}

func (l *link) Close() error {
	l.once.Do(func() {
		l.err = l.ps.Close()
	})
	return l.err
}
