// Package natsps is a Link over NATS subjects.
package natsps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/victornm/quizlive/internal/transport"
)

type Config struct {
	URL string
	// ReconnectWait is handed to the NATS client, which retries forever.
	ReconnectWait time.Duration
	// BufferSize bounds the messages received but not yet dispatched.
	BufferSize int
}

type Dialer struct {
	c Config
}

func NewDialer(c Config) *Dialer {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return &Dialer{c: c}
}

func (d *Dialer) Dial(ctx context.Context, token string) (transport.Link, error) {
	closed := make(chan struct{})
	var once sync.Once

	nc, err := nats.Connect(d.c.URL,
		nats.Token(token),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(d.c.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.WarnContext(ctx, "natsps: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.InfoContext(ctx, "natsps: reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			slog.ErrorContext(ctx, "natsps: async error", "error", err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			once.Do(func() { close(closed) })
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsps: connect %s: %w", d.c.URL, err)
	}

	return &link{
		nc:     nc,
		msgs:   make(chan *nats.Msg, d.c.BufferSize),
		subs:   make(map[string]*nats.Subscription),
		closed: closed,
	}, nil
}

type link struct {
	nc     *nats.Conn
	msgs   chan *nats.Msg // shared by every subscription, so per-subject order holds
	closed chan struct{}

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func (l *link) Subscribe(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[topic]; ok {
		return nil
	}

	s, err := l.nc.ChanSubscribe(topic, l.msgs)
	if err != nil {
		return fmt.Errorf("natsps: subscribe %s: %w", topic, err)
	}
	l.subs[topic] = s
	return nil
}

func (l *link) Unsubscribe(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.subs[topic]
	if !ok {
		return nil
	}
	delete(l.subs, topic)
	return s.Unsubscribe()
}

func (l *link) Publish(_ context.Context, topic string, payload []byte) error {
	return l.nc.Publish(topic, payload)
}

func (l *link) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case m := <-l.msgs:
		return transport.Message{Topic: m.Subject, Payload: m.Data}, nil
	case <-l.closed:
		return transport.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (l *link) Close() error {
	l.nc.Close()
	return nil
}
