package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/telemetry"
)

const defaultRetryDelay = 5 * time.Second

type Config struct {
	Dialer Dialer
	Tokens auth.TokenSource

	// RetryDelay is the fixed wait between a lost connection and the next dial.
	RetryDelay time.Duration

	NotificationsTopic string
	Clock              clockwork.Clock
}

// Mux owns the single real-time connection of an authenticated user and lets
// independent features subscribe to topics over it.
//
// Messages are dispatched on one goroutine, in the order the link delivers them.
type Mux struct {
	dialer     Dialer
	tokens     auth.TokenSource
	retryDelay time.Duration
	notifTopic string
	clock      clockwork.Clock

	mu     sync.Mutex
	topics []string // topics with at least one registration, in registration order
	subs   map[string][]*Subscription
	link   Link // non-nil while connected
	ctx    context.Context
	cancel context.CancelFunc // non-nil while active
}

func New(c Config) *Mux {
	m := &Mux{
		dialer:     c.Dialer,
		tokens:     c.Tokens,
		retryDelay: c.RetryDelay,
		notifTopic: c.NotificationsTopic,
		clock:      c.Clock,
		subs:       make(map[string][]*Subscription),
	}

	if m.retryDelay <= 0 {
		m.retryDelay = defaultRetryDelay
	}
	if m.notifTopic == "" {
		m.notifTopic = DefaultNotificationsTopic
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}

	return m
}

// Connect starts maintaining the connection in the background. It does nothing
// if the mux is already active or no credential is available.
// onNotification, if not nil, receives messages addressed to the user.
func (m *Mux) Connect(ctx context.Context, onNotification Handler) {
	if m.Active() {
		return
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		slog.WarnContext(ctx, "transport: read credential failed", "error", err)
		return
	}
	if token == "" {
		slog.DebugContext(ctx, "transport: no credential, staying offline")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if onNotification != nil {
		m.subscribeLocked(m.notifTopic, onNotification)
	}

	go m.run(m.ctx, token)
}

// Disconnect closes the connection and forgets every subscription. It is safe
// to call at any time.
func (m *Mux) Disconnect() {
	m.mu.Lock()
	cancel, link := m.cancel, m.link
	m.cancel, m.link, m.ctx = nil, nil, nil
	for _, subs := range m.subs {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
	m.subs = make(map[string][]*Subscription)
	m.topics = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if link != nil {
		_ = link.Close()
	}
}

// Active reports whether Connect has been called without a matching Disconnect.
func (m *Mux) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Connected reports whether the connection is currently established.
func (m *Mux) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil
}

// Subscribe registers h for the messages published to topic. Each call owns its
// own registration. When offline the topic is subscribed on the next connect.
func (m *Mux) Subscribe(topic string, h Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.subscribeLocked(topic, h)
}

func (m *Mux) subscribeLocked(topic string, h Handler) *Subscription {
	s := &Subscription{m: m, topic: topic, h: h}
	s.active.Store(true)

	first := len(m.subs[topic]) == 0
	m.subs[topic] = append(m.subs[topic], s)
	if !first {
		return s
	}

	m.topics = append(m.topics, topic)
	if m.link != nil {
		if err := m.link.Subscribe(m.ctx, topic); err != nil {
			slog.WarnContext(m.ctx, fmt.Sprintf("transport: subscribe %s failed", topic), "error", err)
		}
	}

	return s
}

func (m *Mux) unsubscribe(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[s.topic]
	i := slices.Index(subs, s)
	if i < 0 {
		return
	}

	subs = slices.Delete(slices.Clone(subs), i, i+1)
	if len(subs) > 0 {
		m.subs[s.topic] = subs
		return
	}

	delete(m.subs, s.topic)
	m.topics = slices.DeleteFunc(m.topics, func(t string) bool { return t == s.topic })
	if m.link != nil {
		if err := m.link.Unsubscribe(m.ctx, s.topic); err != nil {
			slog.WarnContext(m.ctx, fmt.Sprintf("transport: unsubscribe %s failed", s.topic), "error", err)
		}
	}
}

// Publish JSON-encodes payload and sends it to topic. Pass a json.RawMessage for
// an already encoded payload. Nothing is queued: when offline the message is
// dropped.
func (m *Mux) Publish(topic string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Error(fmt.Sprintf("transport: encode message for %s failed", topic), "error", err)
		return
	}

	m.mu.Lock()
	link, ctx := m.link, m.ctx
	m.mu.Unlock()

	if link == nil {
		telemetry.TransportDropped.Inc()
		slog.Debug(fmt.Sprintf("transport: offline, dropped message for %s", topic))
		return
	}

	if err := link.Publish(ctx, topic, b); err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("transport: publish to %s failed", topic), "error", err)
	}
}

func (m *Mux) run(ctx context.Context, token string) {
	for {
		link, err := m.dialer.Dial(ctx, token)
		if err == nil {
			err = m.serve(ctx, link)
		}
		if ctx.Err() != nil {
			return
		}

		slog.WarnContext(ctx, fmt.Sprintf("transport: connection lost, retrying in %s", m.retryDelay), "error", err)
		telemetry.TransportReconnects.Inc()

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.retryDelay):
		}
	}
}

func (m *Mux) serve(ctx context.Context, link Link) error {
	defer m.release(link)

	if err := m.establish(ctx, link); err != nil {
		return err
	}

	for {
		msg, err := link.Receive(ctx)
		if err != nil {
			return err
		}
		m.dispatch(msg)
	}
}

// establish subscribes every registered topic, in registration order, then
// marks the mux as connected.
func (m *Mux) establish(ctx context.Context, link Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	for _, t := range m.topics {
		if err := link.Subscribe(ctx, t); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}

	m.link = link
	telemetry.TransportConnected.Set(1)
	slog.InfoContext(ctx, "transport: connected", "topics", len(m.topics))
	return nil
}

func (m *Mux) release(link Link) {
	m.mu.Lock()
	if m.link == link {
		m.link = nil
		telemetry.TransportConnected.Set(0)
	}
	m.mu.Unlock()

	_ = link.Close()
}

func (m *Mux) dispatch(msg Message) {
	m.mu.Lock()
	subs := slices.Clone(m.subs[msg.Topic])
	m.mu.Unlock()

	for _, s := range subs {
		if s.active.Load() {
			s.deliver(msg.Payload)
		}
	}
}

// Subscription is one registration made by Subscribe.
type Subscription struct {
	m      *Mux
	topic  string
	h      Handler
	active atomic.Bool
	once   sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes the registration. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.active.Store(false)
		s.m.unsubscribe(s)
	})
}

func (s *Subscription) deliver(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("transport: handler for %s panicked", s.topic),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}
	}()

	s.h(payload)
}
