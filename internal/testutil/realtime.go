package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/transport"
	"github.com/victornm/quizlive/internal/transport/redisps"
)

const (
	realtimePrefix = "test:rt"
	waitFor        = 2 * time.Second
)

// Realtime is a connected multiplexer over an in-process Redis, used to push
// server events the way the backend would. Subscribe through it so Push can
// wait for the event to be handled.
type Realtime struct {
	Mux   *transport.Mux
	Redis *miniredis.Miniredis

	mu      sync.Mutex
	handled map[string]int
}

func NewRealtime(t *testing.T) *Realtime {
	t.Helper()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { rc.Close() })

	m := transport.New(transport.Config{
		Dialer: redisps.NewDialer(rc, realtimePrefix),
		Tokens: auth.Static("tok"),
	})
	t.Cleanup(m.Disconnect)

	m.Connect(context.Background(), nil)
	require.Eventually(t, m.Connected, waitFor, 5*time.Millisecond, "mux should connect")

	return &Realtime{Mux: m, Redis: rs, handled: make(map[string]int)}
}

func (r *Realtime) Subscribe(topic string, h transport.Handler) *transport.Subscription {
	return r.Mux.Subscribe(topic, func(payload []byte) {
		h(payload)

		r.mu.Lock()
		r.handled[topic]++
		r.mu.Unlock()
	})
}

// Push publishes a server event on the lobby topic and waits until a handler has
// processed it.
func (r *Realtime) Push(t *testing.T, lobbyID string, e domain.ServerEvent) {
	t.Helper()

	b, err := domain.EncodeEvent(e)
	require.NoError(t, err)

	r.PushRaw(t, lobbyID, string(b))
}

func (r *Realtime) PushRaw(t *testing.T, lobbyID, payload string) {
	t.Helper()

	topic := transport.LobbyTopic(lobbyID)
	channel := realtimePrefix + ":" + topic
	require.Eventually(t, func() bool {
		return len(r.Redis.PubSubChannels(channel)) == 1
	}, waitFor, 5*time.Millisecond, "nobody subscribed to %s", channel)

	before := r.count(topic)
	r.Redis.Publish(channel, payload)

	require.Eventually(t, func() bool {
		return r.count(topic) > before
	}, waitFor, time.Millisecond, "event on %s not handled", topic)
}

func (r *Realtime) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled[topic]
}
