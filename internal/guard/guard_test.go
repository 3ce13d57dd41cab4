package guard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/guard"
	"github.com/victornm/quizlive/internal/store"
)

func waiting() domain.Lobby {
	return domain.Lobby{
		ID:           "L1",
		Host:         "a@x",
		Participants: []string{"a@x", "b@x"},
		Status:       domain.LobbyStatusWaiting,
	}
}

func TestGuard_Handle(t *testing.T) {
	type (
		inputs struct {
			lobby     *domain.Lobby
			me        string
			token     string
			skip      bool
			departure guard.Departure
		}

		outputs struct {
			sent   bool
			leaves []string
			marker bool
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should leave for a waiting non-host participant on unload": {
			arrange: func() inputs {
				l := waiting()
				return inputs{lobby: &l, me: "b@x", token: "tok", departure: guard.Unload}
			},
			assert: func(t *testing.T, out outputs) {
				assert.True(t, out.sent)
				assert.Equal(t, []string{"L1"}, out.leaves)
			},
		},

		"should leave on teardown too": {
			arrange: func() inputs {
				l := waiting()
				return inputs{lobby: &l, me: "b@x", token: "tok", departure: guard.Teardown}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []string{"L1"}, out.leaves)
			},
		},

		"should skip and clear a pending marker": {
			arrange: func() inputs {
				l := waiting()
				return inputs{lobby: &l, me: "b@x", token: "tok", skip: true, departure: guard.Unload}
			},
			assert: func(t *testing.T, out outputs) {
				assert.False(t, out.sent)
				assert.Empty(t, out.leaves)
				assert.False(t, out.marker, "marker should be cleared")
			},
		},

		"should not leave as host": {
			arrange: func() inputs {
				l := waiting()
				return inputs{lobby: &l, me: "a@x", token: "tok", departure: guard.Unload}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Empty(t, out.leaves)
			},
		},

		"should not leave when not a participant": {
			arrange: func() inputs {
				l := waiting()
				return inputs{lobby: &l, me: "c@x", token: "tok", departure: guard.Unload}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Empty(t, out.leaves)
			},
		},

		"should not leave a lobby in progress": {
			arrange: func() inputs {
				l := waiting()
				l.Status = domain.LobbyStatusInProgress
				return inputs{lobby: &l, me: "b@x", token: "tok", departure: guard.Unload}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Empty(t, out.leaves)
			},
		},

		"should not leave without a credential": {
			arrange: func() inputs {
				l := waiting()
				return inputs{lobby: &l, me: "b@x", departure: guard.Unload}
			},
			assert: func(t *testing.T, out outputs) {
				assert.False(t, out.sent)
				assert.Empty(t, out.leaves)
			},
		},

		"should not leave without a cached lobby": {
			arrange: func() inputs {
				return inputs{me: "b@x", token: "tok", departure: guard.Unload}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Empty(t, out.leaves)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := tt.arrange()

			s := store.NewMemory()
			if in.lobby != nil {
				require.NoError(t, store.SetJSON(ctx, s, store.LobbyKey("L1"), in.lobby))
			}
			m := guard.NewMarker(s)
			if in.skip {
				require.NoError(t, m.Set(ctx))
			}

			api := &leaver{}
			g := guard.New(guard.Config{
				LobbyID: "L1",
				Me:      in.me,
				Lobbies: s,
				Marker:  m,
				Tokens:  auth.Static(in.token),
				API:     api,
			})

			var out outputs
			out.sent = g.Handle(ctx, in.departure)
			g.Wait()
			out.leaves = api.all()
			out.marker = m.Take(ctx)

			tt.assert(t, out)
		})
	}
}

func TestGuard_LeavesAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, store.SetJSON(ctx, s, store.LobbyKey("L1"), waiting()))

	api := &leaver{}
	g := guard.New(guard.Config{LobbyID: "L1", Me: "b@x", Lobbies: s, Tokens: auth.Static("tok"), API: api})

	assert.True(t, g.Handle(ctx, guard.Teardown))
	assert.False(t, g.Handle(ctx, guard.Unload))
	g.Wait()

	assert.Equal(t, []string{"L1"}, api.all())
}

func TestGuard_MarkLeft(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, store.SetJSON(ctx, s, store.LobbyKey("L1"), waiting()))

	api := &leaver{}
	g := guard.New(guard.Config{LobbyID: "L1", Me: "b@x", Lobbies: s, Tokens: auth.Static("tok"), API: api})

	g.MarkLeft()
	assert.False(t, g.Handle(ctx, guard.Unload))
	g.Wait()
	assert.Empty(t, api.all())
}

func TestGuard_RequestOutlivesCaller(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, store.SetJSON(context.Background(), s, store.LobbyKey("L1"), waiting()))

	api := &leaver{delay: 50 * time.Millisecond}
	g := guard.New(guard.Config{LobbyID: "L1", Me: "b@x", Lobbies: s, Tokens: auth.Static("tok"), API: api})

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, g.Handle(ctx, guard.Unload))
	cancel()
	g.Wait()

	assert.Equal(t, []string{"L1"}, api.all())
	assert.NoError(t, api.lastErr, "request should not see the caller's cancellation")
}

func TestGuard_FailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, store.SetJSON(ctx, s, store.LobbyKey("L1"), waiting()))

	api := &leaver{fail: true}
	g := guard.New(guard.Config{LobbyID: "L1", Me: "b@x", Lobbies: s, Tokens: auth.Static("tok"), API: api})

	assert.True(t, g.Handle(ctx, guard.Unload))
	g.Wait()
	assert.False(t, g.Handle(ctx, guard.Unload), "a failed request is not retried")
}

func TestMarker_RedisTTL(t *testing.T) {
	ctx := context.Background()
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	t.Cleanup(func() { rc.Close() })

	m := guard.NewMarker(store.NewRedis(rc, "quizlive"))
	require.NoError(t, m.Set(ctx))
	assert.Greater(t, rs.TTL("quizlive:guard:skip_next_auto_leave"), time.Duration(0))

	assert.True(t, m.Take(ctx))
	assert.False(t, m.Take(ctx))
}

func TestMarker_Expiry(t *testing.T) {
	tests := map[string]struct {
		wait time.Duration
		want bool
	}{
		"fresh marker is taken":   {wait: 30 * time.Second, want: true},
		"stale marker is ignored": {wait: 2 * time.Minute, want: false},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := clockwork.NewFakeClock()
			s := store.NewMemory()
			m := guard.NewMarker(s, guard.WithClock(clock))

			require.NoError(t, m.Set(ctx))
			clock.Advance(tt.wait)

			assert.Equal(t, tt.want, m.Take(ctx))
			_, ok, err := s.Get(ctx, "guard:skip_next_auto_leave")
			require.NoError(t, err)
			assert.False(t, ok, "marker should be cleared either way")
		})
	}
}

func TestDeparture_String(t *testing.T) {
	assert.Equal(t, "unload", guard.Unload.String())
	assert.Equal(t, "teardown", guard.Teardown.String())
	assert.Equal(t, "departure(9)", guard.Departure(9).String())
}

type leaver struct {
	delay time.Duration
	fail  bool

	mu      sync.Mutex
	leaves  []string
	lastErr error
}

func (l *leaver) LeaveLobby(ctx context.Context, lobbyID string) error {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.leaves = append(l.leaves, lobbyID)
	l.lastErr = ctx.Err()
	if l.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func (l *leaver) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.leaves...)
}
