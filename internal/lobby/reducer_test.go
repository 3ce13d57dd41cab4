package lobby_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/guard"
	"github.com/victornm/quizlive/internal/lobby"
	"github.com/victornm/quizlive/internal/restapi"
	"github.com/victornm/quizlive/internal/store"
	"github.com/victornm/quizlive/internal/testutil"
)

func update(participants []string, status domain.LobbyStatus) domain.LobbyChanged {
	return domain.LobbyChanged{
		Kind:    domain.TypeLobbyUpdate,
		LobbyID: "L1",
		Lobby: domain.Lobby{
			ID:           "L1",
			Host:         "a@x",
			Participants: participants,
			Status:       status,
		},
	}
}

func TestReducer_LobbyChanged(t *testing.T) {
	type (
		inputs struct {
			events []domain.ServerEvent
		}

		outputs struct {
			lobby  *domain.Lobby
			writes int
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should write an identical update only once": {
			arrange: func() inputs {
				return inputs{events: []domain.ServerEvent{
					update([]string{"a@x", "b@x"}, domain.LobbyStatusWaiting),
					update([]string{"a@x", "b@x"}, domain.LobbyStatusWaiting),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				require.NotNil(t, out.lobby)
				assert.Equal(t, []string{"a@x", "b@x"}, out.lobby.Participants)
				assert.Equal(t, 1, out.writes)
			},
		},

		"should replace the snapshot wholesale": {
			arrange: func() inputs {
				return inputs{events: []domain.ServerEvent{
					update([]string{"a@x", "b@x", "c@x"}, domain.LobbyStatusWaiting),
					update([]string{"a@x", "c@x"}, domain.LobbyStatusWaiting),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []string{"a@x", "c@x"}, out.lobby.Participants)
				assert.Equal(t, 2, out.writes)
			},
		},

		"should list the host as a participant": {
			arrange: func() inputs {
				return inputs{events: []domain.ServerEvent{
					update([]string{"b@x"}, domain.LobbyStatusWaiting),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []string{"a@x", "b@x"}, out.lobby.Participants)
			},
		},

		"should ignore events for another lobby": {
			arrange: func() inputs {
				other := update([]string{"z@x"}, domain.LobbyStatusWaiting)
				other.LobbyID, other.Lobby.ID = "L2", "L2"
				return inputs{events: []domain.ServerEvent{other}}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Nil(t, out.lobby)
				assert.Equal(t, 0, out.writes)
			},
		},

		"should ignore a status regression": {
			arrange: func() inputs {
				return inputs{events: []domain.ServerEvent{
					update([]string{"a@x", "b@x"}, domain.LobbyStatusInProgress),
					update([]string{"a@x", "b@x"}, domain.LobbyStatusWaiting),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, domain.LobbyStatusInProgress, out.lobby.Status)
				assert.Equal(t, 1, out.writes)
			},
		},

		"should never mutate a finished lobby": {
			arrange: func() inputs {
				return inputs{events: []domain.ServerEvent{
					update([]string{"a@x", "b@x"}, domain.LobbyStatusInProgress),
					update([]string{"a@x", "b@x"}, domain.LobbyStatusFinished),
					update([]string{"a@x"}, domain.LobbyStatusFinished),
					update([]string{"a@x"}, domain.LobbyStatusInProgress),
				}}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, domain.LobbyStatusFinished, out.lobby.Status)
				assert.Equal(t, []string{"a@x", "b@x"}, out.lobby.Participants)
				assert.Equal(t, 2, out.writes)
			},
		},

		"should ignore session events": {
			arrange: func() inputs {
				return inputs{events: []domain.ServerEvent{
					domain.QuestionShow{SessionID: "S1", Index: 0, EndsAt: time.Now()},
					domain.QuizEnded{SessionID: "S1"},
				}}
			},
			assert: func(t *testing.T, out outputs) {
				assert.Nil(t, out.lobby)
				assert.Equal(t, 0, out.writes)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rt := testutil.NewRealtime(t)
			s := &countingStore{Store: store.NewMemory()}
			r := lobby.NewReducer(lobby.Config{Realtime: rt, Store: s})

			in := tt.arrange()
			a := r.Attach("L1", func(string) {})
			t.Cleanup(a.Detach)

			for _, e := range in.events {
				rt.Push(t, "L1", e)
			}

			var out outputs
			l, ok, err := r.Snapshot(ctx, "L1")
			require.NoError(t, err)
			if ok {
				out.lobby = l
			}
			out.writes = int(s.sets.Load())

			tt.assert(t, out)
		})
	}
}

func TestReducer_LobbyCancelled(t *testing.T) {
	tests := map[string]struct {
		event     domain.LobbyCancelled
		redirects int
	}{
		"matching lobby id": {event: domain.LobbyCancelled{LobbyID: "L1"}, redirects: 1},
		"broadcast":         {event: domain.LobbyCancelled{}, redirects: 1},
		"another lobby":     {event: domain.LobbyCancelled{LobbyID: "L2"}, redirects: 0},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rt := testutil.NewRealtime(t)
			nav := &navigator{}
			r := lobby.NewReducer(lobby.Config{Realtime: rt, Store: store.NewMemory(), Navigator: nav})

			a := r.Attach("L1", nil)
			t.Cleanup(a.Detach)

			rt.Push(t, "L1", update([]string{"a@x"}, domain.LobbyStatusWaiting))
			rt.Push(t, "L1", tt.event)
			rt.Push(t, "L1", tt.event)
			rt.Push(t, "L1", update([]string{"a@x", "b@x"}, domain.LobbyStatusWaiting))

			assert.Equal(t, tt.redirects, nav.lists())

			_, ok, err := r.Snapshot(ctx, "L1")
			require.NoError(t, err)
			assert.Equal(t, tt.redirects == 0, ok, "cancelled lobby should be evicted")
		})
	}
}

func TestReducer_CancelledAttachmentIgnoresReplay(t *testing.T) {
	ctx := context.Background()
	rt := testutil.NewRealtime(t)
	r := lobby.NewReducer(lobby.Config{Realtime: rt, Store: store.NewMemory()})

	var started []string
	a := r.Attach("L1", func(sessionID string) { started = append(started, sessionID) })
	t.Cleanup(a.Detach)

	rt.Push(t, "L1", update([]string{"a@x", "b@x"}, domain.LobbyStatusWaiting))
	rt.Push(t, "L1", domain.LobbyCancelled{LobbyID: "L1"})
	rt.Push(t, "L1", update([]string{"a@x", "b@x"}, domain.LobbyStatusWaiting))
	rt.Push(t, "L1", domain.QuizStarted{LobbyID: "L1", SessionID: "S1"})

	_, ok, err := r.Snapshot(ctx, "L1")
	require.NoError(t, err)
	assert.False(t, ok, "cancelled lobby should not be re-created")
	assert.Empty(t, started)
}

func TestReducer_QuizStarted(t *testing.T) {
	ctx := context.Background()
	rt := testutil.NewRealtime(t)
	s := store.NewMemory()
	marker := guard.NewMarker(s)
	r := lobby.NewReducer(lobby.Config{
		Realtime:         rt,
		Store:            s,
		Skipper:          marker,
		KeepAliveOnStart: true,
	})

	var started []string
	a := r.Attach("L1", func(sessionID string) { started = append(started, sessionID) })
	t.Cleanup(a.Detach)

	rt.Push(t, "L1", update([]string{"a@x", "b@x"}, domain.LobbyStatusWaiting))
	rt.Push(t, "L1", domain.QuizStarted{LobbyID: "L1", SessionID: "S1"})
	rt.Push(t, "L1", domain.QuizStarted{LobbyID: "L1", SessionID: "S1"})
	rt.Push(t, "L1", domain.QuizStarted{LobbyID: "L2", SessionID: "S9"})

	assert.Equal(t, []string{"S1"}, started, "start side effect should fire once")

	l, ok, err := r.Snapshot(ctx, "L1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.LobbyStatusInProgress, l.Status)

	assert.True(t, marker.Take(ctx), "auto-leave should be suppressed for the transition")
}

func TestReducer_QuizStartedNavigatesByDefault(t *testing.T) {
	rt := testutil.NewRealtime(t)
	nav := &navigator{}
	r := lobby.NewReducer(lobby.Config{Realtime: rt, Store: store.NewMemory(), Navigator: nav})

	a := r.Attach("L1", nil)
	t.Cleanup(a.Detach)

	rt.Push(t, "L1", domain.QuizStarted{SessionID: "S1"})

	assert.Equal(t, []string{"L1/S1"}, nav.sessions())
}

func TestReducer_AttachReplacesAndEvicts(t *testing.T) {
	ctx := context.Background()
	rt := testutil.NewRealtime(t)
	r := lobby.NewReducer(lobby.Config{Realtime: rt, Store: store.NewMemory()})

	first := r.Attach("L1", nil)
	rt.Push(t, "L1", update([]string{"a@x"}, domain.LobbyStatusWaiting))

	second := r.Attach("L2", nil)
	t.Cleanup(second.Detach)
	assert.Same(t, second, r.Current())

	_, ok, err := r.Snapshot(ctx, "L1")
	require.NoError(t, err)
	assert.False(t, ok, "previous lobby should be evicted")

	first.Detach()
	assert.Same(t, second, r.Current(), "detaching a stale attachment keeps the current one")
}

func TestReducer_Load(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewBackend(t)
	api := restapi.New(restapi.Config{BaseURL: b.URL, Tokens: auth.Static("tok")})
	rt := testutil.NewRealtime(t)
	r := lobby.NewReducer(lobby.Config{Realtime: rt, Store: store.NewMemory(), API: api})

	b.PutLobby(domain.Lobby{ID: "L1", Host: "a@x", Participants: []string{"b@x"}, Status: domain.LobbyStatusWaiting})

	a := r.Attach("L1", nil)
	t.Cleanup(a.Detach)
	rt.Push(t, "L1", update([]string{"a@x", "b@x"}, domain.LobbyStatusInProgress))

	l, err := r.Load(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x", "b@x"}, l.Participants)

	cached, _, err := r.Snapshot(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.LobbyStatusInProgress, cached.Status, "a stale fetch should not roll back the status")

	_, err = r.Load(ctx, "missing")
	require.Error(t, err)
}

// A participant closes the client while waiting, and the host sees the lobby
// get cancelled.
func TestScenario_GhostParticipantAndCancellation(t *testing.T) {
	ctx := context.Background()
	b := testutil.NewBackend(t)
	api := restapi.New(restapi.Config{BaseURL: b.URL, Tokens: auth.Static("tok-b")})

	// Participant B.
	rtB := testutil.NewRealtime(t)
	storeB := store.NewMemory()
	markerB := guard.NewMarker(storeB)
	rB := lobby.NewReducer(lobby.Config{Realtime: rtB, Store: storeB, Skipper: markerB, KeepAliveOnStart: true})
	aB := rB.Attach("L1", nil)
	t.Cleanup(aB.Detach)

	rtB.Push(t, "L1", update([]string{"a@x", "b@x"}, domain.LobbyStatusWaiting))

	l, ok, err := rB.Snapshot(ctx, "L1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, l.Participants, 2)

	g := guard.New(guard.Config{
		LobbyID: "L1",
		Me:      "b@x",
		Lobbies: storeB,
		Marker:  markerB,
		Tokens:  auth.Static("tok-b"),
		API:     api,
	})
	assert.True(t, g.Handle(ctx, guard.Unload))
	g.Wait()
	assert.Equal(t, []string{"L1"}, b.Leaves())

	// Host A.
	rtA := testutil.NewRealtime(t)
	navA := &navigator{}
	rA := lobby.NewReducer(lobby.Config{Realtime: rtA, Store: store.NewMemory(), Navigator: navA})
	aA := rA.Attach("L1", nil)
	t.Cleanup(aA.Detach)

	rtA.Push(t, "L1", domain.LobbyCancelled{LobbyID: "L1"})
	assert.Equal(t, 1, navA.lists())
}

type countingStore struct {
	store.Store
	sets atomic.Int32
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte) error {
	s.sets.Add(1)
	return s.Store.Set(ctx, key, value)
}

type navigator struct {
	mu    sync.Mutex
	list  int
	lives []string
}

func (n *navigator) ToLobbyList() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list++
}

func (n *navigator) ToLiveSession(lobbyID, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lives = append(n.lives, lobbyID+"/"+sessionID)
}

func (n *navigator) lists() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.list
}

func (n *navigator) sessions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.lives...)
}
