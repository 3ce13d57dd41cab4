// Package lobby keeps the cached snapshot of the lobby the user is looking at in
// sync with server-pushed lobby events.
package lobby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/store"
	"github.com/victornm/quizlive/internal/telemetry"
	"github.com/victornm/quizlive/internal/transport"
)

const reducerName = "lobby"

type Subscriber interface {
	Subscribe(topic string, h transport.Handler) *transport.Subscription
}

type Fetcher interface {
	GetLobby(ctx context.Context, lobbyID string) (*domain.Lobby, error)
}

// Navigator moves the user between surfaces. Calling it twice with the same
// destination must be harmless.
type Navigator interface {
	ToLobbyList()
	ToLiveSession(lobbyID, sessionID string)
}

// Skipper asks the departure guard to ignore the next departure.
type Skipper interface {
	Set(ctx context.Context) error
}

type Config struct {
	Realtime  Subscriber
	Store     store.Store
	API       Fetcher
	Navigator Navigator
	Skipper   Skipper

	// KeepAliveOnStart suppresses the auto-leave of the lobby view when the quiz
	// it hosts starts.
	KeepAliveOnStart bool
}

type Reducer struct {
	c Config

	// mu serializes every read-modify-write of the lobby cache.
	mu      sync.Mutex
	current *Attachment
}

func NewReducer(c Config) *Reducer {
	return &Reducer{c: c}
}

// Attachment is one view tracking one lobby id.
type Attachment struct {
	r             *Reducer
	lobbyID       string
	onQuizStarted func(sessionID string)
	sub           *transport.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	// Guarded by r.mu.
	detached  bool
	cancelled bool
	started   map[string]bool
}

// Attach starts tracking lobbyID. An existing attachment is detached first.
// onQuizStarted, if nil, defaults to navigating into the live session.
func (r *Reducer) Attach(lobbyID string, onQuizStarted func(sessionID string)) *Attachment {
	r.mu.Lock()
	prev := r.current
	r.mu.Unlock()
	prev.Detach()

	a := &Attachment{
		r:             r,
		lobbyID:       lobbyID,
		onQuizStarted: onQuizStarted,
		started:       make(map[string]bool),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	r.mu.Lock()
	r.current = a
	r.mu.Unlock()

	a.sub = r.c.Realtime.Subscribe(transport.LobbyTopic(lobbyID), a.handle)
	slog.Debug("lobby: attached", "lobby", lobbyID)
	return a
}

// Current returns the active attachment, if any.
func (r *Reducer) Current() *Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (a *Attachment) LobbyID() string { return a.lobbyID }

// Detach stops tracking the lobby and evicts its cached snapshot. It is safe to
// call more than once, and on a nil attachment.
func (a *Attachment) Detach() {
	if a == nil {
		return
	}

	r := a.r
	r.mu.Lock()
	if a.detached {
		r.mu.Unlock()
		return
	}
	a.detached = true
	if r.current == a {
		r.current = nil
	}
	r.mu.Unlock()

	a.sub.Unsubscribe()
	a.cancel()

	if err := r.c.Store.Delete(context.Background(), store.LobbyKey(a.lobbyID)); err != nil {
		slog.Warn("lobby: evict snapshot failed", "lobby", a.lobbyID, "error", err)
	}
	slog.Debug("lobby: detached", "lobby", a.lobbyID)
}

func (a *Attachment) handle(payload []byte) {
	e, err := domain.DecodeEvent(payload)
	if err != nil {
		slog.Warn("lobby: drop undecodable event", "lobby", a.lobbyID, "error", err)
		return
	}

	a.r.reduce(a, e)
}

func (r *Reducer) reduce(a *Attachment, e domain.ServerEvent) {
	r.mu.Lock()
	if a.detached {
		r.mu.Unlock()
		return
	}

	red := &reduction{ctx: a.ctx, r: r, a: a}
	e.Accept(red)
	effects := red.effects
	r.mu.Unlock()

	outcome := telemetry.OutcomeIgnored
	if red.applied {
		outcome = telemetry.OutcomeApplied
	}
	telemetry.EventsReduced.WithLabelValues(reducerName, e.Type(), outcome).Inc()

	// Side effects may attach another view, so they run outside the lock.
	for _, f := range effects {
		f()
	}
}

// Load fetches the lobby and seeds the cache with it, under the same rules as a
// pushed update.
func (r *Reducer) Load(ctx context.Context, lobbyID string) (*domain.Lobby, error) {
	l, err := r.c.API.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, fmt.Errorf("get lobby: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := l.Normalize()
	if next.ID == "" {
		next.ID = lobbyID
	}
	if _, err := r.replace(ctx, next); err != nil {
		return nil, err
	}

	return &next, nil
}

// Snapshot returns the cached lobby.
func (r *Reducer) Snapshot(ctx context.Context, lobbyID string) (*domain.Lobby, bool, error) {
	var l domain.Lobby
	ok, err := store.GetJSON(ctx, r.c.Store, store.LobbyKey(lobbyID), &l)
	if err != nil || !ok {
		return nil, false, err
	}
	return &l, true, nil
}

// replace stores next unless it equals the cached lobby or would move its
// status backwards. Terminal snapshots are never overwritten.
func (r *Reducer) replace(ctx context.Context, next domain.Lobby) (bool, error) {
	key := store.LobbyKey(next.ID)

	var cached domain.Lobby
	ok, err := store.GetJSON(ctx, r.c.Store, key, &cached)
	if err != nil {
		return false, err
	}

	if ok {
		if cached.Equal(next) {
			return false, nil
		}
		if !cached.Status.CanBecome(next.Status) {
			slog.DebugContext(ctx, "lobby: ignore status regression",
				"lobby", next.ID, "from", cached.Status, "to", next.Status)
			return false, nil
		}
	}

	if err := store.SetJSON(ctx, r.c.Store, key, next); err != nil {
		return false, err
	}
	return true, nil
}

// reduction applies one event to one attachment. It runs with r.mu held.
type reduction struct {
	ctx     context.Context
	r       *Reducer
	a       *Attachment
	applied bool
	effects []func()
}

func (x *reduction) VisitLobbyChanged(e domain.LobbyChanged) {
	if x.a.cancelled || e.TargetLobby() != x.a.lobbyID {
		return
	}

	next := e.Lobby.Normalize()
	next.ID = x.a.lobbyID

	ok, err := x.r.replace(x.ctx, next)
	if err != nil {
		slog.WarnContext(x.ctx, "lobby: store snapshot failed", "lobby", next.ID, "error", err)
		return
	}
	x.applied = ok
}

func (x *reduction) VisitLobbyCancelled(e domain.LobbyCancelled) {
	if e.LobbyID != "" && e.LobbyID != x.a.lobbyID {
		return
	}
	if x.a.cancelled {
		return
	}
	x.a.cancelled = true
	x.applied = true

	if err := x.r.c.Store.Delete(x.ctx, store.LobbyKey(x.a.lobbyID)); err != nil {
		slog.WarnContext(x.ctx, "lobby: evict snapshot failed", "lobby", x.a.lobbyID, "error", err)
	}

	slog.InfoContext(x.ctx, "lobby: cancelled, leaving view", "lobby", x.a.lobbyID)
	if nav := x.r.c.Navigator; nav != nil {
		x.effects = append(x.effects, nav.ToLobbyList)
	}
}

func (x *reduction) VisitQuizStarted(e domain.QuizStarted) {
	if x.a.cancelled || (e.LobbyID != "" && e.LobbyID != x.a.lobbyID) {
		return
	}
	if e.SessionID == "" {
		slog.WarnContext(x.ctx, "lobby: quiz started without session id", "lobby", x.a.lobbyID)
		return
	}
	if x.a.started[e.SessionID] {
		return
	}
	x.a.started[e.SessionID] = true
	x.applied = true

	x.markInProgress()

	if x.r.c.KeepAliveOnStart && x.r.c.Skipper != nil {
		if err := x.r.c.Skipper.Set(x.ctx); err != nil {
			slog.WarnContext(x.ctx, "lobby: set skip marker failed", "lobby", x.a.lobbyID, "error", err)
		}
	}

	slog.InfoContext(x.ctx, "lobby: quiz started", "lobby", x.a.lobbyID, "session", e.SessionID)

	lobbyID, sessionID := x.a.lobbyID, e.SessionID
	switch {
	case x.a.onQuizStarted != nil:
		cb := x.a.onQuizStarted
		x.effects = append(x.effects, func() { cb(sessionID) })
	case x.r.c.Navigator != nil:
		nav := x.r.c.Navigator
		x.effects = append(x.effects, func() { nav.ToLiveSession(lobbyID, sessionID) })
	}
}

func (x *reduction) markInProgress() {
	var cached domain.Lobby
	ok, err := store.GetJSON(x.ctx, x.r.c.Store, store.LobbyKey(x.a.lobbyID), &cached)
	if err != nil || !ok {
		return
	}

	if cached.Status == domain.LobbyStatusInProgress || !cached.Status.CanBecome(domain.LobbyStatusInProgress) {
		return
	}

	cached.Status = domain.LobbyStatusInProgress
	if err := store.SetJSON(x.ctx, x.r.c.Store, store.LobbyKey(x.a.lobbyID), cached); err != nil {
		slog.WarnContext(x.ctx, "lobby: store snapshot failed", "lobby", x.a.lobbyID, "error", err)
	}
}

// Session events belong to the live reducer.

func (x *reduction) VisitQuestionShow(domain.QuestionShow) {}
func (x *reduction) VisitQuestionEnd(domain.QuestionEnd)   {}
func (x *reduction) VisitQuizEnded(domain.QuizEnded)       {}
func (x *reduction) VisitQuizAborted(domain.QuizAborted)   {}
