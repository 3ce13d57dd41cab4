// Package live keeps the cached state of a running quiz session in sync with
// server-pushed question transitions and the participant's own answers.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/event"
	"github.com/victornm/quizlive/internal/restapi"
	"github.com/victornm/quizlive/internal/store"
	"github.com/victornm/quizlive/internal/telemetry"
	"github.com/victornm/quizlive/internal/transport"
)

const reducerName = "live"

type Subscriber interface {
	Subscribe(topic string, h transport.Handler) *transport.Subscription
}

type API interface {
	GetSessionState(ctx context.Context, sessionID string) (*domain.SessionState, error)
	SubmitLiveAnswer(ctx context.Context, req restapi.SubmitAnswerRequest) error
}

type Config struct {
	Realtime Subscriber
	Store    store.Store
	API      API
	// EventBus, if set, receives every leaderboard carried by a session event.
	EventBus *event.Bus
	// Me is the email of the signed-in user, used to pick the viewer's score.
	Me string
}

// Handlers are invoked once per attachment, outside of any lock.
type Handlers struct {
	OnQuizEnded   func(sessionID string)
	OnQuizAborted func(sessionID, reason string)
}

type Reducer struct {
	c Config

	// mu serializes every read-modify-write of session snapshots, including the
	// optimistic update made after an answer is accepted.
	mu      sync.Mutex
	current *Attachment
}

func NewReducer(c Config) *Reducer {
	return &Reducer{c: c}
}

type Attachment struct {
	r         *Reducer
	lobbyID   string
	sessionID string
	h         Handlers
	sub       *transport.Subscription
	ctx       context.Context
	cancel    context.CancelFunc

	// Guarded by r.mu.
	detached bool
	finished bool
}

// Attach follows sessionID, whose events arrive on the topic of lobbyID. An
// existing attachment is detached first.
func (r *Reducer) Attach(lobbyID, sessionID string, h Handlers) *Attachment {
	r.mu.Lock()
	prev := r.current
	r.mu.Unlock()
	prev.Detach()

	a := &Attachment{r: r, lobbyID: lobbyID, sessionID: sessionID, h: h}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	r.mu.Lock()
	r.current = a
	r.mu.Unlock()

	a.sub = r.c.Realtime.Subscribe(transport.LobbyTopic(lobbyID), a.handle)
	slog.Debug("live: attached", "lobby", lobbyID, "session", sessionID)
	return a
}

func (r *Reducer) Current() *Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (a *Attachment) SessionID() string { return a.sessionID }
func (a *Attachment) LobbyID() string   { return a.lobbyID }

// Detach stops following the session. The cached snapshot is kept so results
// remain readable.
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
	slog.Debug("live: detached", "session", a.sessionID)
}

func (a *Attachment) handle(payload []byte) {
	e, err := domain.DecodeEvent(payload)
	if err != nil {
		slog.Warn("live: drop undecodable event", "session", a.sessionID, "error", err)
		return
	}

	r := a.r
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

	for _, f := range effects {
		f()
	}
}

// SubmitAnswer sends the answer and, once it is accepted, marks the question as
// answered if it is still the one being shown. Submission errors are returned
// as is and leave the snapshot untouched.
func (r *Reducer) SubmitAnswer(ctx context.Context, sessionID string, questionIndex int, answerID string) error {
	if err := r.c.API.SubmitLiveAnswer(ctx, restapi.SubmitAnswerRequest{
		SessionID:     sessionID,
		QuestionIndex: questionIndex,
		AnswerID:      answerID,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.load(ctx, sessionID)
	if err != nil || !ok {
		return err
	}

	// The question may have moved on while the request was in flight.
	if st.Status != domain.SessionStatusRunning || st.CurrentIndex != questionIndex || st.You.Answered {
		slog.DebugContext(ctx, "live: answer accepted for a question no longer shown",
			"session", sessionID, "index", questionIndex, "current", st.CurrentIndex)
		return nil
	}

	st.You.Answered = true
	return r.save(ctx, st)
}

// Load fetches the session state and caches it unless it is older than what is
// already cached. It returns the cached state.
func (r *Reducer) Load(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	fetched, err := r.c.API.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session state: %w", err)
	}
	fetched.SessionID = sessionID

	r.mu.Lock()
	defer r.mu.Unlock()

	cached, ok, err := r.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if ok && rollsBack(cached, fetched) {
		slog.DebugContext(ctx, "live: ignore stale session state", "session", sessionID,
			"cached", cached.Status, "fetched", fetched.Status)
		return cached, nil
	}

	if ok && cached.Status == fetched.Status && cached.CurrentIndex == fetched.CurrentIndex && cached.You.Answered {
		fetched.You.Answered = true
	}
	if fetched.Leaderboard != nil {
		r.applyLeaderboard(fetched, fetched.Leaderboard)
	}

	if err := r.save(ctx, fetched); err != nil {
		return nil, err
	}
	return fetched, nil
}

// rollsBack reports whether replacing cached with next would move the session
// backwards.
func rollsBack(cached, next *domain.SessionState) bool {
	if cached.Status.Terminal() {
		return true
	}
	if next.Status.Before(cached.Status) {
		return true
	}
	return next.Status == cached.Status && next.CurrentIndex < cached.CurrentIndex
}

func (r *Reducer) Snapshot(ctx context.Context, sessionID string) (*domain.SessionState, bool, error) {
	return r.load(ctx, sessionID)
}

func (r *Reducer) load(ctx context.Context, sessionID string) (*domain.SessionState, bool, error) {
	var st domain.SessionState
	ok, err := store.GetJSON(ctx, r.c.Store, store.SessionKey(sessionID), &st)
	if err != nil || !ok {
		return nil, false, err
	}
	return &st, true, nil
}

func (r *Reducer) save(ctx context.Context, st *domain.SessionState) error {
	return store.SetJSON(ctx, r.c.Store, store.SessionKey(st.SessionID), st)
}

func (r *Reducer) applyLeaderboard(st *domain.SessionState, lb *domain.Leaderboard) {
	l := *lb
	l.SessionID = st.SessionID
	st.Leaderboard = &l

	if score, ok := l.ScoreOf(r.c.Me); ok {
		st.You.Score = score
	}
}

// reduction applies one event to one attachment. It runs with r.mu held.
type reduction struct {
	ctx     context.Context
	r       *Reducer
	a       *Attachment
	applied bool
	effects []func()
}

func (x *reduction) mine(sessionID string) bool {
	return sessionID == x.a.sessionID
}

// current returns the cached snapshot if it exists and may still change.
func (x *reduction) current() (*domain.SessionState, bool) {
	st, ok, err := x.r.load(x.ctx, x.a.sessionID)
	if err != nil {
		slog.WarnContext(x.ctx, "live: read snapshot failed", "session", x.a.sessionID, "error", err)
		return nil, false
	}
	if !ok || st.Status.Terminal() {
		return nil, false
	}
	return st, true
}

func (x *reduction) save(st *domain.SessionState) {
	if err := x.r.save(x.ctx, st); err != nil {
		slog.WarnContext(x.ctx, "live: store snapshot failed", "session", st.SessionID, "error", err)
		return
	}
	x.applied = true
}

func (x *reduction) leaderboard(st *domain.SessionState, lb *domain.Leaderboard) {
	if lb == nil {
		return
	}
	x.r.applyLeaderboard(st, lb)

	if eb := x.r.c.EventBus; eb != nil {
		ctx, l := x.ctx, *st.Leaderboard
		x.effects = append(x.effects, func() {
			eb.Publish(ctx, domain.EventLeaderboardReceived{Leaderboard: l})
		})
	}
}

func (x *reduction) VisitQuestionShow(e domain.QuestionShow) {
	if !x.mine(e.SessionID) {
		return
	}

	prev, ok, err := x.r.load(x.ctx, x.a.sessionID)
	if err != nil {
		slog.WarnContext(x.ctx, "live: read snapshot failed", "session", x.a.sessionID, "error", err)
		return
	}

	next := domain.SessionState{
		SessionID:      x.a.sessionID,
		TotalQuestions: e.Index + 1,
	}
	if ok {
		if prev.Status.Terminal() {
			return
		}
		// A replayed or late show must not reset the answer to the current question.
		if prev.Status == domain.SessionStatusRunning && e.Index <= prev.CurrentIndex {
			return
		}
		next = *prev
		next.TotalQuestions = max(prev.TotalQuestions, e.Index+1)
	}

	endsAt, q := e.EndsAt, e.Question
	next.Status = domain.SessionStatusRunning
	next.CurrentIndex = e.Index
	next.StartAt = nil
	next.EndsAt = &endsAt
	next.Question = &q
	next.CorrectAnswerID = ""
	next.You.Answered = false

	x.save(&next)
}

func (x *reduction) VisitQuestionEnd(e domain.QuestionEnd) {
	if !x.mine(e.SessionID) {
		return
	}

	st, ok := x.current()
	if !ok || e.Index < st.CurrentIndex {
		return
	}

	// The show was missed: the question being ended is unknown.
	if e.Index > st.CurrentIndex {
		st.Status = domain.SessionStatusRunning
		st.CurrentIndex = e.Index
		st.TotalQuestions = max(st.TotalQuestions, e.Index+1)
		st.StartAt = nil
		st.Question = nil
		st.You.Answered = false
	}

	st.EndsAt = nil
	st.CorrectAnswerID = e.CorrectAnswerID
	x.leaderboard(st, e.Leaderboard)
	x.save(st)
}

func (x *reduction) VisitQuizEnded(e domain.QuizEnded) {
	if !x.mine(e.SessionID) {
		return
	}

	if st, ok := x.current(); ok {
		st.Status = domain.SessionStatusFinished
		st.EndsAt = nil
		x.leaderboard(st, e.Leaderboard)
		x.save(st)
	}

	if x.a.finished {
		return
	}
	x.a.finished = true
	slog.InfoContext(x.ctx, "live: quiz ended", "session", x.a.sessionID)

	if cb := x.a.h.OnQuizEnded; cb != nil {
		sessionID := x.a.sessionID
		x.effects = append(x.effects, func() { cb(sessionID) })
	}
}

func (x *reduction) VisitQuizAborted(e domain.QuizAborted) {
	if !x.mine(e.SessionID) || x.a.finished {
		return
	}
	x.a.finished = true
	x.applied = true
	slog.InfoContext(x.ctx, "live: quiz aborted", "session", x.a.sessionID, "reason", e.Reason)

	if cb := x.a.h.OnQuizAborted; cb != nil {
		sessionID, reason := x.a.sessionID, e.Reason
		x.effects = append(x.effects, func() { cb(sessionID, reason) })
	}
}

// Lobby events belong to the lobby reducer.

func (x *reduction) VisitLobbyChanged(domain.LobbyChanged)     {}
func (x *reduction) VisitLobbyCancelled(domain.LobbyCancelled) {}
func (x *reduction) VisitQuizStarted(domain.QuizStarted)       {}
