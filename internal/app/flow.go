package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/victornm/quizlive/internal/countdown"
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/event"
	"github.com/victornm/quizlive/internal/guard"
	"github.com/victornm/quizlive/internal/leaderboard"
	"github.com/victornm/quizlive/internal/live"
	"github.com/victornm/quizlive/internal/store"
)

// CreateLobby creates a lobby hosted by the user and enters it.
func (a *App) CreateLobby(ctx context.Context, moduleID string) (*domain.Lobby, error) {
	l, err := a.api.CreateLobby(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("create lobby: %w", err)
	}

	a.attachLobby(l.ID)
	return a.service.lobby.Load(ctx, l.ID)
}

// EnterLobby joins the lobby if needed and follows it.
func (a *App) EnterLobby(ctx context.Context, lobbyID string) (*domain.Lobby, error) {
	l, err := a.api.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, fmt.Errorf("get lobby: %w", err)
	}

	if !l.Normalize().IsParticipant(a.c.User.Email) {
		if _, err := a.api.JoinLobby(ctx, lobbyID); err != nil {
			return nil, fmt.Errorf("join lobby: %w", err)
		}
	}

	if cur := a.service.lobby.Current(); cur == nil || cur.LobbyID() != lobbyID {
		a.attachLobby(lobbyID)
	}
	return a.service.lobby.Load(ctx, lobbyID)
}

// WaitingLobbies lists the lobbies that can be joined.
func (a *App) WaitingLobbies(ctx context.Context) ([]domain.Lobby, error) {
	return a.api.GetWaitingLobbies(ctx)
}

// StartQuiz asks the backend to start the current lobby. Only the host may.
// The switch to the live session happens when QUIZ_STARTED arrives.
func (a *App) StartQuiz(ctx context.Context) (*domain.LiveSessionStart, error) {
	cur := a.service.lobby.Current()
	if cur == nil {
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("not in a lobby"))
	}

	return a.api.StartLiveSession(ctx, cur.LobbyID())
}

// Answer submits answerID for the question currently shown.
func (a *App) Answer(ctx context.Context, answerID string) error {
	cur := a.service.live.Current()
	if cur == nil {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("not in a live session"))
	}

	st, ok, err := a.service.live.Snapshot(ctx, cur.SessionID())
	if err != nil {
		return err
	}
	if !ok || st.Status != domain.SessionStatusRunning {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no question is open"))
	}

	return a.service.live.SubmitAnswer(ctx, cur.SessionID(), st.CurrentIndex, answerID)
}

// LeaveLobby leaves the current lobby explicitly.
func (a *App) LeaveLobby(ctx context.Context) error {
	cur := a.service.lobby.Current()
	if cur == nil {
		return nil
	}

	a.mu.Lock()
	g := a.guard
	a.guard = nil
	a.mu.Unlock()
	if g != nil {
		g.MarkLeft()
	}

	err := a.api.LeaveLobby(ctx, cur.LobbyID())
	cur.Detach()
	if err != nil {
		return fmt.Errorf("leave lobby: %w", err)
	}
	return nil
}

// Depart reacts to the process being interrupted. It gives a best-effort leave
// request a bounded time to complete.
func (a *App) Depart(ctx context.Context) {
	a.mu.Lock()
	g := a.guard
	a.mu.Unlock()

	if g == nil || !g.Handle(ctx, guard.Unload) {
		return
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(leaveTimeout):
		slog.WarnContext(ctx, "app: leave request still pending at exit")
	}
}

func (a *App) attachLobby(lobbyID string) {
	a.teardownLobby()

	a.service.lobby.Attach(lobbyID, nil)
	g := guard.New(guard.Config{
		LobbyID: lobbyID,
		Me:      a.c.User.Email,
		Lobbies: a.infra.cache,
		Marker:  a.marker,
		Tokens:  a.tokens,
		API:     a.api,
		Timeout: leaveTimeout,
	})

	a.mu.Lock()
	a.guard = g
	a.mu.Unlock()
}

// teardownLobby replaces the lobby view. The guard sees it before the snapshot
// is evicted.
func (a *App) teardownLobby() {
	a.mu.Lock()
	g := a.guard
	a.guard = nil
	a.mu.Unlock()

	if g != nil {
		g.Handle(context.Background(), guard.Teardown)
	}
	a.service.lobby.Current().Detach()
}

// ToLobbyList implements lobby.Navigator.
func (a *App) ToLobbyList() {
	a.stopTimer()
	a.service.live.Current().Detach()
	a.teardownLobby()

	ctx, cancel := context.WithTimeout(context.Background(), a.c.API.Timeout)
	defer cancel()

	lobbies, err := a.api.GetWaitingLobbies(ctx)
	if err != nil {
		slog.WarnContext(ctx, "app: list lobbies failed", "error", err)
		return
	}

	ids := make([]string, 0, len(lobbies))
	for _, l := range lobbies {
		ids = append(ids, l.ID)
	}
	slog.InfoContext(ctx, "app: back to lobby list", "waiting", strings.Join(ids, ","))
}

// ToLiveSession implements lobby.Navigator.
func (a *App) ToLiveSession(lobbyID, sessionID string) {
	// Follow the session before leaving the lobby so no event on the shared
	// topic is missed.
	a.service.live.Attach(lobbyID, sessionID, live.Handlers{
		OnQuizEnded:   a.onQuizEnded,
		OnQuizAborted: a.onQuizAborted,
	})
	a.teardownLobby()

	ctx, cancel := context.WithTimeout(context.Background(), a.c.API.Timeout)
	defer cancel()

	if _, err := a.service.live.Load(ctx, sessionID); err != nil {
		slog.WarnContext(ctx, "app: load session state failed", "session", sessionID, "error", err)
	}

	a.startTimer(sessionID)
	slog.InfoContext(ctx, "app: entered live session", "lobby", lobbyID, "session", sessionID)
}

func (a *App) onQuizEnded(sessionID string) {
	a.stopTimer()

	if a.service.leaderboard == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lb, err := a.service.leaderboard.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: sessionID})
	if err != nil {
		slog.WarnContext(ctx, "app: read final leaderboard failed", "session", sessionID, "error", err)
		return
	}
	slog.InfoContext(ctx, "app: quiz ended", "session", sessionID, "leaderboard", formatLeaderboard(*lb))
}

func (a *App) onQuizAborted(sessionID, reason string) {
	slog.Warn("app: quiz aborted", "session", sessionID, "reason", reason)
	a.ToLobbyList()
}

func (a *App) startTimer(sessionID string) {
	a.stopTimer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var last countdown.Values
	p := countdown.NewProjector(countdown.Config{
		Source: func(ctx context.Context) (domain.SessionState, bool, error) {
			st, ok, err := a.service.live.Snapshot(ctx, sessionID)
			if err != nil || !ok {
				return domain.SessionState{}, false, err
			}
			return *st, true, nil
		},
		Sink: func(v countdown.Values) {
			if v == last {
				return
			}
			last = v
			slog.Info("app: timer", "session", sessionID, "countdown", v.CountdownSeconds, "secondsLeft", v.SecondsLeft)
		},
		Interval: a.c.Countdown.Interval,
	})

	a.mu.Lock()
	a.timerStop, a.timerDone = cancel, done
	a.mu.Unlock()

	go func() {
		defer close(done)
		p.Run(ctx)
	}()
}

// stopTimer stops the countdown projector and waits for it to exit.
func (a *App) stopTimer() {
	a.mu.Lock()
	stop, done := a.timerStop, a.timerDone
	a.timerStop, a.timerDone = nil, nil
	a.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (a *App) onSnapshotUpdated(ctx context.Context, e event.Event) error {
	ev := e.(domain.EventSnapshotUpdated)
	if ev.Deleted {
		return nil
	}

	switch {
	case strings.HasPrefix(ev.Key, store.LobbyKey("")):
		var l domain.Lobby
		if ok, err := store.GetJSON(ctx, a.infra.cache, ev.Key, &l); err != nil || !ok {
			return err
		}
		slog.InfoContext(ctx, "app: lobby", "lobby", l.ID, "status", l.Status,
			"host", l.Host, "participants", strings.Join(l.Participants, ","))

	case strings.HasPrefix(ev.Key, store.SessionKey("")):
		var st domain.SessionState
		if ok, err := store.GetJSON(ctx, a.infra.cache, ev.Key, &st); err != nil || !ok {
			return err
		}

		attrs := []any{"session", st.SessionID, "status", st.Status, "score", st.You.Score.String()}
		if st.Question != nil {
			opts := make([]string, 0, len(st.Question.Options))
			for _, o := range st.Question.Options {
				opts = append(opts, o.ID+"="+o.Text)
			}
			attrs = append(attrs,
				"question", fmt.Sprintf("%d/%d %s", st.CurrentIndex+1, st.TotalQuestions, st.Question.Text),
				"options", strings.Join(opts, " "),
				"answered", st.You.Answered,
			)
		}
		if st.CorrectAnswerID != "" {
			attrs = append(attrs, "correct", st.CorrectAnswerID)
		}
		slog.InfoContext(ctx, "app: session", attrs...)
	}

	return nil
}

func (a *App) onLeaderboardUpdated(ctx context.Context, e event.Event) error {
	lb := e.(domain.EventLeaderboardUpdated).Leaderboard
	slog.InfoContext(ctx, "app: leaderboard", "session", lb.SessionID, "entries", formatLeaderboard(lb))
	return nil
}

func formatLeaderboard(lb domain.Leaderboard) string {
	parts := make([]string, 0, len(lb.Entries))
	for i, e := range lb.Entries {
		parts = append(parts, fmt.Sprintf("%d. %s %s", i+1, e.Email, e.Score.String()))
	}
	return strings.Join(parts, ", ")
}
