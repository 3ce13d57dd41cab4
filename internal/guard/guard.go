// Package guard notifies the backend when a participant disappears from a
// waiting lobby without leaving it.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/store"
	"github.com/victornm/quizlive/internal/telemetry"
)

const defaultTimeout = 5 * time.Second

// Departure is the signal that the lobby view is going away.
type Departure int

const (
	// Unload is an irreversible exit of the whole client, e.g. the process being
	// interrupted.
	Unload Departure = iota + 1
	// Teardown is the lobby view being replaced inside the running client.
	Teardown
)

func (d Departure) String() string {
	switch d {
	case Unload:
		return "unload"
	case Teardown:
		return "teardown"
	default:
		return fmt.Sprintf("departure(%d)", int(d))
	}
}

type Leaver interface {
	LeaveLobby(ctx context.Context, lobbyID string) error
}

type Config struct {
	LobbyID string
	// Me is the email of the signed-in user.
	Me      string
	Lobbies store.Store
	Marker  *Marker
	Tokens  auth.TokenSource
	API     Leaver
	// Timeout bounds the best-effort leave request.
	Timeout time.Duration
}

// Guard watches one lobby attachment. At most one leave request is ever issued.
type Guard struct {
	c    Config
	done atomic.Bool
	wg   sync.WaitGroup
}

func New(c Config) *Guard {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return &Guard{c: c}
}

// MarkLeft records that the user left explicitly, so the guard stays silent.
func (g *Guard) MarkLeft() {
	g.done.Store(true)
}

// Handle reacts to a departure signal. It reports whether a leave request was
// issued. The request runs detached from ctx and its outcome is only logged.
func (g *Guard) Handle(ctx context.Context, d Departure) bool {
	log := slog.With("lobby", g.c.LobbyID, "departure", d.String())

	if g.c.Marker != nil && g.c.Marker.Take(ctx) {
		g.done.Store(true)
		telemetry.AutoLeave.WithLabelValues("skipped").Inc()
		log.DebugContext(ctx, "guard: deliberate transition, not leaving")
		return false
	}

	if g.done.Load() {
		return false
	}

	var l domain.Lobby
	ok, err := store.GetJSON(ctx, g.c.Lobbies, store.LobbyKey(g.c.LobbyID), &l)
	if err != nil {
		log.WarnContext(ctx, "guard: read lobby failed", "error", err)
		return false
	}
	if !ok || !g.applies(l) {
		telemetry.AutoLeave.WithLabelValues("not_applicable").Inc()
		return false
	}

	token, err := g.c.Tokens.Token(ctx)
	if err != nil || token == "" {
		telemetry.AutoLeave.WithLabelValues("no_credential").Inc()
		return false
	}

	if !g.done.CompareAndSwap(false, true) {
		return false
	}

	telemetry.AutoLeave.WithLabelValues("sent").Inc()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.c.Timeout)
		defer cancel()

		if err := g.c.API.LeaveLobby(ctx, g.c.LobbyID); err != nil {
			log.WarnContext(ctx, "guard: best-effort leave failed", "error", err)
			return
		}
		log.InfoContext(ctx, "guard: left lobby on departure")
	}()

	return true
}

// applies reports whether the user would be left behind as a ghost participant.
func (g *Guard) applies(l domain.Lobby) bool {
	return l.Status == domain.LobbyStatusWaiting &&
		l.Host != g.c.Me &&
		l.IsParticipant(g.c.Me)
}

// Wait blocks until an issued leave request has finished. Hosts call it before
// exiting so the request is not cut short.
func (g *Guard) Wait() {
	g.wg.Wait()
}
