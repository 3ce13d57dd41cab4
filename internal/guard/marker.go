package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizlive/internal/store"
)

const (
	markerKey = "guard:skip_next_auto_leave"
	markerTTL = time.Minute
)

// Marker is the "skip next auto-leave" flag. It lives in session-scoped storage
// and is cleared when read. The value is its expiry time, so stores without
// native expiry still drop a stale marker.
type Marker struct {
	store store.Store
	clock clockwork.Clock
}

type MarkerOption func(m *Marker)

func WithClock(c clockwork.Clock) MarkerOption {
	return func(m *Marker) {
		m.clock = c
	}
}

func NewMarker(s store.Store, opts ...MarkerOption) *Marker {
	m := &Marker{store: s, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set asks the next departure to be treated as a deliberate transition.
func (m *Marker) Set(ctx context.Context) error {
	v := []byte(m.clock.Now().Add(markerTTL).UTC().Format(time.RFC3339Nano))
	if e, ok := m.store.(store.Expiring); ok {
		return e.SetTTL(ctx, markerKey, v, markerTTL)
	}
	return m.store.Set(ctx, markerKey, v)
}

// Take reports whether an unexpired marker was set, and clears it.
func (m *Marker) Take(ctx context.Context) bool {
	v, ok, err := m.store.Get(ctx, markerKey)
	if err != nil {
		slog.WarnContext(ctx, "guard: read skip marker failed", "error", err)
		return false
	}
	if !ok {
		return false
	}

	if err := m.store.Delete(ctx, markerKey); err != nil {
		slog.WarnContext(ctx, "guard: clear skip marker failed", "error", err)
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		slog.WarnContext(ctx, "guard: malformed skip marker", "error", err)
		return false
	}
	return m.clock.Now().Before(expiry)
}
