// Package countdown derives the seconds shown by countdown and question timers
// from server timestamps. It never decides whether a deadline has passed.
package countdown

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizlive/internal/domain"
)

const DefaultInterval = 200 * time.Millisecond

type Values struct {
	// CountdownSeconds is left before the session starts.
	CountdownSeconds int
	// SecondsLeft is left to answer the current question.
	SecondsLeft int
}

// Compute projects st at now.
func Compute(st domain.SessionState, now time.Time) Values {
	var v Values

	if st.Status == domain.SessionStatusCountdown && st.StartAt != nil {
		v.CountdownSeconds = secondsUntil(*st.StartAt, now)
	}
	if st.Status == domain.SessionStatusRunning && st.EndsAt != nil {
		v.SecondsLeft = secondsUntil(*st.EndsAt, now)
	}

	return v
}

func secondsUntil(deadline, now time.Time) int {
	if deadline.IsZero() {
		return 0
	}

	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Source returns the latest snapshot, or false if there is none.
type Source func(ctx context.Context) (domain.SessionState, bool, error)

type Config struct {
	Source Source
	Sink   func(Values)
	// Interval between two projections. Defaults to DefaultInterval.
	Interval time.Duration
	Clock    clockwork.Clock
}

// Projector recomputes Values on every tick, independently of snapshot updates.
type Projector struct {
	source   Source
	sink     func(Values)
	interval time.Duration
	clock    clockwork.Clock
}

func NewProjector(c Config) *Projector {
	p := &Projector{
		source:   c.Source,
		sink:     c.Sink,
		interval: c.Interval,
		clock:    c.Clock,
	}

	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}

	return p
}

// Run projects once immediately, then on every tick until ctx is done.
func (p *Projector) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.project(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.project(ctx)
		}
	}
}

func (p *Projector) project(ctx context.Context) {
	st, ok, err := p.source(ctx)
	if err != nil {
		slog.WarnContext(ctx, "countdown: read snapshot failed", "error", err)
		return
	}
	if !ok {
		p.sink(Values{})
		return
	}

	p.sink(Compute(st, p.clock.Now()))
}
