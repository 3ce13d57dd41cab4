package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/errors"
	"github.com/victornm/quizlive/internal/event"
)

const (
	defaultPublishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus        *event.Bus
	Redis           redis.UniversalClient
	Prefix          string
	PublishInterval time.Duration
	Clock           clockwork.Clock
}

// Service keeps the latest leaderboard of every session the user takes part in
// and tells views when it changed.
type Service struct {
	eb       *event.Bus
	redis    redis.UniversalClient
	prefix   string
	interval time.Duration
	clock    clockwork.Clock

	mu      sync.Mutex
	pending map[string]clockwork.Timer // deferred publishes by session
	stopped bool
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		redis:    c.Redis,
		prefix:   c.Prefix,
		interval: c.PublishInterval,
		clock:    c.Clock,
		pending:  make(map[string]clockwork.Timer),
	}

	if s.interval <= 0 {
		s.interval = defaultPublishInterval
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	s.eb.Subscribe(domain.EventNameLeaderboardReceived, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventLeaderboardReceived))
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the leaderboard for a session, highest score first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			Email: z.Member.(string),
			Score: decimal.NewFromFloat(z.Score),
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard replaces the stored leaderboard with the one pushed by the
// server. The server's leaderboard is always complete.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventLeaderboardReceived) error {
	lb := e.Leaderboard
	if lb.SessionID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("leaderboard without session"))
	}

	key := s.getLeaderboardKey(lb.SessionID)
	if _, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(lb.Entries) == 0 {
			return nil
		}

		members := make([]redis.Z, 0, len(lb.Entries))
		for _, en := range lb.Entries {
			members = append(members, redis.Z{
				Score:  en.Score.InexactFloat64(),
				Member: en.Email,
			})
		}
		p.ZAdd(ctx, key, members...)
		return nil
	}); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, lb.SessionID)
}

// schedulePublishLeaderboard publishes at most one change per session and
// interval. Leaderboards come with every question end, and views only need the
// latest one. A change inside the interval is published once it ends.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, sessionID string) error {
	now := s.clock.Now().UnixMilli()

	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(sessionID), now, s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		s.deferPublish(ctx, sessionID)
		return nil
	}

	return s.publishLeaderboard(ctx, sessionID, now)
}

func (s *Service) deferPublish(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.pending[sessionID] != nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.pending[sessionID] = s.clock.AfterFunc(s.interval, func() {
		s.mu.Lock()
		delete(s.pending, sessionID)
		s.mu.Unlock()

		if err := s.publishLeaderboard(ctx, sessionID, s.clock.Now().UnixMilli()); err != nil {
			slog.WarnContext(ctx, "leaderboard: deferred publish failed", "session", sessionID, "error", err)
		}
	})
}

// Stop cancels deferred publishes.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}

func (s *Service) publishLeaderboard(ctx context.Context, sessionID string, at int64) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: sessionID,
	})
	if errors.Is(err, errors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", sessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return s.redis.Set(ctx, s.getLeaderboardTimeKey(sessionID), at, s.interval).Err()
}

func (s *Service) getLeaderboardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) getLeaderboardTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
