// Package app wires the live-quiz client together and hosts it for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/countdown"
	"github.com/victornm/quizlive/internal/domain"
	"github.com/victornm/quizlive/internal/event"
	"github.com/victornm/quizlive/internal/guard"
	"github.com/victornm/quizlive/internal/leaderboard"
	"github.com/victornm/quizlive/internal/live"
	"github.com/victornm/quizlive/internal/lobby"
	"github.com/victornm/quizlive/internal/restapi"
	"github.com/victornm/quizlive/internal/store"
	"github.com/victornm/quizlive/internal/telemetry"
	"github.com/victornm/quizlive/internal/transport"
	"github.com/victornm/quizlive/internal/transport/natsps"
	"github.com/victornm/quizlive/internal/transport/redisps"
	"github.com/victornm/quizlive/internal/transport/ws"
)

// Real-time backends.
const (
	BackendWebsocket = "ws"
	BackendRedis     = "redis"
	BackendNATS      = "nats"
)

const leaveTimeout = 5 * time.Second

type Config struct {
	// HTTP serves /metrics and /debug/pprof. Zero disables it.
	HTTP struct {
		Port int32
	}

	API struct {
		BaseURL string
		Timeout time.Duration
	}

	Realtime struct {
		Backend            string
		URL                string
		RetryDelay         time.Duration
		NotificationsTopic string
	}

	// Redis holds the durable cache and leaderboards. Without addresses
	// everything is kept in memory and leaderboards are not tracked.
	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	User struct {
		Email string
		// Token, if set, is saved as the access credential on start.
		Token string
	}

	Countdown struct {
		Interval time.Duration
	}

	Lobby struct {
		KeepAliveOnStart bool
	}
}

// DefaultConfig returns the values used for anything the config file omits.
func DefaultConfig() Config {
	var c Config
	c.API.Timeout = 10 * time.Second
	c.Realtime.Backend = BackendWebsocket
	c.Realtime.RetryDelay = 5 * time.Second
	c.Realtime.NotificationsTopic = transport.DefaultNotificationsTopic
	c.Redis.Prefix = "quizlive"
	c.Countdown.Interval = countdown.DefaultInterval
	c.Lobby.KeepAliveOnStart = true
	return c
}

type App struct {
	c Config

	eb *event.Bus

	infra struct {
		redis redis.UniversalClient
		// durable holds the credential and the snapshot cache.
		durable store.Store
		// tab holds what only lives as long as this process.
		tab   store.Store
		cache store.Store
	}

	tokens auth.TokenSource
	api    *restapi.Client
	mux    *transport.Mux

	service struct {
		lobby       *lobby.Reducer
		live        *live.Reducer
		leaderboard *leaderboard.Service
	}

	marker *guard.Marker

	// mu guards the views below. They are switched from both the CLI and the
	// real-time goroutine.
	mu        sync.Mutex
	guard     *guard.Guard
	timerStop context.CancelFunc
	timerDone chan struct{}

	http *http.Server
}

func Init(c Config) (*App, error) {
	if c.API.Timeout <= 0 {
		c.API.Timeout = DefaultConfig().API.Timeout
	}

	a := &App{c: c}

	a.eb = event.NewBus()

	if err := a.initInfra(); err != nil {
		return nil, fmt.Errorf("app: init infra: %w", err)
	}

	if err := a.initTransport(); err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	a.initService()
	a.initHTTP()
	return a, nil
}

func (a *App) initInfra() error {
	if len(a.c.Redis.Addrs) == 0 {
		a.infra.durable = store.NewMemory()
		a.infra.tab = store.NewMemory()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    a.c.Redis.Addrs,
			Password: a.c.Redis.Pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return fmt.Errorf("redis: %w", err)
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}

		a.infra.redis = r
		a.infra.durable = store.NewRedis(r, a.c.Redis.Prefix+":"+a.c.User.Email)
		a.infra.tab = store.NewRedis(r, a.c.Redis.Prefix+":tab:"+uuid.NewString())
	}

	a.infra.cache = store.NewObserved(a.infra.durable, a.eb)
	a.tokens = auth.Stored{Store: a.infra.durable}

	if t := a.c.User.Token; t != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := auth.Save(ctx, a.infra.durable, auth.DefaultTokenKey, t); err != nil {
			return fmt.Errorf("save credential: %w", err)
		}
	}
	a.marker = guard.NewMarker(a.infra.tab)

	a.api = restapi.New(restapi.Config{
		BaseURL:    a.c.API.BaseURL,
		Tokens:     a.tokens,
		HTTPClient: &http.Client{Timeout: a.c.API.Timeout},
	})

	return nil
}

func (a *App) initTransport() error {
	var d transport.Dialer
	switch a.c.Realtime.Backend {
	case BackendWebsocket, "":
		d = ws.NewDialer(ws.DefaultConfig(a.c.Realtime.URL))
	case BackendRedis:
		if a.infra.redis == nil {
			return fmt.Errorf("redis backend requires redis addresses")
		}
		d = redisps.NewDialer(a.infra.redis, a.c.Redis.Prefix+":pubsub")
	case BackendNATS:
		d = natsps.NewDialer(natsps.Config{URL: a.c.Realtime.URL})
	default:
		return fmt.Errorf("unknown real-time backend %q", a.c.Realtime.Backend)
	}

	a.mux = transport.New(transport.Config{
		Dialer:             d,
		Tokens:             a.tokens,
		RetryDelay:         a.c.Realtime.RetryDelay,
		NotificationsTopic: a.c.Realtime.NotificationsTopic,
	})
	return nil
}

func (a *App) initService() {
	a.service.lobby = lobby.NewReducer(lobby.Config{
		Realtime:         a.mux,
		Store:            a.infra.cache,
		API:              a.api,
		Navigator:        a,
		Skipper:          a.marker,
		KeepAliveOnStart: a.c.Lobby.KeepAliveOnStart,
	})

	a.service.live = live.NewReducer(live.Config{
		Realtime: a.mux,
		Store:    a.infra.cache,
		API:      a.api,
		EventBus: a.eb,
		Me:       a.c.User.Email,
	})

	if a.infra.redis != nil {
		a.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: a.eb,
			Redis:    a.infra.redis,
			Prefix:   a.c.Redis.Prefix,
		})
	}

	a.eb.Subscribe(domain.EventNameSnapshotUpdated, a.onSnapshotUpdated)
	a.eb.Subscribe(domain.EventNameLeaderboardUpdated, a.onLeaderboardUpdated)
}

func (a *App) initHTTP() {
	if a.c.HTTP.Port == 0 {
		return
	}

	a.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.c.HTTP.Port),
		Handler:           newDebugRouter(),
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// newDebugRouter serves metrics and pprof. Middleware must be installed before
// the routes it applies to.
func newDebugRouter() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	return e
}

// Start connects and serves the debug endpoints. It blocks until ctx is done or a server fails.
func (a *App) Start(ctx context.Context) error {
	a.mux.Connect(ctx, a.onNotification)

	eg, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		eg.Go(func() error {
			slog.InfoContext(ctx, fmt.Sprintf("app: HTTP listening on port %d", a.c.HTTP.Port))
			if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		return nil
	})

	return eg.Wait()
}

func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.stopTimer()
	a.service.live.Current().Detach()
	a.service.lobby.Current().Detach()
	a.mux.Disconnect()

	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "app: shutdown HTTP failed", "error", err)
		}
	}

	if a.service.leaderboard != nil {
		a.service.leaderboard.Stop()
	}
	a.eb.Stop()

	if a.infra.redis != nil {
		if err := a.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "app: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "app: shutdown completed")
}

// CurrentLobby returns the snapshot of the lobby being viewed.
func (a *App) CurrentLobby(ctx context.Context) (*domain.Lobby, bool, error) {
	cur := a.service.lobby.Current()
	if cur == nil {
		return nil, false, nil
	}
	return a.service.lobby.Snapshot(ctx, cur.LobbyID())
}

// CurrentSession returns the snapshot of the live session being followed.
func (a *App) CurrentSession(ctx context.Context) (*domain.SessionState, bool, error) {
	cur := a.service.live.Current()
	if cur == nil {
		return nil, false, nil
	}
	return a.service.live.Snapshot(ctx, cur.SessionID())
}

// Connected reports whether the real-time connection is up.
func (a *App) Connected() bool {
	return a.mux.Connected()
}
