package app

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hibiki-ye/cookiebroker/internal/auditlog"
	"github.com/hibiki-ye/cookiebroker/internal/coordinator"
	"github.com/hibiki-ye/cookiebroker/internal/httpapi"
	"github.com/hibiki-ye/cookiebroker/internal/hub"
	"github.com/hibiki-ye/cookiebroker/internal/logging"
	"github.com/hibiki-ye/cookiebroker/internal/metrics"
	"github.com/hibiki-ye/cookiebroker/internal/ratelimit"
	"github.com/hibiki-ye/cookiebroker/internal/session"
	"github.com/hibiki-ye/cookiebroker/internal/store"
	"github.com/hibiki-ye/cookiebroker/internal/tracing"
)

const (
	monitorInterval = time.Minute
	sweepInterval   = 5 * time.Minute
	// sessionGrace is how long an unconnected, inactive session is kept
	// before it is reclaimed.
	sessionGrace = 10 * time.Minute
	// persistTimeout bounds the final state flush on shutdown.
	persistTimeout = 3 * time.Second
)

type Server struct {
	cfg      Config
	settings Settings

	r      *chi.Mux
	logger *slog.Logger

	store    *store.Store
	hub      *hub.Hub
	registry *session.Registry
	coord    *coordinator.Coordinator
	audit    *auditlog.Log
	limiter  *ratelimit.Limiter

	tracingShutdown func(context.Context) error

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	settings, err := LoadSettings(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := st.Load(); err != nil {
		return nil, err
	}
	logger.Info("cookie store loaded",
		slog.String("dir", cfg.DataDir),
		slog.Int("cookies", st.Snapshot().Count))

	m := metrics.New()
	m.SetCookiesStored(st.Snapshot().Count)

	h := hub.New()
	reg := session.NewRegistry()

	coord := coordinator.New(st, h, m, coordinator.Options{
		MaxConcurrent: settings.MaxConcurrentClients,
		MaxInactive:   time.Duration(settings.MaxInactiveMinutes) * time.Minute,
		SaveMaxConcurrent: func(n int) error {
			return SaveMaxConcurrent(cfg.ConfigFile, n)
		},
	})
	st.SetNotifier(&storeNotifier{hub: h, coord: coord, metrics: m})

	auditPath := cfg.AuditPath
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "broker_audit.sqlite")
	}
	audit, err := auditlog.Open(auditPath)
	if err != nil {
		return nil, err
	}

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "cookiebroker",
	})
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Admin-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(limiter.Middleware)
	r.Use(tracing.Middleware())

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Logger:             logger,
		Store:              st,
		Registry:           reg,
		Coordinator:        coord,
		Hub:                h,
		Metrics:            m,
		Audit:              audit,
		HeartbeatInterval:  settings.HeartbeatInterval,
		MaxInactiveMinutes: settings.MaxInactiveMinutes,
		StartedAt:          time.Now(),
		ExposeAdminKey:     cfg.ExposeAdminKey,
		StrategyTuning:     cfg.StrategyTuning,
	})

	return &Server{
		cfg:             cfg,
		settings:        settings,
		r:               r,
		logger:          logger,
		store:           st,
		hub:             h,
		registry:        reg,
		coord:           coord,
		audit:           audit,
		limiter:         limiter,
		tracingShutdown: shutdownTracing,
	}, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Start launches the inactivity monitor and the stale-session sweeper.
func (s *Server) Start() {
	s.coord.Start(monitorInterval)

	s.stopSweep = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, id := range s.registry.Sweep(sessionGrace) {
					s.coord.Release(id, "session_expired")
				}
			case <-s.stopSweep:
				return
			}
		}
	}()
}

// Close notifies connected workers, flushes state to disk, and releases all
// resources. The context bounds the whole shutdown.
func (s *Server) Close(ctx context.Context) error {
	s.coord.Stop()
	if s.stopSweep != nil {
		close(s.stopSweep)
		<-s.sweepDone
	}

	for _, ac := range s.coord.Status().Active {
		_ = s.hub.Send(ac.SessionID, hub.Message{
			Type:   hub.TypeAccessRevoked,
			Reason: "server_shutdown",
		})
	}

	persistCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := s.store.Persist(persistCtx); err != nil {
		s.logger.Warn("final state flush failed", slog.String("error", err.Error()))
	}

	s.hub.CloseAll()
	s.limiter.Stop()

	var firstErr error
	if err := s.audit.Close(); err != nil {
		firstErr = err
	}
	if err := s.tracingShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// storeNotifier fans cookie-store changes out to workers and lets the
// coordinator re-check its queue, since new domains can unblock waiters.
type storeNotifier struct {
	hub     *hub.Hub
	coord   *coordinator.Coordinator
	metrics *metrics.Registry
}

func (n *storeNotifier) CookiesUpdated(count int, loggedIn bool, at time.Time) {
	n.metrics.SetCookiesStored(count)
	li := loggedIn
	n.hub.Broadcast(hub.Message{
		Type:      hub.TypeCookiesUpdated,
		Count:     count,
		LoggedIn:  &li,
		Timestamp: at.Format(time.RFC3339Nano),
	})
	n.metrics.ObserveNotification(string(hub.TypeCookiesUpdated))
	n.coord.Reevaluate()
}

func (n *storeNotifier) CookiesCleared(at time.Time) {
	n.metrics.SetCookiesStored(0)
	n.hub.Broadcast(hub.Message{
		Type:      hub.TypeCookiesCleared,
		Timestamp: at.Format(time.RFC3339Nano),
	})
	n.metrics.ObserveNotification(string(hub.TypeCookiesCleared))
}
