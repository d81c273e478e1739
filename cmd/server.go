package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Martin-Hayot/auction-engine/configs"
	"github.com/Martin-Hayot/auction-engine/internal/auth"
	"github.com/Martin-Hayot/auction-engine/internal/clock"
	"github.com/Martin-Hayot/auction-engine/internal/database"
	"github.com/Martin-Hayot/auction-engine/internal/engine"
	"github.com/Martin-Hayot/auction-engine/internal/fanout"
	"github.com/Martin-Hayot/auction-engine/internal/handlers/api"
	"github.com/Martin-Hayot/auction-engine/internal/handlers/websocket"
	"github.com/Martin-Hayot/auction-engine/internal/metrics"
	"github.com/Martin-Hayot/auction-engine/internal/ratelimit"
	"github.com/Martin-Hayot/auction-engine/pkg/redis"
)

// backend is what the engine and the cookie authenticator need from storage. Both the
// Postgres service and the memory store provide it.
type backend interface {
	engine.Store
	engine.Settler
	auth.UserLookup
}

type Server struct {
	cfg        *configs.Config
	httpServer *http.Server
	engine     *engine.Engine
	hub        *fanout.Hub
	ws         *websocket.AuctionHandler
	limiter    *ratelimit.Memory

	db    database.Service
	redis *goredis.Client

	cancel context.CancelFunc
}

// NewServer connects every dependency named by cfg, boots the engine and builds the router.
// Nothing listens until Start.
func NewServer(ctx context.Context, cfg *configs.Config) (_ *Server, err error) {
	s := &Server{cfg: cfg}
	defer func() {
		if err != nil {
			s.closeDeps()
		}
	}()

	store, health, err := s.openStore(cfg)
	if err != nil {
		return nil, err
	}

	if needsRedis(cfg) {
		rc := redis.DefaultClientConfig()
		rc.PoolSize = cfg.Redis.PoolSize
		if s.redis, err = redis.New(ctx, cfg.Redis.URL, rc); err != nil {
			return nil, err
		}
		dbHealth := health
		health = func() map[string]string {
			stats := redis.Health(context.Background(), s.redis)
			if dbHealth != nil {
				for k, v := range dbHealth() {
					if k == "status" && v != "up" {
						stats[k] = v
						continue
					}
					stats["db_"+k] = v
				}
			}
			return stats
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("auction")
	if err := m.Register(reg); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	broadcaster, err := s.openBroadcaster(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.hub = fanout.NewHub(broadcaster, fanout.HubConfig{
		SubscriberBuffer: cfg.Fanout.SubscriberBuffer,
		PublishRetry:     cfg.Fanout.PublishRetry,
	}, m)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(runCtx)

	clk := clock.New()
	var limiter ratelimit.Limiter
	if s.redis != nil {
		limiter = ratelimit.NewRedis(s.redis, clk)
	} else {
		s.limiter = ratelimit.NewMemory(clk, time.Minute)
		limiter = s.limiter
	}

	s.engine, err = engine.New(engineConfig(cfg), engine.Deps{
		Store:     store,
		Publisher: s.hub,
		Settler:   store,
		Limiter:   limiter,
		Clock:     clk,
		Metrics:   m,
	})
	if err != nil {
		return nil, err
	}
	if err := s.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}

	authn, err := newAuthenticator(cfg, store)
	if err != nil {
		return nil, err
	}

	s.ws = websocket.NewAuctionWebSocketHandler(s.engine, s.hub, authn, websocket.Config{
		PingInterval:      cfg.WebSocket.PingInterval,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		Burst:             cfg.WebSocket.Burst,
		RequestTimeout:    cfg.Engine.StoreTimeout,
		AllowCrossOrigin:  cfg.Features.AllowCrossOrigin,
	})

	r := mux.NewRouter()
	api.NewHandler(s.engine, health).Register(r, authn)
	r.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	r.HandleFunc("/ws/auction", s.ws.HandleAuctionWebSocket)

	var handler http.Handler = r
	if cfg.Features.EnableLogging {
		handler = loggingMiddleware(handler)
	}
	if cfg.Features.AllowCrossOrigin {
		handler = api.CORS(handler)
	}

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) openStore(cfg *configs.Config) (backend, api.HealthFunc, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using the in-memory store, sessions do not survive a restart")
		return database.NewMemoryStore(), nil, nil
	}

	db, err := database.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	s.db = db
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db.DB()); err != nil {
			return nil, nil, err
		}
	}
	return db, db.Health, nil
}

func (s *Server) openBroadcaster(ctx context.Context, cfg *configs.Config) (fanout.Broadcaster, error) {
	buffer := cfg.Fanout.SubscriberBuffer * 4
	switch cfg.Fanout.Transport {
	case "redis":
		return fanout.NewRedisBroadcaster(ctx, s.redis, buffer), nil
	case "postgres":
		if s.db == nil {
			return nil, fmt.Errorf("postgres fan-out requires the postgres store")
		}
		return fanout.NewPostgresBroadcaster(s.db.DB(), cfg.DSN(), buffer), nil
	default:
		log.Warn("Using in-process fan-out, events reach only this instance")
		return fanout.NewMemoryBus().Attach(buffer), nil
	}
}

func needsRedis(cfg *configs.Config) bool {
	return cfg.Fanout.Transport == "redis" || cfg.Redis.URL != ""
}

func engineConfig(cfg *configs.Config) engine.Config {
	return engine.Config{
		BidLimit:      cfg.Engine.BidLimit,
		BidWindow:     cfg.Engine.BidWindow,
		ChatLimit:     cfg.Engine.ChatLimit,
		ChatWindow:    cfg.Engine.ChatWindow,
		EvictionGrace: cfg.Engine.EvictionGrace,
		SweepInterval: cfg.Engine.SweepInterval,
		MailboxSize:   cfg.Engine.MailboxSize,
		StoreTimeout:  cfg.Engine.StoreTimeout,
		RetryDelay:    cfg.Engine.RetryDelay,
		MaxChatLength: cfg.Engine.MaxChatLength,
	}
}

func newAuthenticator(cfg *configs.Config, users auth.UserLookup) (auth.Authenticator, error) {
	if cfg.Features.DevAuth {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("features.devAuth cannot be enabled in production")
		}
		log.Warn("Development authentication enabled, identities are taken from X-User-ID")
		return auth.DevAuthenticator{}, nil
	}
	return auth.NewCookieAuthenticator(cfg.Auth.SecretKey, users)
}

// Handler is the root HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Engine() *engine.Engine {
	return s.engine
}

func (s *Server) Start() error {
	log.Info("Server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, disconnects websocket clients, stops every session
// machine so pending events are flushed, then closes the fan-out and the connections.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Starting graceful shutdown")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.ws != nil {
		s.ws.Close()
	}
	if s.engine != nil {
		s.engine.Close()
	}
	s.closeDeps()

	if err != nil {
		return err
	}
	log.Info("Server stopped gracefully")
	return nil
}

func (s *Server) closeDeps() {
	if s.hub != nil {
		if err := s.hub.Close(); err != nil {
			log.Warn("Closing fan-out hub", "err", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Warn("Closing redis client", "err", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn("Closing database", "err", err)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code. It keeps Hijack
// available for websocket upgrades.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		wrapped.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapped, r)

		log.Debug("HTTP request",
			"requestId", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}
