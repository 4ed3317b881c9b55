package server

import (
	"context"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pagerelay/backend/internal/api/middleware"
	"github.com/pagerelay/backend/internal/broker"
	"github.com/pagerelay/backend/internal/config"
	"github.com/pagerelay/backend/internal/document"
	"github.com/pagerelay/backend/internal/events"
	"github.com/pagerelay/backend/internal/http"
	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/monitoring"
	"github.com/pagerelay/backend/internal/relay"
	"github.com/pagerelay/backend/internal/session"
	"github.com/pagerelay/backend/internal/store"
	"github.com/pagerelay/backend/internal/upstream"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	httpd  *nethttp.Server
	store  store.Store
	cache  *relay.LiveCache
	logger *logging.Logger
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	registry := session.NewRegistry(st, cfg.Relay.SessionTTL)
	presence := session.NewPresence(registry, st, cfg.Relay.PresenceTTL)
	brk := broker.New(st, registry, presence, logger, metrics)
	channel := events.NewChannel(st, registry, presence, logger, metrics, 0)

	up := upstream.New(upstream.Config{
		BaseURL:  cfg.Upstream.URL,
		RetryMax: cfg.Upstream.RetryMax,
	}, logger)

	meta := relay.NewManager(st, cfg.Relay.ConversationTTL)
	cache := relay.NewLiveCache(metrics)
	controller := relay.NewController(meta, cache, up, brk, registry,
		cfg.Server.PublicURL, logger, metrics)

	handlers := http.NewHandlers(registry, brk, channel, controller,
		document.NewIngestor(), logger, metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}
	router.Use(metrics.Middleware())

	router.GET("/", handlers.Root)
	router.GET("/healthz", handlers.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.POST("/session", handlers.CreateSession)
	router.DELETE("/session/:id", handlers.DeleteSession)

	router.GET("/events", handlers.Events)
	router.GET("/events/ws", handlers.EventsWS)

	router.POST("/dispatch", handlers.Dispatch)
	router.POST("/respond", handlers.Respond)

	router.POST("/agent/run", handlers.RunTurn)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		cfg:    cfg,
		router: router,
		httpd: &nethttp.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		store:  st,
		cache:  cache,
		logger: logger.Named("server"),
	}, nil
}

// Run starts serving and blocks until the listener fails or is shut
// down.
func (s *Server) Run() error {
	s.logger.Info("listening", zap.String("addr", s.httpd.Addr))
	err := s.httpd.ListenAndServe()
	if err == nethttp.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, releases parked upstream
// connections, and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpd.Shutdown(ctx)
	s.cache.Drain()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func openStore(cfg *config.Config, logger *logging.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := store.NewRedis(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		logger.Info("using redis store", zap.String("url", cfg.Store.RedisURL))
		return st, nil
	case "memory", "":
		logger.Warn("using in-memory store; sessions will not survive restarts")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
