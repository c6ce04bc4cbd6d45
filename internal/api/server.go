package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	fLogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/javi11/nfsvfs/internal/config"
	"github.com/javi11/nfsvfs/internal/pool"
	"github.com/javi11/nfsvfs/pkg/vfsbridge"
)

// Config represents API server configuration
type Config struct {
	Prefix    string // API path prefix (default: "/api")
	AccessLog bool   // Log every request with the fiber logger
}

// DefaultConfig returns default API configuration
func DefaultConfig() *Config {
	return &Config{
		Prefix: "/api",
	}
}

// ConfigManager is the part of config.Manager the API exposes
type ConfigManager interface {
	GetConfig() *config.Config
}

// Server serves file streams and diagnostics for one engine
type Server struct {
	config        *Config
	engine        *vfsbridge.Engine
	metrics       *pool.MetricsTracker
	configManager ConfigManager
	streams       *StreamTracker
	app           *fiber.App
	logger        *slog.Logger
	startTime     time.Time
}

// NewServer creates the fiber app and registers routes. metrics and
// configManager are optional.
func NewServer(cfg *Config, engine *vfsbridge.Engine, metrics *pool.MetricsTracker, configManager ConfigManager) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/api"
	}

	s := &Server{
		config:        cfg,
		engine:        engine,
		metrics:       metrics,
		configManager: configManager,
		streams:       NewStreamTracker(2 * time.Second),
		logger:        slog.Default().With("component", "api"),
		startTime:     time.Now(),
	}

	s.app = s.newApp()
	s.setupRoutes()
	return s
}

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			s.logger.ErrorContext(c.UserContext(), "Request failed",
				"path", c.Path(),
				"status", code,
				"error", err)

			return RespondError(c, code, ErrCodeInternalServer, err.Error(), "")
		},
	})

	app.Use(recover.New())
	if s.config.AccessLog {
		app.Use(fLogger.New())
	}

	return app
}

// setupRoutes configures all API routes under the prefix
func (s *Server) setupRoutes() {
	api := s.app.Group(s.config.Prefix)

	api.Get("/health", s.handleHealth)
	api.Get("/stats", s.handleStats)
	api.Get("/sessions", s.handleSessions)
	api.Get("/files", s.handleOpenFiles)
	api.Get("/streams", s.handleStreams)
	api.Get("/stat", s.handleStat)
	api.Post("/hints", s.handleAddHint)
	api.Get("/config", s.handleGetConfig)

	// HEAD is registered alongside GET by fiber.
	api.Get("/stream", s.handleStream)
}

// App returns the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Streams returns the active stream tracker
func (s *Server) Streams() *StreamTracker {
	return s.streams
}

// Listen serves on addr until Shutdown is called
func (s *Server) Listen(addr string) error {
	s.logger.Info("API server listening", "addr", addr, "prefix", s.config.Prefix)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for active ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.streams.Stop()
	return s.app.ShutdownWithContext(ctx)
}
