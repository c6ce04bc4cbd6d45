package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/javi11/nfsvfs/internal/pool"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return RespondSuccess(c, fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	p := s.engine.Pool()

	resp := StatsResponse{
		Uptime:    time.Since(s.startTime).Truncate(time.Second).String(),
		StatCache: p.StatCache().Stats(),
		Pool:      s.poolSnapshot(p),
		Streams:   len(s.streams.GetAll()),
	}

	fsys, err := s.engine.FileSystem()
	if err == nil {
		cacheStats := fsys.Cache().Stats()
		resp.Cache = &cacheStats

		orch := fsys.Orchestrator()
		resp.Orchestrator = &OrchestratorResponse{
			OrchestratorStats: orch.Stats(),
			TimeoutMS:         float64(orch.Timeout().Current()) / float64(time.Millisecond),
		}
		resp.OpenFiles = len(fsys.OpenFiles())
	}

	if w := s.engine.PrefetchWorker(); w != nil {
		ps := w.Stats()
		resp.Prefetch = &ps
	}

	return RespondSuccess(c, resp)
}

func (s *Server) poolSnapshot(p *pool.Pool) pool.MetricsSnapshot {
	if s.metrics != nil {
		return s.metrics.GetSnapshot()
	}
	return pool.MetricsSnapshot{
		Counters: p.Counters(),
		Sessions: len(p.Sessions()),
	}
}

func (s *Server) handleSessions(c *fiber.Ctx) error {
	return RespondSuccess(c, s.engine.Pool().Sessions())
}

func (s *Server) handleStreams(c *fiber.Ctx) error {
	return RespondSuccess(c, s.streams.GetAll())
}

func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	if s.configManager == nil {
		return RespondServiceUnavailable(c, "Configuration is not available", "")
	}

	cfg := s.configManager.GetConfig().DeepCopy()
	if cfg.Upstream.S3.SecretAccessKey != "" {
		cfg.Upstream.S3.SecretAccessKey = "********"
	}
	return RespondSuccess(c, cfg)
}
