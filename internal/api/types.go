package api

import (
	"time"

	"github.com/javi11/nfsvfs/internal/blockcache"
	"github.com/javi11/nfsvfs/internal/pool"
	"github.com/javi11/nfsvfs/internal/prefetch"
	"github.com/javi11/nfsvfs/internal/vfs"
)

// StatsResponse aggregates every component counter
type StatsResponse struct {
	Uptime       string                `json:"uptime"`
	Cache        *blockcache.Stats     `json:"cache,omitempty"`
	StatCache    pool.StatCacheStats   `json:"stat_cache"`
	Orchestrator *OrchestratorResponse `json:"orchestrator,omitempty"`
	Pool         pool.MetricsSnapshot  `json:"pool"`
	Prefetch     *prefetch.Stats       `json:"prefetch,omitempty"`
	OpenFiles    int                   `json:"open_files"`
	Streams      int                   `json:"streams"`
}

// OrchestratorResponse adds the current wait budget to the read counters
type OrchestratorResponse struct {
	vfs.OrchestratorStats
	TimeoutMS float64 `json:"timeout_ms"`
}

// HintRequest registers a path hint
type HintRequest struct {
	URL    string `json:"url"`
	Server string `json:"server"`
	Export string `json:"export"`
	Path   string `json:"path"`
}

// StatResponse is the metadata of one remote file
type StatResponse struct {
	URL      string    `json:"url"`
	Resource string    `json:"resource"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Mode     string    `json:"mode"`
	IsDir    bool      `json:"is_dir"`
	ModTime  time.Time `json:"mod_time"`
}
