package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type counters struct {
	mounts       atomic.Int64
	mountErrors  atomic.Int64
	rpcs         atomic.Int64
	rpcErrors    atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

// Counters is a raw snapshot of the pool's cumulative counters.
type Counters struct {
	Mounts       int64     `json:"mounts"`
	MountErrors  int64     `json:"mount_errors"`
	RPCs         int64     `json:"rpcs"`
	RPCErrors    int64     `json:"rpc_errors"`
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	Timestamp    time.Time `json:"timestamp"`
}

// Counters returns the cumulative counters.
func (p *Pool) Counters() Counters {
	return Counters{
		Mounts:       p.counters.mounts.Load(),
		MountErrors:  p.counters.mountErrors.Load(),
		RPCs:         p.counters.rpcs.Load(),
		RPCErrors:    p.counters.rpcErrors.Load(),
		BytesRead:    p.counters.bytesRead.Load(),
		BytesWritten: p.counters.bytesWritten.Load(),
		Timestamp:    time.Now(),
	}
}

// MetricsSnapshot represents pool metrics at a point in time with calculated values
type MetricsSnapshot struct {
	Counters
	ReadSpeedBytesPerSec    float64 `json:"read_speed_bytes_per_sec"`
	MaxReadSpeedBytesPerSec float64 `json:"max_read_speed_bytes_per_sec"`
	WriteSpeedBytesPerSec   float64 `json:"write_speed_bytes_per_sec"`
	Sessions                int     `json:"sessions"`
}

// CounterSource is what the tracker samples.
type CounterSource interface {
	Counters() Counters
}

// MetricsTracker samples pool counters over time and calculates rates.
type MetricsTracker struct {
	source            CounterSource
	sessions          func() int
	mu                sync.Mutex
	samples           []Counters
	sampleInterval    time.Duration
	retentionPeriod   time.Duration
	calculationWindow time.Duration
	maxReadSpeed      float64
	cancel            context.CancelFunc
	logger            *slog.Logger
}

// NewMetricsTracker creates a tracker for p.
func NewMetricsTracker(p *Pool) *MetricsTracker {
	mt := newMetricsTracker(p)
	mt.sessions = func() int { return len(p.Sessions()) }
	return mt
}

func newMetricsTracker(source CounterSource) *MetricsTracker {
	return &MetricsTracker{
		source:            source,
		sessions:          func() int { return 0 },
		samples:           make([]Counters, 0, 60),
		sampleInterval:    5 * time.Second,
		retentionPeriod:   60 * time.Second,
		calculationWindow: 10 * time.Second,
		logger:            slog.Default().With("component", "metrics-tracker"),
	}
}

// Start begins collecting samples until ctx is done or Stop is called.
func (mt *MetricsTracker) Start(ctx context.Context) {
	childCtx, cancel := context.WithCancel(ctx)
	mt.cancel = cancel

	mt.takeSample()
	go mt.samplingLoop(childCtx)

	mt.logger.InfoContext(ctx, "Metrics tracker started",
		"sample_interval", mt.sampleInterval,
		"retention_period", mt.retentionPeriod,
	)
}

// Stop stops collecting samples.
func (mt *MetricsTracker) Stop() {
	if mt.cancel != nil {
		mt.cancel()
		mt.logger.Info("Metrics tracker stopped")
	}
}

// GetSnapshot returns the current counters with calculated speeds.
func (mt *MetricsTracker) GetSnapshot() MetricsSnapshot {
	current := mt.source.Counters()

	mt.mu.Lock()
	defer mt.mu.Unlock()

	readSpeed, writeSpeed := mt.calculateSpeeds(current)
	if readSpeed > mt.maxReadSpeed {
		mt.maxReadSpeed = readSpeed
	}

	return MetricsSnapshot{
		Counters:                current,
		ReadSpeedBytesPerSec:    readSpeed,
		MaxReadSpeedBytesPerSec: mt.maxReadSpeed,
		WriteSpeedBytesPerSec:   writeSpeed,
		Sessions:                mt.sessions(),
	}
}

func (mt *MetricsTracker) samplingLoop(ctx context.Context) {
	ticker := time.NewTicker(mt.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mt.takeSample()
		}
	}
}

func (mt *MetricsTracker) takeSample() {
	sample := mt.source.Counters()

	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.samples = append(mt.samples, sample)
	mt.cleanupOldSamples(sample.Timestamp)
}

// cleanupOldSamples removes samples older than the retention period
func (mt *MetricsTracker) cleanupOldSamples(now time.Time) {
	cutoff := now.Add(-mt.retentionPeriod)

	keep := 0
	for keep < len(mt.samples)-1 && !mt.samples[keep].Timestamp.After(cutoff) {
		keep++
	}
	if keep > 0 {
		mt.samples = mt.samples[keep:]
	}
}

// calculateSpeeds compares current against the newest sample at least
// calculationWindow old, or the oldest sample available.
func (mt *MetricsTracker) calculateSpeeds(current Counters) (readSpeed, writeSpeed float64) {
	if len(mt.samples) == 0 {
		return 0, 0
	}

	target := current.Timestamp.Add(-mt.calculationWindow)
	compare := mt.samples[0]
	for i := len(mt.samples) - 1; i >= 0; i-- {
		if !mt.samples[i].Timestamp.After(target) {
			compare = mt.samples[i]
			break
		}
	}

	delta := current.Timestamp.Sub(compare.Timestamp).Seconds()
	if delta <= 0 {
		return 0, 0
	}

	if d := current.BytesRead - compare.BytesRead; d > 0 {
		readSpeed = float64(d) / delta
	}
	if d := current.BytesWritten - compare.BytesWritten; d > 0 {
		writeSpeed = float64(d) / delta
	}

	return readSpeed, writeSpeed
}
