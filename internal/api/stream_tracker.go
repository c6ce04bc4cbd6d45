package api

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ActiveStream is an HTTP response currently being served from a remote file
type ActiveStream struct {
	ID             string    `json:"id"`
	Resource       string    `json:"resource"`
	StartedAt      time.Time `json:"started_at"`
	ClientIP       string    `json:"client_ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Offset         int64     `json:"offset"`
	Length         int64     `json:"length"`
	BytesSent      int64     `json:"bytes_sent"`
	BytesPerSecond int64     `json:"bytes_per_second"`
}

type streamInternal struct {
	ActiveStream
	bytesSent     atomic.Int64
	lastBytesSent int64
	lastSnapshot  time.Time
	speed         atomic.Int64
}

// StreamTracker tracks active streams
type StreamTracker struct {
	streams  sync.Map
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewStreamTracker creates a new stream tracker. Speeds are recomputed
// every interval until Stop is called.
func NewStreamTracker(interval time.Duration) *StreamTracker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := &StreamTracker{
		interval: interval,
		stop:     make(chan struct{}),
	}
	go t.snapshotLoop()
	return t
}

// Stop ends the snapshot loop
func (t *StreamTracker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *StreamTracker) snapshotLoop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.snapshot(time.Now())
		}
	}
}

func (t *StreamTracker) snapshot(now time.Time) {
	t.streams.Range(func(_, value any) bool {
		s := value.(*streamInternal)
		currentBytes := s.bytesSent.Load()

		if duration := now.Sub(s.lastSnapshot).Seconds(); duration > 0 {
			bytesDiff := max(currentBytes-s.lastBytesSent, 0)
			s.speed.Store(int64(float64(bytesDiff) / duration))
		}

		s.lastBytesSent = currentBytes
		s.lastSnapshot = now
		return true
	})
}

// Add registers a stream and returns its ID
func (t *StreamTracker) Add(resource, clientIP, userAgent string, offset, length int64) string {
	now := time.Now()
	s := &streamInternal{
		ActiveStream: ActiveStream{
			ID:        uuid.New().String(),
			Resource:  resource,
			StartedAt: now,
			ClientIP:  clientIP,
			UserAgent: userAgent,
			Offset:    offset,
			Length:    length,
		},
		lastSnapshot: now,
	}
	t.streams.Store(s.ID, s)
	return s.ID
}

// UpdateProgress adds n sent bytes to the stream
func (t *StreamTracker) UpdateProgress(id string, n int64) {
	if val, ok := t.streams.Load(id); ok {
		val.(*streamInternal).bytesSent.Add(n)
	}
}

// Remove removes a stream by ID
func (t *StreamTracker) Remove(id string) {
	t.streams.Delete(id)
}

// GetAll returns all active streams, newest first
func (t *StreamTracker) GetAll() []ActiveStream {
	streams := make([]ActiveStream, 0)
	t.streams.Range(func(_, value any) bool {
		s := value.(*streamInternal)
		cp := s.ActiveStream
		cp.BytesSent = s.bytesSent.Load()
		cp.BytesPerSecond = s.speed.Load()
		streams = append(streams, cp)
		return true
	})

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].StartedAt.After(streams[j].StartedAt)
	})
	return streams
}
