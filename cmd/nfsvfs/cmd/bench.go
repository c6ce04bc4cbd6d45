package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/javi11/nfsvfs/pkg/vfsbridge"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	benchReaders   int
	benchChunkSize int
	benchFrameGap  time.Duration
	benchPasses    int
)

func init() {
	benchCmd := &cobra.Command{
		Use:   "bench <url>",
		Short: "Simulate playback readers and report read latency",
		Long: `Run concurrent sequential readers over one remote file. Each reader
reads chunk-size bytes, then sleeps frame-gap, the way an emulator streams a
disc image. The summary reports latency percentiles and cache effectiveness.`,
		Args: cobra.ExactArgs(1),
		RunE: runBench,
	}

	benchCmd.Flags().IntVar(&benchReaders, "readers", 4, "concurrent readers")
	benchCmd.Flags().IntVar(&benchChunkSize, "chunk-size", 32*1024, "bytes per read")
	benchCmd.Flags().DurationVar(&benchFrameGap, "frame-gap", 0, "pause between reads")
	benchCmd.Flags().IntVar(&benchPasses, "passes", 1, "times each reader walks the file")

	rootCmd.AddCommand(benchCmd)
}

// BenchResult summarizes a benchmark run.
type BenchResult struct {
	Reads     int
	Bytes     int64
	Elapsed   time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Max       time.Duration
	CacheHits uint64
	Fallbacks uint64
}

func (r BenchResult) String() string {
	mbps := 0.0
	if r.Elapsed > 0 {
		mbps = float64(r.Bytes) / (1 << 20) / r.Elapsed.Seconds()
	}
	return fmt.Sprintf("reads=%d bytes=%d elapsed=%s throughput=%.1fMiB/s p50=%s p95=%s p99=%s max=%s cache_hits=%d fallbacks=%d",
		r.Reads, r.Bytes, r.Elapsed.Round(time.Millisecond), mbps,
		r.P50, r.P95, r.P99, r.Max, r.CacheHits, r.Fallbacks)
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchReaders <= 0 || benchChunkSize <= 0 || benchPasses <= 0 {
		return errors.New("readers, chunk-size and passes must be positive")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	engine, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	res, err := benchmark(ctx, engine, args[0], benchReaders, benchChunkSize, benchPasses, benchFrameGap)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.String())
	return nil
}

// benchmark runs readers sequential readers over rawURL and collects the
// latency of every read.
func benchmark(ctx context.Context, engine *vfsbridge.Engine, rawURL string, readers, chunkSize, passes int, gap time.Duration) (BenchResult, error) {
	var (
		mu        sync.Mutex
		latencies []time.Duration
		total     int64
	)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)

	for r := 0; r < readers; r++ {
		g.Go(func() error {
			f, err := engine.Open(ctx, rawURL, os.O_RDONLY)
			if err != nil {
				return err
			}
			defer f.Close()

			buf := make([]byte, chunkSize)
			var local []time.Duration
			var n64 int64

			for pass := 0; pass < passes; pass++ {
				for off := int64(0); ; {
					t0 := time.Now()
					n, err := f.ReadAtContext(ctx, buf, off)
					local = append(local, time.Since(t0))
					off += int64(n)
					n64 += int64(n)

					if errors.Is(err, io.EOF) || n == 0 {
						break
					}
					if err != nil {
						return fmt.Errorf("reader %d: %w", r, err)
					}

					if gap > 0 {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(gap):
						}
					}
				}
			}

			mu.Lock()
			latencies = append(latencies, local...)
			total += n64
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BenchResult{}, err
	}

	res := summarize(latencies)
	res.Bytes = total
	res.Elapsed = time.Since(start)

	if fsys, err := engine.FileSystem(); err == nil {
		res.CacheHits = fsys.Cache().Stats().Hits
		res.Fallbacks = fsys.Orchestrator().Stats().Fallbacks
	}

	slog.DebugContext(ctx, "Benchmark finished", "reads", res.Reads, "bytes", res.Bytes)
	return res, nil
}

func summarize(latencies []time.Duration) BenchResult {
	res := BenchResult{Reads: len(latencies)}
	if len(latencies) == 0 {
		return res
	}

	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	res.P50 = percentile(sorted, 50)
	res.P95 = percentile(sorted, 95)
	res.P99 = percentile(sorted, 99)
	res.Max = sorted[len(sorted)-1]
	return res
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
