// Package probe measures streams from the outside: a reader probe reports
// delivery latency and skips, a writer probe submits counter frames at a
// fixed rate.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/spacetelescope/catkit2-sub001/datastream"
	"github.com/spacetelescope/catkit2-sub001/metrics"
	"github.com/spacetelescope/catkit2-sub001/module"
)

type ReaderConfig struct {
	Stream string
	Mode   datastream.BufferHandlingMode
	// Count stops the probe after that many frames; 0 reads until ctx is done
	// or the stream closes.
	Count int
	// Timeout bounds the wait for each frame; 0 waits indefinitely.
	Timeout time.Duration
	// Verify checks every frame against the counter source pattern.
	Verify bool
}

// Summary describes one reader probe run. Latencies are in seconds.
type Summary struct {
	Stream string `json:"stream"`
	Mode   string `json:"mode"`
	// DataType and Shape are taken from the delivered frames.
	DataType string  `json:"dtype,omitempty"`
	Shape    []int   `json:"shape,omitempty"`
	Frames   int     `json:"frames"`
	Skipped  uint64  `json:"skipped"`
	Corrupt  int     `json:"corrupt"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stddev"`
	Min      float64 `json:"min"`
	P50      float64 `json:"p50"`
	P90      float64 `json:"p90"`
	P99      float64 `json:"p99"`
	Max      float64 `json:"max"`
}

// ReaderResult is a summary plus the raw per-frame latencies in delivery order.
type ReaderResult struct {
	Summary   Summary
	Latencies []float64
}

type ReaderOption func(*reader)

type reader struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func WithLogger(l *zap.Logger) ReaderOption { return func(r *reader) { r.logger = l } }

func WithMetrics(m *metrics.Metrics) ReaderOption { return func(r *reader) { r.metrics = m } }

// Read attaches to cfg.Stream and records frame latencies until Count frames
// are read, ctx is done or the stream closes. A per-frame timeout ends the
// run with datastream.ErrTimeout alongside the partial result.
func Read(ctx context.Context, reg *datastream.Registry, cfg ReaderConfig, opts ...ReaderOption) (*ReaderResult, error) {
	r := reader{logger: zap.NewNop()}
	for _, o := range opts {
		o(&r)
	}

	c, err := reg.Open(cfg.Stream, datastream.WithMode(cfg.Mode), datastream.WithConsumerLogger(r.logger))
	if err != nil {
		return nil, err
	}
	defer c.Close()

	res := &ReaderResult{}
	var skipped uint64
	var corrupt int
	var dtype string
	var shape []int
	mode := cfg.Mode.String()
	finish := func() {
		res.Summary = Summarize(res.Latencies)
		res.Summary.Stream, res.Summary.Mode = cfg.Stream, mode
		res.Summary.DataType, res.Summary.Shape = dtype, shape
		res.Summary.Skipped, res.Summary.Corrupt = skipped, corrupt
	}

	for cfg.Count <= 0 || len(res.Latencies) < cfg.Count {
		f, err := next(ctx, c, cfg.Timeout)
		if err != nil {
			finish()
			if errors.Is(err, datastream.ErrClosed) || errors.Is(err, datastream.ErrCancelled) {
				return res, nil
			}
			return res, err
		}

		if shape == nil {
			dtype, shape = f.DataType().String(), slices.Clone(f.Shape())
		}
		latency := f.Age().Seconds()
		res.Latencies = append(res.Latencies, latency)
		skipped += f.Skipped
		if cfg.Verify && !module.VerifyCounter(f.Data, f.ID) {
			corrupt++
			r.logger.Warn("corrupt frame", zap.String("stream", cfg.Stream), zap.Uint64("id", f.ID))
		}
		r.metrics.Delivered(cfg.Stream, mode, f.Skipped, latency)
	}

	finish()
	return res, nil
}

func next(ctx context.Context, c *datastream.Consumer, timeout time.Duration) (*datastream.Frame, error) {
	if timeout <= 0 {
		return c.GetNextFrame(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.GetNextFrame(ctx)
}

// Summarize computes latency statistics. An empty input gives a zero Summary.
func Summarize(latencies []float64) Summary {
	s := Summary{Frames: len(latencies)}
	if len(latencies) == 0 {
		return s
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	s.Mean = stat.Mean(sorted, nil)
	if len(sorted) > 1 {
		s.StdDev = stat.StdDev(sorted, nil)
	}
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.P90 = stat.Quantile(0.9, stat.Empirical, sorted, nil)
	s.P99 = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	return s
}

// WriteLatencies writes one latency per line in microseconds.
func WriteLatencies(w io.Writer, latencies []float64) error {
	bw := bufio.NewWriter(w)
	for _, l := range latencies {
		if _, err := fmt.Fprintf(bw, "%.3f\n", l*1e6); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// String formats s for terminals.
func (s Summary) String() string {
	us := func(v float64) string {
		if math.IsNaN(v) {
			return "-"
		}
		return fmt.Sprintf("%.1fµs", v*1e6)
	}
	kind := ""
	if s.DataType != "" {
		kind = fmt.Sprintf(" %s%v", s.DataType, s.Shape)
	}
	return fmt.Sprintf("%s (%s)%s: %d frames, %d skipped, %d corrupt, latency mean %s sd %s min %s p50 %s p90 %s p99 %s max %s",
		s.Stream, s.Mode, kind, s.Frames, s.Skipped, s.Corrupt,
		us(s.Mean), us(s.StdDev), us(s.Min), us(s.P50), us(s.P90), us(s.P99), us(s.Max))
}
