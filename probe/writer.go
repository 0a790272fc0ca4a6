package probe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spacetelescope/catkit2-sub001/datastream"
	"github.com/spacetelescope/catkit2-sub001/metrics"
	"github.com/spacetelescope/catkit2-sub001/module"
)

type WriterConfig struct {
	Stream   string
	DataType datastream.DataType
	Shape    []int
	Slots    int
	// Rate in frames per second; 0 submits as fast as possible.
	Rate float64
	// Count stops after that many frames; 0 writes until ctx is done.
	Count int
	// Linger keeps the stream open this long after the last frame so late
	// readers can drain it.
	Linger time.Duration
	// Source fills each frame; nil writes counter frames.
	Source module.Source
}

type WriterResult struct {
	Stream  string        `json:"stream"`
	Frames  uint64        `json:"frames"`
	Elapsed time.Duration `json:"elapsed"`
}

// Write creates cfg.Stream and submits frames until Count frames are
// written or ctx is done. The stream is closed on return.
func Write(ctx context.Context, reg *datastream.Registry, cfg WriterConfig, logger *zap.Logger, m *metrics.Metrics) (*WriterResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := reg.Create(cfg.Stream, cfg.DataType, cfg.Shape, cfg.Slots)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	var tick <-chan time.Time
	if cfg.Rate > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.Rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	res := &WriterResult{Stream: cfg.Stream}
	start := time.Now()
	src := cfg.Source
	if src == nil {
		src = module.CounterSource{}
	}
loop:
	for cfg.Count <= 0 || res.Frames < uint64(cfg.Count) {
		if tick != nil {
			select {
			case <-ctx.Done():
				break loop
			case <-tick:
			}
		} else if ctx.Err() != nil {
			break
		}

		f, err := p.RequestNewFrame()
		if err != nil {
			return res, err
		}
		if err := src.Fill(f); err != nil {
			return res, fmt.Errorf("fill frame %d: %w", f.ID, err)
		}
		if err := p.SubmitFrame(f.ID); err != nil {
			return res, err
		}
		res.Frames++
		m.Submitted(cfg.Stream, f.ID+1)
	}
	res.Elapsed = time.Since(start)
	logger.Info("writer probe done",
		zap.String("stream", cfg.Stream),
		zap.Uint64("frames", res.Frames),
		zap.Duration("elapsed", res.Elapsed))

	if cfg.Linger > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Linger):
		}
	}
	return res, nil
}
