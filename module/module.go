// Package module runs a set of producer streams on a common tick, the way a
// hardware service publishes its readings for any number of local readers.
package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacetelescope/catkit2-sub001/config"
	"github.com/spacetelescope/catkit2-sub001/datastream"
	"github.com/spacetelescope/catkit2-sub001/ipc"
	"github.com/spacetelescope/catkit2-sub001/metrics"
	"github.com/spacetelescope/catkit2-sub001/monitor"
)

// StatusMessageType is the ipc message type of periodic status reports.
const StatusMessageType = "status"

// errTooManyFailures ends a stream run so the restart loop can back off.
var errTooManyFailures = errors.New("too many consecutive source errors")

type stream struct {
	name     string
	producer *datastream.Producer
	source   Source
	watch    *datastream.Consumer

	mu          sync.Mutex
	cursor      uint64
	submitted   uint64
	errors      uint64
	consecutive int
	restarts    int
}

// StreamStatus is the per-stream part of a Status report.
type StreamStatus struct {
	Name      string `json:"name"`
	Cursor    uint64 `json:"cursor"`
	Submitted uint64 `json:"submitted"`
	Errors    uint64 `json:"errors"`
	Restarts  int    `json:"restarts"`
}

// Status is published every status interval when a status socket is set.
type Status struct {
	Module   string         `json:"module"`
	Instance string         `json:"instance"`
	Time     time.Time      `json:"time"`
	Streams  []StreamStatus `json:"streams"`
}

// Module owns one producer per registered stream.
type Module struct {
	cfg      config.ModuleConfig
	instance string
	registry *datastream.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	status   *ipc.Publisher
	watchdog *monitor.Watchdog

	mu      sync.Mutex
	streams []*stream
	running bool
}

type Option func(*Module)

func WithLogger(l *zap.Logger) Option { return func(m *Module) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Module) { m.metrics = mt } }

// WithStatusPublisher publishes a Status through p every StatusInterval.
func WithStatusPublisher(p *ipc.Publisher) Option { return func(m *Module) { m.status = p } }

// WithWatchdog runs w alongside the tick loops. Registered streams are
// watched through a read-only consumer of their own region.
func WithWatchdog(w *monitor.Watchdog) Option { return func(m *Module) { m.watchdog = w } }

func New(cfg config.ModuleConfig, registry *datastream.Registry, opts ...Option) *Module {
	m := &Module{
		cfg:      cfg,
		instance: uuid.NewString(),
		registry: registry,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With(zap.String("module", cfg.Name))
	return m
}

// Instance returns the id of this module run.
func (m *Module) Instance() string { return m.instance }

// Register creates the stream described by sc and attaches src to it.
func (m *Module) Register(sc config.StreamConfig, src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("%w: register %q while running", datastream.ErrInvalidArgument, sc.Name)
	}

	p, err := m.registry.Create(sc.Name, sc.DataType, sc.Shape, sc.Slots)
	if err != nil {
		return err
	}
	s := &stream{name: sc.Name, producer: p, source: src}
	if m.watchdog != nil {
		c, err := m.registry.Open(sc.Name)
		if err != nil {
			p.Close()
			return err
		}
		s.watch = c
		m.watchdog.Watch(sc.Name, c)
	}
	m.streams = append(m.streams, s)
	m.logger.Info("stream registered",
		zap.String("stream", sc.Name),
		zap.Stringer("descriptor", p.Descriptor()),
		zap.String("source", sc.Source))
	return nil
}

// RegisterAll registers every configured stream with the source it names.
// On error the streams registered so far stay registered; Close releases them.
func (m *Module) RegisterAll(streams []config.StreamConfig) error {
	for _, sc := range streams {
		src, err := NewSource(sc)
		if err != nil {
			return err
		}
		if err := m.Register(sc, src); err != nil {
			return err
		}
	}
	return nil
}

// Run ticks every stream until ctx is cancelled, then closes the producers.
// A source error skips that stream's tick; MaxErrors consecutive errors stop
// the stream for RestartDelay before it resumes.
func (m *Module) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("%w: module already running", datastream.ErrInvalidArgument)
	}
	m.running = true
	streams := append([]*stream(nil), m.streams...)
	m.mu.Unlock()
	defer m.Close()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error {
			return m.restartLoop(ctx, s)
		})
	}
	if m.status != nil && m.cfg.StatusInterval > 0 {
		g.Go(func() error { return m.publishStatus(ctx) })
	}
	if m.watchdog != nil {
		g.Go(func() error { return m.watchdog.Run(ctx) })
	}

	m.logger.Info("module running",
		zap.String("instance", m.instance),
		zap.Int("streams", len(streams)),
		zap.Duration("tick", m.cfg.TickInterval.Std()))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// restartLoop keeps a stream running until ctx is done, pausing RestartDelay
// after each failure burst.
func (m *Module) restartLoop(ctx context.Context, s *stream) error {
	for {
		err := m.runStream(ctx, s)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, errTooManyFailures) {
			return fmt.Errorf("stream %q: %w", s.name, err)
		}

		s.mu.Lock()
		s.restarts++
		s.consecutive = 0
		s.mu.Unlock()
		m.logger.Warn("stream source failing, restarting",
			zap.String("stream", s.name),
			zap.Duration("delay", m.cfg.RestartDelay.Std()))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.RestartDelay.Std()):
		}
	}
}

func (m *Module) runStream(ctx context.Context, s *stream) error {
	ticker := time.NewTicker(m.cfg.TickInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := m.tick(s); err != nil {
			return err
		}
	}
}

// tick produces one frame. Source failures are counted and reported as
// errTooManyFailures once MaxErrors are reached in a row; producer failures
// are returned as is.
func (m *Module) tick(s *stream) error {
	f, err := s.producer.RequestNewFrame()
	if err != nil {
		return err
	}
	if err := s.source.Fill(f); err != nil {
		m.metrics.SourceError(s.name)
		s.mu.Lock()
		s.errors++
		s.consecutive++
		n := s.consecutive
		s.mu.Unlock()
		m.logger.Debug("source fill failed", zap.String("stream", s.name), zap.Error(err))
		if m.cfg.MaxErrors > 0 && n >= m.cfg.MaxErrors {
			return errTooManyFailures
		}
		return nil
	}
	if err := s.producer.SubmitFrame(f.ID); err != nil {
		return err
	}

	s.mu.Lock()
	s.submitted++
	s.cursor = f.ID + 1
	s.consecutive = 0
	s.mu.Unlock()
	m.metrics.Submitted(s.name, f.ID+1)
	return nil
}

func (m *Module) publishStatus(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.StatusInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.status.Publish(StatusMessageType, m.Status()); err != nil {
				m.logger.Debug("status not delivered", zap.Error(err))
			}
		}
	}
}

// Status returns a snapshot of every registered stream.
func (m *Module) Status() Status {
	m.mu.Lock()
	streams := append([]*stream(nil), m.streams...)
	m.mu.Unlock()

	st := Status{Module: m.cfg.Name, Instance: m.instance, Time: time.Now()}
	for _, s := range streams {
		s.mu.Lock()
		st.Streams = append(st.Streams, StreamStatus{
			Name:      s.name,
			Cursor:    s.cursor,
			Submitted: s.submitted,
			Errors:    s.errors,
			Restarts:  s.restarts,
		})
		s.mu.Unlock()
	}
	return st
}

// Close closes every producer. It is called by Run on return and may be used
// directly when Run is never called.
func (m *Module) Close() error {
	m.mu.Lock()
	streams := m.streams
	m.streams = nil
	m.running = false
	m.mu.Unlock()

	var errs []error
	for _, s := range streams {
		if s.watch != nil {
			m.watchdog.Unwatch(s.name)
			s.watch.Close()
		}
		if err := s.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", s.name, err))
		}
	}
	if m.status != nil {
		m.status.Close()
	}
	return errors.Join(errs...)
}
