// Package monitor watches stream producers from the outside and reports the
// ones that stopped submitting frames.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spacetelescope/catkit2-sub001/metrics"
)

// CursorSource exposes a producer cursor. *datastream.Consumer satisfies it
// through its read-only view of the stream header.
type CursorSource interface {
	ProducerCursor() uint64
}

// Event reports a state change of a watched stream.
type Event struct {
	Stream string
	Stale  bool
	Cursor uint64
	// Idle is how long the cursor had not moved when the event fired.
	Idle time.Duration
}

type watch struct {
	src     CursorSource
	cursor  uint64
	movedAt time.Time
	stale   bool
}

// Watchdog polls producer cursors. A stream whose cursor has not advanced for
// StaleAfter is reported stale once, and recovered once it advances again.
type Watchdog struct {
	staleAfter time.Duration
	poll       time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	onEvent    func(Event)
	now        func() time.Time

	mu      sync.Mutex
	watched map[string]*watch
}

type Option func(*Watchdog)

func WithLogger(l *zap.Logger) Option { return func(w *Watchdog) { w.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Watchdog) { w.metrics = m } }

// OnEvent sets a callback run for every Event, from the goroutine calling
// Check or Run.
func OnEvent(fn func(Event)) Option { return func(w *Watchdog) { w.onEvent = fn } }

func New(staleAfter, poll time.Duration, opts ...Option) *Watchdog {
	w := &Watchdog{
		staleAfter: staleAfter,
		poll:       poll,
		logger:     zap.NewNop(),
		now:        time.Now,
		watched:    make(map[string]*watch),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Watch starts tracking src under name, replacing any previous source.
func (w *Watchdog) Watch(name string, src CursorSource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[name] = &watch{src: src, cursor: src.ProducerCursor(), movedAt: w.now()}
	w.metrics.SetStale(name, false)
}

func (w *Watchdog) Unwatch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, name)
}

// Stale reports whether name is currently considered stale.
func (w *Watchdog) Stale(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.watched[name]
	return ok && s.stale
}

// Check polls every watched stream once and returns the state changes.
func (w *Watchdog) Check() []Event {
	now := w.now()

	w.mu.Lock()
	names := make([]string, 0, len(w.watched))
	for name := range w.watched {
		names = append(names, name)
	}
	sort.Strings(names)

	var events []Event
	for _, name := range names {
		s := w.watched[name]
		cur := s.src.ProducerCursor()
		if cur != s.cursor {
			idle := now.Sub(s.movedAt)
			s.cursor, s.movedAt = cur, now
			if s.stale {
				s.stale = false
				events = append(events, Event{Stream: name, Cursor: cur, Idle: idle})
			}
			continue
		}
		if idle := now.Sub(s.movedAt); !s.stale && idle >= w.staleAfter {
			s.stale = true
			events = append(events, Event{Stream: name, Stale: true, Cursor: cur, Idle: idle})
		}
	}
	w.mu.Unlock()

	for _, ev := range events {
		w.report(ev)
	}
	return events
}

func (w *Watchdog) report(ev Event) {
	fields := []zap.Field{
		zap.String("stream", ev.Stream),
		zap.Uint64("cursor", ev.Cursor),
		zap.Duration("idle", ev.Idle),
	}
	if ev.Stale {
		w.logger.Warn("stream stale", fields...)
	} else {
		w.logger.Info("stream recovered", fields...)
	}
	w.metrics.SetStale(ev.Stream, ev.Stale)
	if w.onEvent != nil {
		w.onEvent(ev)
	}
}

// Run calls Check every poll interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}
