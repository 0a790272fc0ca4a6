package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/catkit2-sub001/metrics"
)

type fakeCursor struct{ v atomic.Uint64 }

func (f *fakeCursor) ProducerCursor() uint64 { return f.v.Load() }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestWatchdogStaleAndRecovered(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := metrics.New(prometheus.NewRegistry())
	var seen []Event

	w := New(time.Second, 10*time.Millisecond, WithMetrics(m), OnEvent(func(ev Event) { seen = append(seen, ev) }))
	w.now = clock.now

	src := &fakeCursor{}
	src.v.Store(3)
	w.Watch("cam", src)

	clock.advance(500 * time.Millisecond)
	assert.Empty(t, w.Check())

	clock.advance(500 * time.Millisecond)
	events := w.Check()
	require.Len(t, events, 1)
	assert.Equal(t, Event{Stream: "cam", Stale: true, Cursor: 3, Idle: time.Second}, events[0])
	assert.True(t, w.Stale("cam"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamStale.WithLabelValues("cam")))

	clock.advance(time.Second)
	assert.Empty(t, w.Check(), "stale is reported once")

	src.v.Store(4)
	clock.advance(time.Second)
	events = w.Check()
	require.Len(t, events, 1)
	assert.False(t, events[0].Stale)
	assert.Equal(t, uint64(4), events[0].Cursor)
	assert.Equal(t, 3*time.Second, events[0].Idle)
	assert.False(t, w.Stale("cam"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamStale.WithLabelValues("cam")))

	assert.Len(t, seen, 2)
}

func TestWatchdogAdvancingStreamNeverStale(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	w := New(time.Second, time.Millisecond)
	w.now = clock.now

	src := &fakeCursor{}
	w.Watch("env", src)
	for i := 0; i < 10; i++ {
		clock.advance(900 * time.Millisecond)
		src.v.Add(1)
		assert.Empty(t, w.Check())
	}

	w.Unwatch("env")
	clock.advance(time.Hour)
	assert.Empty(t, w.Check())
	assert.False(t, w.Stale("env"))
}

func TestWatchdogRun(t *testing.T) {
	fired := make(chan Event, 1)
	w := New(5*time.Millisecond, time.Millisecond, OnEvent(func(ev Event) {
		select {
		case fired <- ev:
		default:
		}
	}))
	w.Watch("idle", &fakeCursor{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case ev := <-fired:
		assert.Equal(t, "idle", ev.Stream)
		assert.True(t, ev.Stale)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
	cancel()
	assert.NoError(t, <-done)
}
