package shm

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

const (
	spinRounds  = 64
	yieldRounds = 512
	minSleep    = 20 * time.Microsecond
	maxSleep    = time.Millisecond

	// maxBlock bounds one futex wait so a cancelled ctx without a deadline is
	// noticed.
	maxBlock = 20 * time.Millisecond
)

// Waiter paces a reader waiting for a producer. It spins first; then, when
// bound to a header it can register on, it blocks on the header's wakeup
// word until the producer's next Wake. Unbound, it yields the processor and
// sleeps with exponential backoff up to maxSleep. Not safe for concurrent use.
type Waiter struct {
	ctl    *Header
	rounds int
	sleep  time.Duration
	timer  *time.Timer
}

// Bind makes the waiter block on h's wakeup word. h must be a writable view
// of the header (see Region.Control); nil keeps the polling fallback.
func (w *Waiter) Bind(h *Header) {
	if futexSupported {
		w.ctl = h
	}
}

// Reset restarts the backoff from the spinning phase.
func (w *Waiter) Reset() {
	w.rounds = 0
	w.sleep = 0
}

// Pause waits one step. ready reports whether the awaited state has arrived;
// it is checked after registering as a waiter so a Wake between the caller's
// last check and the block is never lost. Pause returns ctx.Err() once ctx
// is done.
func (w *Waiter) Pause(ctx context.Context, ready func() bool) error {
	w.rounds++
	if w.rounds <= spinRounds {
		return ctx.Err()
	}
	if w.ctl != nil {
		return w.block(ctx, ready)
	}
	if w.rounds <= yieldRounds {
		runtime.Gosched()
		return ctx.Err()
	}
	return w.backoff(ctx)
}

func (w *Waiter) block(ctx context.Context, ready func() bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := maxBlock
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		timeout = min(timeout, remaining)
	}

	seq := w.ctl.NotifySeq()
	atomic.AddUint32(&w.ctl.waiters, 1)
	defer atomic.AddUint32(&w.ctl.waiters, ^uint32(0))
	if ready != nil && ready() {
		return nil
	}
	if err := futexWait(&w.ctl.notify, seq, timeout); err != nil {
		// Fall back to polling for the rest of this waiter's life.
		w.ctl = nil
	}
	return ctx.Err()
}

func (w *Waiter) backoff(ctx context.Context) error {
	if w.sleep == 0 {
		w.sleep = minSleep
	} else if w.sleep < maxSleep {
		w.sleep = min(2*w.sleep, maxSleep)
	}
	if w.timer == nil {
		w.timer = time.NewTimer(w.sleep)
	} else {
		w.timer.Reset(w.sleep)
	}
	select {
	case <-ctx.Done():
		if !w.timer.Stop() {
			select {
			case <-w.timer.C:
			default:
			}
		}
		return ctx.Err()
	case <-w.timer.C:
		return nil
	}
}
