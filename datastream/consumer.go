package datastream

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spacetelescope/catkit2-sub001/shm"
)

// StreamConsumer is the read side of a stream.
type StreamConsumer interface {
	Descriptor() Descriptor
	BufferHandlingMode() BufferHandlingMode
	SetBufferHandlingMode(BufferHandlingMode) error
	GetNextFrame(ctx context.Context) (*Frame, error)
	TryGetNextFrame() (*Frame, error)
	Close() error
}

var _ StreamConsumer = (*Consumer)(nil)

type consumerConfig struct {
	mode     BufferHandlingMode
	dataType DataType
	shape    []int
	logger   *zap.Logger
}

type ConsumerOption func(*consumerConfig)

// WithMode sets the initial buffer handling mode (default OldestFirstOverwrite).
func WithMode(m BufferHandlingMode) ConsumerOption {
	return func(c *consumerConfig) { c.mode = m }
}

// WithSchema makes Open fail with ErrSchemaMismatch unless the stream has
// exactly this type and shape.
func WithSchema(dt DataType, shape []int) ConsumerOption {
	return func(c *consumerConfig) {
		c.dataType = dt
		c.shape = append([]int{}, shape...)
	}
}

func WithConsumerLogger(l *zap.Logger) ConsumerOption {
	return func(c *consumerConfig) { c.logger = l }
}

// ConsumerStats is a snapshot of one consumer's progress.
type ConsumerStats struct {
	ID          string
	Mode        BufferHandlingMode
	Delivered   uint64
	Skipped     uint64
	LastID      uint64
	LastReadAt  time.Time
	HasLastRead bool
}

// Consumer is one reader's attachment to a stream. Its cursor is private:
// nothing a consumer does is visible to the producer or to other consumers.
// A Consumer must be driven from a single goroutine.
type Consumer struct {
	id     string
	desc   Descriptor
	region *shm.Region
	header *shm.Header
	logger *zap.Logger

	mode    BufferHandlingMode
	cursor  uint64 // next id this consumer intends to deliver
	dropped uint64 // frames lost since the last delivery
	slots   uint64

	words  []uint64
	frame  Frame
	stats  ConsumerStats
	waiter shm.Waiter
	seen   uint64 // producer cursor when the current wait started
	ready  func() bool
	closed bool
}

func newConsumer(desc Descriptor, region *shm.Region, cfg consumerConfig) *Consumer {
	c := &Consumer{
		id:     uuid.NewString(),
		desc:   desc,
		region: region,
		header: region.Header(),
		slots:  uint64(desc.SlotCount),
		words:  make([]uint64, (desc.FrameSize()+7)/8),
	}
	c.logger = cfg.logger.With(zap.String("stream", desc.Name), zap.String("consumer", c.id))
	c.frame = Frame{
		Data: unsafe.Slice((*byte)(unsafe.Pointer(&c.words[0])), desc.FrameSize()),
		desc: &c.desc,
	}
	c.stats.ID = c.id
	c.ready = c.streamMoved
	c.waiter.Bind(region.Control())
	c.resetCursor(cfg.mode)
	return c
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) Descriptor() Descriptor { return c.desc.clone() }

func (c *Consumer) BufferHandlingMode() BufferHandlingMode { return c.mode }

// SetBufferHandlingMode switches mode and re-initializes the cursor:
// OldestFirstOverwrite starts at the oldest frame still in the ring,
// NewestOnly at the latest submitted frame. An unknown mode is rejected with
// ErrInvalidArgument and leaves the consumer unchanged.
func (c *Consumer) SetBufferHandlingMode(m BufferHandlingMode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: buffer handling mode %d", ErrInvalidArgument, int(m))
	}
	c.resetCursor(m)
	return nil
}

func (c *Consumer) resetCursor(m BufferHandlingMode) {
	c.mode = m
	c.stats.Mode = m
	c.dropped = 0

	p := c.header.Cursor()
	switch m {
	case OldestFirstOverwrite:
		c.cursor = oldestID(p, c.slots)
	case NewestOnly:
		c.cursor = 0
		if p > 0 {
			c.cursor = p - 1
		}
	}
}

// oldestID returns the oldest id still held by a ring of slots slots after
// cursor submissions.
func oldestID(cursor, slots uint64) uint64 {
	if cursor <= slots {
		return 0
	}
	return cursor - slots
}

// Cursor returns the id this consumer will try to deliver next.
func (c *Consumer) Cursor() uint64 { return c.cursor }

// ProducerCursor returns the number of frames the producer has submitted.
func (c *Consumer) ProducerCursor() uint64 { return c.header.Cursor() }

// LastSubmit returns the monotonic time of the producer's last submit.
func (c *Consumer) LastSubmit() int64 { return c.header.LastSubmit() }

// StreamClosed reports whether the producer has closed the stream.
func (c *Consumer) StreamClosed() bool { return c.header.Closed() }

func (c *Consumer) Stats() ConsumerStats { return c.stats }

// GetNextFrame returns the next frame under the active mode, blocking until
// one is published. It fails with ErrCancelled or ErrTimeout when ctx ends,
// and with ErrClosed once the producer has closed the stream and every
// remaining frame has been read.
func (c *Consumer) GetNextFrame(ctx context.Context) (*Frame, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: consumer %s", ErrClosed, c.id)
	}
	c.waiter.Reset()
	for {
		seen := c.header.Cursor()
		f, err := c.poll()
		if !errors.Is(err, ErrWouldBlock) {
			return f, err
		}
		c.seen = seen
		if err := c.waiter.Pause(ctx, c.ready); err != nil {
			return nil, waitError(err)
		}
	}
}

// streamMoved reports whether the producer published or closed since the
// current wait started.
func (c *Consumer) streamMoved() bool {
	return c.header.Cursor() != c.seen || c.header.Closed()
}

// GetNextFrameTimeout is GetNextFrame bounded by timeout.
func (c *Consumer) GetNextFrameTimeout(timeout time.Duration) (*Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.GetNextFrame(ctx)
}

// TryGetNextFrame never blocks; it returns ErrWouldBlock when no frame is ready.
func (c *Consumer) TryGetNextFrame() (*Frame, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: consumer %s", ErrClosed, c.id)
	}
	return c.poll()
}

func (c *Consumer) poll() (*Frame, error) {
	for {
		p := c.header.Cursor()

		var want uint64
		switch c.mode {
		case OldestFirstOverwrite:
			if c.cursor >= p {
				return nil, c.drained()
			}
			if oldest := oldestID(p, c.slots); c.cursor < oldest {
				c.skip(oldest - c.cursor)
				c.cursor = oldest
			}
			want = c.cursor
		case NewestOnly:
			if p == 0 || p <= c.cursor {
				return nil, c.drained()
			}
			want = p - 1
		}

		if c.read(want) {
			if c.mode == NewestOnly && want > c.cursor {
				c.skip(want - c.cursor)
			}
			return c.deliver(want), nil
		}

		// The producer reclaimed the slot while we were reading it.
		switch c.mode {
		case OldestFirstOverwrite:
			c.skip(1)
			c.cursor = want + 1
		case NewestOnly:
			// With a single slot the newest frame is the one being
			// rewritten; wait for its replacement instead of spinning here.
			if c.header.Cursor() == p {
				return nil, c.drained()
			}
		}
	}
}

// read copies frame want into the private buffer. It reports false when the
// slot no longer holds want or was rewritten during the copy.
func (c *Consumer) read(want uint64) bool {
	idx := want % c.slots
	slot := c.region.Slot(idx)

	seq, ok := slot.ReadBegin()
	if !ok || slot.ID() != want {
		return false
	}
	ts := slot.Timestamp()
	shm.LoadWords(c.words, c.region.PayloadWords(idx))
	if !slot.ReadValidate(seq) {
		return false
	}
	c.frame.Timestamp = ts
	return true
}

func (c *Consumer) skip(n uint64) {
	c.dropped += n
	c.stats.Skipped += n
}

func (c *Consumer) deliver(id uint64) *Frame {
	c.frame.ID = id
	c.frame.Skipped = c.dropped
	if c.dropped > 0 {
		c.logger.Debug("frames skipped", zap.Uint64("skipped", c.dropped), zap.Uint64("id", id))
	}
	c.dropped = 0
	c.cursor = id + 1

	c.stats.Delivered++
	c.stats.LastID = id
	c.stats.LastReadAt = time.Now()
	c.stats.HasLastRead = true
	return &c.frame
}

func (c *Consumer) drained() error {
	if c.header.Closed() {
		return fmt.Errorf("%w: stream %q closed by its producer", ErrClosed, c.desc.Name)
	}
	return ErrWouldBlock
}

// Close detaches the consumer. Frames it returned become invalid.
func (c *Consumer) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.frame.Data = nil
	return c.region.Close()
}
