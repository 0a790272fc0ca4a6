package datastream

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/spacetelescope/catkit2-sub001/shm"
)

// StreamProducer is the write side of a stream.
type StreamProducer interface {
	Descriptor() Descriptor
	RequestNewFrame() (*Frame, error)
	SubmitFrame(id uint64) error
	Close() error
}

var _ StreamProducer = (*Producer)(nil)

// Producer owns the write cursor of a stream. There is exactly one producer
// per stream and it must be driven from a single goroutine.
type Producer struct {
	desc     Descriptor
	region   *shm.Region
	header   *shm.Header
	registry *Registry
	logger   *zap.Logger

	cursor  uint64  // next id to allocate
	frames  []Frame // one writable view per slot
	pending *Frame
	closed  bool
}

func newProducer(r *Registry, desc Descriptor, region *shm.Region) *Producer {
	p := &Producer{
		desc:     desc,
		region:   region,
		header:   region.Header(),
		registry: r,
		logger:   r.logger.With(zap.String("stream", desc.Name)),
		frames:   make([]Frame, desc.SlotCount),
	}
	for i := range p.frames {
		p.frames[i] = Frame{Data: region.Payload(uint64(i)), desc: &p.desc}
	}
	return p
}

func (p *Producer) Descriptor() Descriptor { return p.desc.clone() }

// Cursor returns the next id RequestNewFrame will hand out.
func (p *Producer) Cursor() uint64 { return p.cursor }

// RequestNewFrame claims the slot of the next id and returns a writable view
// of it. The previous occupant of the slot is lost to readers from this
// point on. While a request is pending, RequestNewFrame returns the same frame.
func (p *Producer) RequestNewFrame() (*Frame, error) {
	if p.closed {
		return nil, fmt.Errorf("%w: producer for %q", ErrClosed, p.desc.Name)
	}
	if p.pending != nil {
		return p.pending, nil
	}

	slot := p.cursor % uint64(p.desc.SlotCount)
	p.region.Slot(slot).BeginWrite()

	f := &p.frames[slot]
	f.ID = p.cursor
	f.Timestamp = 0
	f.Skipped = 0
	p.pending = f
	return f, nil
}

// SubmitFrame stamps and publishes the pending frame. id must be the id of
// the frame returned by the last RequestNewFrame.
func (p *Producer) SubmitFrame(id uint64) error {
	if p.closed {
		return fmt.Errorf("%w: producer for %q", ErrClosed, p.desc.Name)
	}
	if p.pending == nil {
		return fmt.Errorf("%w: submit of frame %d without a pending request", ErrInvalidArgument, id)
	}
	if id != p.pending.ID {
		return fmt.Errorf("%w: submit of frame %d, pending frame is %d", ErrInvalidArgument, id, p.pending.ID)
	}

	ts := monotonic()
	slot := id % uint64(p.desc.SlotCount)
	p.region.Slot(slot).EndWrite(id, ts)
	p.pending.Timestamp = ts
	p.cursor = id + 1
	p.header.Publish(p.cursor, ts)
	p.header.Wake()
	p.pending = nil
	return nil
}

// Write copies payload into a new frame and submits it. payload must be
// exactly one frame long.
func (p *Producer) Write(payload []byte) (uint64, error) {
	if len(payload) != p.desc.FrameSize() {
		return 0, fmt.Errorf("%w: payload is %d bytes, frame is %d", ErrInvalidArgument, len(payload), p.desc.FrameSize())
	}
	f, err := p.RequestNewFrame()
	if err != nil {
		return 0, err
	}
	copy(f.Data, payload)
	return f.ID, p.SubmitFrame(f.ID)
}

// Close marks the stream closed, unregisters its name and unmaps the region.
// Consumers that are already attached keep reading what was published. A
// pending unsubmitted frame is abandoned; its slot stays marked as being
// written so no reader ever sees it.
func (p *Producer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.header.SetFlags(shm.FlagClosed)
	p.header.Wake()

	err := p.registry.release(p)
	if uerr := p.region.Close(); err == nil {
		err = uerr
	}
	p.pending = nil
	for i := range p.frames {
		p.frames[i].Data = nil
	}
	if err != nil {
		p.logger.Warn("close stream", zap.Error(err))
	}
	return err
}
