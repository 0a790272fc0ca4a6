// Package shm provides the shared-memory building blocks of a frame stream:
// a named file mapping, the fixed region header, per-slot seqlocks and the
// monotonic clock that stamps frames.
//
// Memory layout (single mmap):
//   - Header: 4096 bytes, descriptor fields plus the producer cursor on its
//     own cache line.
//   - Slots[SlotCount]: 64-byte SlotHeader (seqlock, id, timestamp) followed
//     by the frame payload rounded up to a multiple of 64 bytes.
package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	Magic         uint64 = 0x314d525453544b43 // "CKTSTRM1" little endian
	LayoutVersion uint32 = 2

	HeaderSize     = 4096
	SlotHeaderSize = 64
	CacheLine      = 64

	MaxDims    = 8
	MaxNameLen = 127
)

// Header flags.
const (
	FlagInitialized uint32 = 1 << iota
	FlagClosed
)

// Header is the fixed region header. Descriptor fields are written once by
// the creator before the region becomes visible and are read-only afterwards.
type Header struct {
	Magic      uint64               // 0..8
	Version    uint32               // 8..12
	flags      uint32               // 12..16 (atomic)
	DataType   uint32               // 16..20
	NumDims    uint32               // 20..24
	Shape      [MaxDims]uint64      // 24..88
	SlotCount  uint64               // 88..96
	FrameBytes uint64               // 96..104
	SlotStride uint64               // 104..112
	CreatorPID int64                // 112..120
	CreatedAt  int64                // 120..128, unix ns
	Name       [MaxNameLen + 1]byte // 128..256

	// Producer cursor: number of submitted frames, i.e. the next id to allocate.
	cursor     uint64 // 256..264 (atomic)
	lastSubmit int64  // 264..272 (atomic), monotonic ns of the last submit
	_          [48]byte

	// Reader wakeup line: notify is the futex word bumped on every publish,
	// waiters counts readers blocked on it.
	notify  uint32 // 320..324 (atomic)
	waiters uint32 // 324..328 (atomic)
	_       [HeaderSize - 328]byte
}

// SlotHeader precedes every payload. Layout is one cache line.
type SlotHeader struct {
	seq       uint64 // odd while the producer is writing the slot
	id        uint64
	timestamp int64
	_         [SlotHeaderSize - 24]byte
}

func init() {
	if unsafe.Sizeof(Header{}) != HeaderSize {
		panic(fmt.Sprintf("shm: Header size is %d, expected %d", unsafe.Sizeof(Header{}), HeaderSize))
	}
	if unsafe.Offsetof(Header{}.cursor)%CacheLine != 0 {
		panic("shm: producer cursor is not cache-line aligned")
	}
	if unsafe.Offsetof(Header{}.notify)%CacheLine != 0 {
		panic("shm: notify word is not cache-line aligned")
	}
	if unsafe.Sizeof(SlotHeader{}) != SlotHeaderSize {
		panic(fmt.Sprintf("shm: SlotHeader size is %d, expected %d", unsafe.Sizeof(SlotHeader{}), SlotHeaderSize))
	}
}

// SlotStride returns the distance in bytes between two consecutive slots.
func SlotStride(frameBytes uint64) uint64 {
	payload := (frameBytes + CacheLine - 1) &^ (CacheLine - 1)
	return SlotHeaderSize + payload
}

// RegionSize returns the mapping size needed for slotCount slots of frameBytes each.
func RegionSize(slotCount, frameBytes uint64) uint64 {
	return HeaderSize + slotCount*SlotStride(frameBytes)
}

func (h *Header) Flags() uint32 { return atomic.LoadUint32(&h.flags) }

func (h *Header) SetFlags(f uint32) { atomic.OrUint32(&h.flags, f) }

func (h *Header) Initialized() bool { return h.Flags()&FlagInitialized != 0 }

func (h *Header) Closed() bool { return h.Flags()&FlagClosed != 0 }

// Cursor returns the published producer cursor.
func (h *Header) Cursor() uint64 { return atomic.LoadUint64(&h.cursor) }

// LastSubmit returns the monotonic time of the last submit, 0 if none.
func (h *Header) LastSubmit() int64 { return atomic.LoadInt64(&h.lastSubmit) }

// Publish makes cursor visible to consumers. Only the producer calls it.
func (h *Header) Publish(cursor uint64, ts int64) {
	atomic.StoreInt64(&h.lastSubmit, ts)
	atomic.StoreUint64(&h.cursor, cursor)
}

// NotifySeq returns the current value of the wakeup word.
func (h *Header) NotifySeq() uint32 { return atomic.LoadUint32(&h.notify) }

// Waiters returns the number of readers blocked on the wakeup word.
func (h *Header) Waiters() uint32 { return atomic.LoadUint32(&h.waiters) }

// Wake bumps the wakeup word and wakes blocked readers. The syscall is only
// made when a reader is registered as waiting. Only the producer calls it,
// after Publish or after marking the region closed.
func (h *Header) Wake() {
	atomic.AddUint32(&h.notify, 1)
	if atomic.LoadUint32(&h.waiters) > 0 {
		futexWake(&h.notify)
	}
}

// SetName stores name, truncated to MaxNameLen bytes.
func (h *Header) SetName(name string) {
	n := copy(h.Name[:MaxNameLen], name)
	h.Name[n] = 0
}

// NameString returns the stored stream name.
func (h *Header) NameString() string {
	for i, b := range h.Name {
		if b == 0 {
			return string(h.Name[:i])
		}
	}
	return string(h.Name[:])
}

// Validate checks that h describes a layout this package can map.
func (h *Header) Validate(size int) error {
	if h.Magic != Magic {
		return fmt.Errorf("bad magic %#x", h.Magic)
	}
	if h.Version != LayoutVersion {
		return fmt.Errorf("layout version %d, expected %d", h.Version, LayoutVersion)
	}
	if !h.Initialized() {
		return fmt.Errorf("region not initialized")
	}
	if h.NumDims == 0 || h.NumDims > MaxDims || h.SlotCount == 0 {
		return fmt.Errorf("corrupt descriptor (ndim=%d slots=%d)", h.NumDims, h.SlotCount)
	}
	if h.SlotStride != SlotStride(h.FrameBytes) {
		return fmt.Errorf("slot stride %d does not match frame size %d", h.SlotStride, h.FrameBytes)
	}
	if want := RegionSize(h.SlotCount, h.FrameBytes); uint64(size) < want {
		return fmt.Errorf("region is %d bytes, layout needs %d", size, want)
	}
	return nil
}
