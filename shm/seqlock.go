package shm

import (
	"sync/atomic"
	"unsafe"
)

// BeginWrite marks the slot as being written (odd seqlock).
//
// An atomic add rather than a store: the read-modify-write keeps the payload
// writes that follow from becoming visible before the odd sequence.
func (s *SlotHeader) BeginWrite() {
	atomic.AddUint64(&s.seq, 1)
}

// EndWrite publishes id and timestamp and marks the write complete (even seqlock).
func (s *SlotHeader) EndWrite(id uint64, ts int64) {
	atomic.StoreUint64(&s.id, id)
	atomic.StoreInt64(&s.timestamp, ts)
	atomic.AddUint64(&s.seq, 1)
}

// Writing reports whether a write is in progress.
func (s *SlotHeader) Writing() bool {
	return atomic.LoadUint64(&s.seq)&1 == 1
}

// ReadBegin returns the current sequence and whether the slot is stable.
func (s *SlotHeader) ReadBegin() (uint64, bool) {
	seq := atomic.LoadUint64(&s.seq)
	return seq, seq&1 == 0
}

// ReadValidate reports whether the slot was left untouched since ReadBegin returned seq.
func (s *SlotHeader) ReadValidate(seq uint64) bool {
	return atomic.LoadUint64(&s.seq) == seq
}

func (s *SlotHeader) ID() uint64 { return atomic.LoadUint64(&s.id) }

func (s *SlotHeader) Timestamp() int64 { return atomic.LoadInt64(&s.timestamp) }

// LoadWords copies src into dst with word-sized atomic loads, so a copy that
// races with the producer is still well defined and gets rejected by
// ReadValidate rather than producing undefined behaviour.
func LoadWords(dst, src []uint64) {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = atomic.LoadUint64(&src[i])
	}
}

// Words reinterprets a 64-byte aligned payload as uint64 words.
func Words(b []byte) []uint64 {
	if len(b) < 8 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}
