package shm

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotStride(t *testing.T) {
	assert.Equal(t, uint64(SlotHeaderSize+64), SlotStride(1))
	assert.Equal(t, uint64(SlotHeaderSize+64), SlotStride(64))
	assert.Equal(t, uint64(SlotHeaderSize+128), SlotStride(65))
	assert.Equal(t, uint64(HeaderSize+3*(SlotHeaderSize+64)), RegionSize(3, 16))
}

func TestSeqlock(t *testing.T) {
	var s SlotHeader

	seq, ok := s.ReadBegin()
	require.True(t, ok)

	s.BeginWrite()
	assert.True(t, s.Writing())
	_, ok = s.ReadBegin()
	assert.False(t, ok)
	assert.False(t, s.ReadValidate(seq))

	s.EndWrite(7, 1234)
	assert.False(t, s.Writing())
	seq2, ok := s.ReadBegin()
	require.True(t, ok)
	assert.Equal(t, seq+2, seq2)
	assert.Equal(t, uint64(7), s.ID())
	assert.Equal(t, int64(1234), s.Timestamp())
	assert.True(t, s.ReadValidate(seq2))
}

func TestHeaderFlagsAndCursor(t *testing.T) {
	var h Header
	h.SetName("camera")
	assert.Equal(t, "camera", h.NameString())

	assert.False(t, h.Initialized())
	h.SetFlags(FlagInitialized)
	h.SetFlags(FlagClosed)
	assert.True(t, h.Initialized())
	assert.True(t, h.Closed())

	h.Publish(42, 99)
	assert.Equal(t, uint64(42), h.Cursor())
	assert.Equal(t, int64(99), h.LastSubmit())
}

func TestCreateOpenRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	size := int(RegionSize(2, 24))

	r, err := Create(path, size, func(r *Region) error {
		h := r.Header()
		h.Magic = Magic
		h.Version = LayoutVersion
		h.NumDims = 1
		h.Shape[0] = 3
		h.SlotCount = 2
		h.FrameBytes = 24
		h.SlotStride = SlotStride(24)
		h.SetFlags(FlagInitialized)
		return nil
	})
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, r.Writable())
	assert.Len(t, r.Payload(1), 24)
	assert.Len(t, r.PayloadWords(1), 3)

	copy(r.Payload(1), []byte("hello shared memory!"))
	r.Slot(1).BeginWrite()
	r.Slot(1).EndWrite(1, 5)

	ro, err := Open(path)
	require.NoError(t, err)
	defer ro.Close()
	require.NoError(t, ro.Header().Validate(ro.Size()))
	assert.False(t, ro.Writable())
	assert.Equal(t, uint64(1), ro.Slot(1).ID())
	assert.Equal(t, []byte("hello shared memory!"), ro.Payload(1)[:20])

	dst := make([]uint64, 3)
	LoadWords(dst, ro.PayloadWords(1))
	assert.Equal(t, Words(r.Payload(1)), dst)

	_, err = Create(path, size, func(*Region) error { return nil })
	assert.True(t, errors.Is(err, fs.ErrExist))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreateInitFailureCleansUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "region")
	boom := errors.New("boom")

	_, err := Create(path, HeaderSize, func(*Region) error { return boom })
	assert.ErrorIs(t, err, boom)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	small := filepath.Join(dir, "small")
	require.NoError(t, os.WriteFile(small, []byte("tiny"), 0644))
	_, err = Open(small)
	assert.ErrorIs(t, err, ErrTooSmall)
}

func TestHeaderValidate(t *testing.T) {
	var h Header
	assert.Error(t, h.Validate(HeaderSize))

	h.Magic = Magic
	h.Version = LayoutVersion
	assert.Error(t, h.Validate(HeaderSize), "uninitialized")

	h.SetFlags(FlagInitialized)
	h.NumDims = 1
	h.SlotCount = 4
	h.FrameBytes = 8
	h.SlotStride = SlotStride(8)
	assert.Error(t, h.Validate(HeaderSize), "truncated")
	assert.NoError(t, h.Validate(int(RegionSize(4, 8))))
}

func TestMonotonic(t *testing.T) {
	a := Monotonic()
	time.Sleep(time.Millisecond)
	b := Monotonic()
	assert.Greater(t, b, a)
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
}

func TestWaiterHonoursContext(t *testing.T) {
	var w Waiter
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	var err error
	for err == nil {
		err = w.Pause(ctx, nil)
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	w.Reset()
	assert.ErrorIs(t, w.Pause(ctx, nil), context.DeadlineExceeded)
}
