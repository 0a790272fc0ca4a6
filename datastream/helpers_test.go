package datastream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(WithDir(t.TempDir()))
}

// submitN writes n frames whose first 8 bytes hold the frame id.
func submitN(t *testing.T, p *Producer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f, err := p.RequestNewFrame()
		require.NoError(t, err)
		stamp(f)
		require.NoError(t, p.SubmitFrame(f.ID))
	}
}

// stamp fills every 8-byte word of f with its id so a torn copy is detectable.
func stamp(f *Frame) {
	for off := 0; off+8 <= len(f.Data); off += 8 {
		binary.LittleEndian.PutUint64(f.Data[off:], f.ID)
	}
}

// intact reports whether every word of f holds f's id.
func intact(f *Frame) bool {
	for off := 0; off+8 <= len(f.Data); off += 8 {
		if binary.LittleEndian.Uint64(f.Data[off:]) != f.ID {
			return false
		}
	}
	return true
}
