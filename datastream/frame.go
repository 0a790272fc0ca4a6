package datastream

import (
	"fmt"
	"time"
	"unsafe"
)

// Frame is a transient view of one slot.
//
// A frame returned by RequestNewFrame is writable until SubmitFrame. A frame
// returned by a Consumer points into that consumer's private buffer and stays
// valid until its next read call.
type Frame struct {
	ID uint64
	// Timestamp is the monotonic submit time in nanoseconds, 0 until submitted.
	Timestamp int64
	Data      []byte
	// Skipped is the number of frames dropped right before this one.
	Skipped uint64

	desc *Descriptor
}

func (f *Frame) Descriptor() Descriptor { return f.desc.clone() }

func (f *Frame) Shape() []int { return f.desc.Shape }

func (f *Frame) DataType() DataType { return f.desc.DataType }

// Age returns how long ago the frame was submitted, measured on the
// monotonic clock shared by all processes.
func (f *Frame) Age() time.Duration {
	if f.Timestamp == 0 {
		return 0
	}
	return time.Duration(monotonic() - f.Timestamp)
}

// Element lists the Go types a frame can be viewed as.
type Element interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | complex64 | complex128
}

func dataTypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	}
	return InvalidType
}

// Elements returns f's payload as a typed slice in C order. The slice aliases
// f.Data.
func Elements[T Element](f *Frame) ([]T, error) {
	if want := dataTypeOf[T](); want != f.desc.DataType {
		return nil, fmt.Errorf("%w: stream %q holds %s, not %s", ErrSchemaMismatch, f.desc.Name, f.desc.DataType, want)
	}
	n := f.desc.NumElements()
	if len(f.Data) < n*f.desc.DataType.Size() {
		return nil, fmt.Errorf("%w: frame buffer too short", ErrInvalidArgument)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&f.Data[0])), n), nil
}
