package datastream

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/spacetelescope/catkit2-sub001/shm"
)

// maxFrameBytes bounds a single frame so the region size always fits an int.
const maxFrameBytes = 1 << 40

// Descriptor is the immutable metadata of a stream, fixed at creation.
type Descriptor struct {
	Name      string
	DataType  DataType
	Shape     []int
	SlotCount int
}

// Validate reports whether d can back a stream.
func (d Descriptor) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if !d.DataType.Valid() {
		return fmt.Errorf("%w: data type %s", ErrInvalidArgument, d.DataType)
	}
	if d.SlotCount < 1 {
		return fmt.Errorf("%w: slot count %d, need at least 1", ErrInvalidArgument, d.SlotCount)
	}
	if len(d.Shape) == 0 || len(d.Shape) > shm.MaxDims {
		return fmt.Errorf("%w: shape %v must have 1 to %d dimensions", ErrInvalidArgument, d.Shape, shm.MaxDims)
	}
	size := uint64(d.DataType.Size())
	for _, dim := range d.Shape {
		if dim <= 0 {
			return fmt.Errorf("%w: shape %v has a non-positive dimension", ErrInvalidArgument, d.Shape)
		}
		size *= uint64(dim)
		if size > maxFrameBytes {
			return fmt.Errorf("%w: shape %v exceeds the maximum frame size", ErrInvalidArgument, d.Shape)
		}
	}
	total := shm.RegionSize(uint64(d.SlotCount), size)
	if total > math.MaxInt || total/uint64(d.SlotCount) < size {
		return fmt.Errorf("%w: %d slots of %d bytes do not fit in memory", ErrInvalidArgument, d.SlotCount, size)
	}
	return nil
}

// ValidateName checks that name can be used as a stream identifier. Names
// become file names, so only letters, digits, '.', '_' and '-' are allowed.
func ValidateName(name string) error {
	if name == "" || len(name) > shm.MaxNameLen {
		return fmt.Errorf("%w: stream name must be 1 to %d bytes", ErrInvalidArgument, shm.MaxNameLen)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: stream name %q starts with '.'", ErrInvalidArgument, name)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: stream name %q contains %q", ErrInvalidArgument, name, c)
		}
	}
	if strings.Contains(name, ".tmp-") {
		return fmt.Errorf("%w: stream name %q is reserved", ErrInvalidArgument, name)
	}
	return nil
}

// NumElements is the number of elements in one frame.
func (d Descriptor) NumElements() int {
	n := 1
	for _, dim := range d.Shape {
		n *= dim
	}
	return n
}

// FrameSize is the payload size of one frame in bytes.
func (d Descriptor) FrameSize() int {
	return d.NumElements() * d.DataType.Size()
}

// Strides returns the C-order byte stride of each dimension.
func (d Descriptor) Strides() []int {
	strides := make([]int, len(d.Shape))
	step := d.DataType.Size()
	for i := len(d.Shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= d.Shape[i]
	}
	return strides
}

// Offset returns the byte offset of the element at idx.
func (d Descriptor) Offset(idx ...int) (int, error) {
	if len(idx) != len(d.Shape) {
		return 0, fmt.Errorf("%w: %d indices for %d dimensions", ErrInvalidArgument, len(idx), len(d.Shape))
	}
	off := 0
	for i, stride := range d.Strides() {
		if idx[i] < 0 || idx[i] >= d.Shape[i] {
			return 0, fmt.Errorf("%w: index %v out of range for shape %v", ErrInvalidArgument, idx, d.Shape)
		}
		off += idx[i] * stride
	}
	return off, nil
}

// CheckSchema returns ErrSchemaMismatch when dt or shape differ from d.
// A zero dt or a nil shape is not checked.
func (d Descriptor) CheckSchema(dt DataType, shape []int) error {
	if dt != InvalidType && dt != d.DataType {
		return fmt.Errorf("%w: stream %q has type %s, expected %s", ErrSchemaMismatch, d.Name, d.DataType, dt)
	}
	if shape != nil && !slices.Equal(shape, d.Shape) {
		return fmt.Errorf("%w: stream %q has shape %v, expected %v", ErrSchemaMismatch, d.Name, d.Shape, shape)
	}
	return nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%s %v x%d]", d.Name, d.DataType, d.Shape, d.SlotCount)
}

func (d Descriptor) clone() Descriptor {
	d.Shape = slices.Clone(d.Shape)
	return d
}

func (d Descriptor) writeHeader(h *shm.Header) {
	h.Magic = shm.Magic
	h.Version = shm.LayoutVersion
	h.DataType = uint32(d.DataType)
	h.NumDims = uint32(len(d.Shape))
	for i, dim := range d.Shape {
		h.Shape[i] = uint64(dim)
	}
	h.SlotCount = uint64(d.SlotCount)
	h.FrameBytes = uint64(d.FrameSize())
	h.SlotStride = shm.SlotStride(h.FrameBytes)
	h.SetName(d.Name)
}

func descriptorFromHeader(h *shm.Header) (Descriptor, error) {
	d := Descriptor{
		Name:      h.NameString(),
		DataType:  DataType(h.DataType),
		Shape:     make([]int, h.NumDims),
		SlotCount: int(h.SlotCount),
	}
	for i := range d.Shape {
		d.Shape[i] = int(h.Shape[i])
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	if uint64(d.FrameSize()) != h.FrameBytes {
		return Descriptor{}, fmt.Errorf("%w: frame size %d does not match shape %v", ErrIncompatible, h.FrameBytes, d.Shape)
	}
	return d, nil
}
