package module

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/spacetelescope/catkit2-sub001/config"
	"github.com/spacetelescope/catkit2-sub001/datastream"
)

// Source fills the payload of a requested frame.
type Source interface {
	Fill(f *datastream.Frame) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(f *datastream.Frame) error

func (fn SourceFunc) Fill(f *datastream.Frame) error { return fn(f) }

// Source names accepted in configuration.
const (
	SourceRandomWalk = "random_walk"
	SourceSine       = "sine"
	SourceCounter    = "counter"
)

// NewSource builds the source named by sc.Source.
func NewSource(sc config.StreamConfig) (Source, error) {
	switch sc.Source {
	case SourceCounter, "":
		return CounterSource{}, nil
	case SourceRandomWalk:
		return newRandomWalk(sc)
	case SourceSine:
		return newSine(sc)
	}
	return nil, fmt.Errorf("%w: unknown source %q for stream %q", datastream.ErrInvalidArgument, sc.Source, sc.Name)
}

// CounterSource writes the frame id into every 8-byte word of the payload,
// so a reader can tell an intact frame from a torn or misplaced one.
type CounterSource struct{}

func (CounterSource) Fill(f *datastream.Frame) error {
	StampCounter(f.Data, f.ID)
	return nil
}

// StampCounter fills data with id, little endian, word by word. A trailing
// partial word gets the low bytes of id.
func StampCounter(data []byte, id uint64) {
	n := len(data) &^ 7
	for i := 0; i < n; i += 8 {
		binary.LittleEndian.PutUint64(data[i:], id)
	}
	var tail [8]byte
	binary.LittleEndian.PutUint64(tail[:], id)
	copy(data[n:], tail[:])
}

// VerifyCounter reports whether data was written by StampCounter for id.
func VerifyCounter(data []byte, id uint64) bool {
	n := len(data) &^ 7
	for i := 0; i < n; i += 8 {
		if binary.LittleEndian.Uint64(data[i:]) != id {
			return false
		}
	}
	var tail [8]byte
	binary.LittleEndian.PutUint64(tail[:], id)
	for i, b := range data[n:] {
		if b != tail[i] {
			return false
		}
	}
	return true
}

// floatWriter stores one float64 per element in a float32 or float64 frame.
type floatWriter func(f *datastream.Frame, values []float64) error

func floatWriterFor(sc config.StreamConfig) (floatWriter, error) {
	switch sc.DataType {
	case datastream.Float64:
		return func(f *datastream.Frame, values []float64) error {
			dst, err := datastream.Elements[float64](f)
			if err != nil {
				return err
			}
			copy(dst, values)
			return nil
		}, nil
	case datastream.Float32:
		return func(f *datastream.Frame, values []float64) error {
			dst, err := datastream.Elements[float32](f)
			if err != nil {
				return err
			}
			for i := range dst {
				dst[i] = float32(values[i])
			}
			return nil
		}, nil
	}
	return nil, fmt.Errorf("%w: source %q needs a float32 or float64 stream, %q is %s",
		datastream.ErrInvalidArgument, sc.Source, sc.Name, sc.DataType)
}

// randomWalk drifts every element around params.start, moving up to
// params.step per frame, like a slowly varying sensor reading.
type randomWalk struct {
	write  floatWriter
	rng    *rand.Rand
	step   float64
	values []float64
}

func newRandomWalk(sc config.StreamConfig) (*randomWalk, error) {
	w, err := floatWriterFor(sc)
	if err != nil {
		return nil, err
	}
	seed := uint64(sc.Param("seed", float64(time.Now().UnixNano())))
	values := make([]float64, sc.Descriptor().NumElements())
	start := sc.Param("start", 20)
	for i := range values {
		values[i] = start
	}
	return &randomWalk{
		write:  w,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		step:   sc.Param("step", 0.1),
		values: values,
	}, nil
}

func (r *randomWalk) Fill(f *datastream.Frame) error {
	for i := range r.values {
		r.values[i] += (r.rng.Float64()*2 - 1) * r.step
	}
	return r.write(f, r.values)
}

// sine writes offset + amplitude*sin(2*pi*frequency*t + phase_i), where t is
// the time since the source was built and element i lags by i/n of a period.
type sine struct {
	write     floatWriter
	start     time.Time
	amplitude float64
	frequency float64
	offset    float64
	values    []float64
}

func newSine(sc config.StreamConfig) (*sine, error) {
	w, err := floatWriterFor(sc)
	if err != nil {
		return nil, err
	}
	return &sine{
		write:     w,
		start:     time.Now(),
		amplitude: sc.Param("amplitude", 1),
		frequency: sc.Param("frequency", 1),
		offset:    sc.Param("offset", 0),
		values:    make([]float64, sc.Descriptor().NumElements()),
	}, nil
}

func (s *sine) Fill(f *datastream.Frame) error {
	t := time.Since(s.start).Seconds()
	n := float64(len(s.values))
	for i := range s.values {
		phase := 2 * math.Pi * float64(i) / n
		s.values[i] = s.offset + s.amplitude*math.Sin(2*math.Pi*s.frequency*t+phase)
	}
	return s.write(f, s.values)
}
