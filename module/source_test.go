package module

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/catkit2-sub001/config"
	"github.com/spacetelescope/catkit2-sub001/datastream"
)

func TestCounterStamp(t *testing.T) {
	for _, n := range []int{0, 3, 8, 20} {
		data := make([]byte, n)
		StampCounter(data, 0x0102030405060708)
		assert.True(t, VerifyCounter(data, 0x0102030405060708), n)
		if n > 0 {
			assert.False(t, VerifyCounter(data, 9), n)
		}
	}

	data := make([]byte, 16)
	StampCounter(data, 5)
	data[12] = 1
	assert.False(t, VerifyCounter(data, 5))
}

func fillOne(t *testing.T, sc config.StreamConfig, frames int) []*datastream.Frame {
	t.Helper()
	src, err := NewSource(sc)
	require.NoError(t, err)

	reg := datastream.NewRegistry(datastream.WithDir(t.TempDir()))
	p, err := reg.Create(sc.Name, sc.DataType, sc.Shape, sc.Slots)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	var out []*datastream.Frame
	for i := 0; i < frames; i++ {
		f, err := p.RequestNewFrame()
		require.NoError(t, err)
		require.NoError(t, src.Fill(f))
		require.NoError(t, p.SubmitFrame(f.ID))
		out = append(out, f)
	}
	return out
}

func TestRandomWalkSource(t *testing.T) {
	sc := config.StreamConfig{
		Name: "env", DataType: datastream.Float64, Shape: []int{3}, Slots: 64,
		Source: SourceRandomWalk,
		Params: map[string]float64{"start": 20, "step": 0.5, "seed": 7},
	}
	frames := fillOne(t, sc, 40)
	for i, f := range frames {
		v, err := datastream.Elements[float64](f)
		require.NoError(t, err)
		for _, x := range v {
			assert.InDelta(t, 20, x, 0.5*float64(i+1)+1e-9)
		}
	}
}

func TestSineSourceFloat32(t *testing.T) {
	sc := config.StreamConfig{
		Name: "wave", DataType: datastream.Float32, Shape: []int{2, 2}, Slots: 4,
		Source: SourceSine,
		Params: map[string]float64{"amplitude": 2, "offset": 10},
	}
	for _, f := range fillOne(t, sc, 4) {
		v, err := datastream.Elements[float32](f)
		require.NoError(t, err)
		require.Len(t, v, 4)
		for _, x := range v {
			assert.False(t, math.IsNaN(float64(x)))
			assert.InDelta(t, 10, x, 2+1e-4)
		}
	}
}

func TestNewSourceErrors(t *testing.T) {
	_, err := NewSource(config.StreamConfig{Name: "x", DataType: datastream.Float64, Source: "laser"})
	assert.ErrorIs(t, err, datastream.ErrInvalidArgument)

	_, err = NewSource(config.StreamConfig{Name: "x", DataType: datastream.Int16, Shape: []int{1}, Source: SourceSine})
	assert.ErrorIs(t, err, datastream.ErrInvalidArgument)

	src, err := NewSource(config.StreamConfig{Name: "x", DataType: datastream.Int16, Shape: []int{1}})
	require.NoError(t, err)
	assert.IsType(t, CounterSource{}, src)
}
