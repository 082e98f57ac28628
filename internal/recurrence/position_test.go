package recurrence

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativePositions(t *testing.T) {
	assert.Equal(t, []float32{4, 3, 2, 1, 0}, RelativePositions(5, 0))
	assert.Equal(t, []float32{2, 2, 2, 1, 0}, RelativePositions(5, 2))
	assert.Empty(t, RelativePositions(0, 3))
}

func TestPositionalEncoder(t *testing.T) {
	enc, err := NewPositionalEncoder(4)
	require.NoError(t, err)

	emb := enc.Encode([]float32{1, 0})
	require.Equal(t, 2, emb.Dim(0))
	require.Equal(t, 1, emb.Dim(1))
	require.Equal(t, 4, emb.Dim(2))

	// inv_freq = [1, 1/100]; row = [sin(p), sin(p/100), cos(p), cos(p/100)]
	assert.InDelta(t, math.Sin(1), emb.At(0, 0, 0), 1e-6)
	assert.InDelta(t, math.Sin(0.01), emb.At(0, 0, 1), 1e-6)
	assert.InDelta(t, math.Cos(1), emb.At(0, 0, 2), 1e-6)
	assert.InDelta(t, math.Cos(0.01), emb.At(0, 0, 3), 1e-6)

	// distance 0 is [0, 0, 1, 1]
	assert.Equal(t, []float32{0, 0, 1, 1}, emb.Data()[4:])
	assert.False(t, emb.RequiresGrad())
}

func TestPositionalEncoder_OddDim(t *testing.T) {
	_, err := NewPositionalEncoder(5)
	require.True(t, errors.Is(err, ErrConfig))
}
