package recurrence

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-qanetxl/internal/device"
)

// RelativePositions returns the distances klen-1 down to 0. When clampLen is
// positive, larger distances saturate at clampLen.
func RelativePositions(klen, clampLen int) []float32 {
	pos := make([]float32, klen)
	for i := range pos {
		d := klen - 1 - i
		if clampLen > 0 && d > clampLen {
			d = clampLen
		}
		pos[i] = float32(d)
	}
	return pos
}

// PositionalEncoder produces the fixed sinusoidal embedding of relative
// distances used by Transformer-XL attention.
type PositionalEncoder struct {
	Dim     int
	invFreq []float64
}

// NewPositionalEncoder builds the frequency basis for an even model dimension.
func NewPositionalEncoder(dim int) (*PositionalEncoder, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, fmt.Errorf("%w: positional dimension %d must be positive and even", ErrConfig, dim)
	}
	inv := make([]float64, dim/2)
	for k := range inv {
		inv[k] = 1 / math.Pow(10000, float64(2*k)/float64(dim))
	}
	return &PositionalEncoder{Dim: dim, invFreq: inv}, nil
}

// Encode maps each distance to [sin(p*f) ‖ cos(p*f)], shape [len, 1, Dim].
func (e *PositionalEncoder) Encode(positions []float32) *device.Tensor {
	half := e.Dim / 2
	out := device.NewTensor(device.Shape{len(positions), 1, e.Dim}, nil)
	data := out.Data()
	for i, p := range positions {
		row := data[i*e.Dim : (i+1)*e.Dim]
		for k, f := range e.invFreq {
			s, c := math.Sincos(float64(p) * f)
			row[k] = float32(s)
			row[half+k] = float32(c)
		}
	}
	return out
}
