package layers

import (
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-qanetxl/internal/device"
)

// Parameter is a trainable tensor under a stable name.
type Parameter struct {
	Name   string
	Tensor *device.Tensor
}

// Linear applies y = xW + b along the channel axis.
type Linear struct {
	Weight *device.Tensor // [in, out]
	Bias   *device.Tensor // [out], nil without bias
}

// NewLinear creates a Glorot-initialised projection.
func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{Weight: xavier(in, out, rng)}
	if bias {
		l.Bias = device.NewParam(device.Shape{out}, nil)
	}
	return l
}

// xavier draws a rows x cols matrix from the Glorot uniform distribution.
func xavier(rows, cols int, rng *rand.Rand) *device.Tensor {
	limit := math.Sqrt(6.0 / float64(rows+cols))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return device.NewParam(device.Shape{rows, cols}, data)
}

// In returns the input width.
func (l *Linear) In() int { return l.Weight.Dim(0) }

// Rows projects a [n, in] tensor to [n, out].
func (l *Linear) Rows(x *device.Tensor) *device.Tensor {
	y := device.MatMul(x, l.Weight)
	if l.Bias != nil {
		y = device.AddBias(y, l.Bias)
	}
	return y
}

// Forward projects [batch, in, len] to [batch, out, len].
func (l *Linear) Forward(x *device.Tensor) *device.Tensor {
	return fromRows(l.Rows(toRows(x)), x.Dim(0), x.Dim(2))
}

func (l *Linear) parameters(prefix string) []Parameter {
	ps := []Parameter{{prefix + ".weight", l.Weight}}
	if l.Bias != nil {
		ps = append(ps, Parameter{prefix + ".bias", l.Bias})
	}
	return ps
}

// toRows turns [batch, ch, len] into [batch*len, ch].
func toRows(x *device.Tensor) *device.Tensor {
	batch, ch, n := x.Dim(0), x.Dim(1), x.Dim(2)
	return x.Permute(0, 2, 1).Reshape(device.Shape{batch * n, ch})
}

// fromRows inverts toRows.
func fromRows(r *device.Tensor, batch, n int) *device.Tensor {
	return r.Reshape(device.Shape{batch, n, r.Dim(1)}).Permute(0, 2, 1)
}

// norm is a layer norm over the channel axis of row tensors.
type norm struct {
	Gamma *device.Tensor
	Beta  *device.Tensor
}

func newNorm(dim int) norm {
	ones := make([]float32, dim)
	for i := range ones {
		ones[i] = 1
	}
	return norm{
		Gamma: device.NewParam(device.Shape{dim}, ones),
		Beta:  device.NewParam(device.Shape{dim}, nil),
	}
}

func (n norm) forward(x *device.Tensor) *device.Tensor {
	return device.LayerNorm(x, n.Gamma, n.Beta, 1e-5)
}

func (n norm) parameters(prefix string) []Parameter {
	return []Parameter{{prefix + ".gamma", n.Gamma}, {prefix + ".beta", n.Beta}}
}
