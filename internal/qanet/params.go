package qanet

import (
	"math/rand/v2"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/recurrence"
)

// Params are the trainable relative-position biases shared by every
// recurrent stack. They are owned by the caller and only read by Forward.
type Params struct {
	RWBias *device.Tensor // [heads, head_dim]
	RRBias *device.Tensor // [heads, head_dim]
}

// NewParams draws both biases from N(0, 0.02). A nil rng uses a fixed seed.
func NewParams(cfg Config, rng *rand.Rand) *Params {
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	return &Params{
		RWBias: normalParam(device.Shape{cfg.Heads, cfg.HeadDim}, 0.02, rng),
		RRBias: normalParam(device.Shape{cfg.Heads, cfg.HeadDim}, 0.02, rng),
	}
}

func normalParam(shape device.Shape, std float64, rng *rand.Rand) *device.Tensor {
	data := make([]float32, shape.Size())
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
	return device.NewParam(shape, data)
}

func (p *Params) biases() recurrence.Biases {
	if p == nil {
		return recurrence.Biases{}
	}
	return recurrence.Biases{W: p.RWBias, R: p.RRBias}
}
