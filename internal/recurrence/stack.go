package recurrence

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-qanetxl/internal/device"
)

// Biases are the relative-position bias parameters shared by every layer of
// a stack. Both are [num_heads, head_dim].
type Biases struct {
	W *device.Tensor // r_w_bias, content term
	R *device.Tensor // r_r_bias, position term
}

// LayerInput is everything one encoder layer sees for a segment.
type LayerInput struct {
	Hidden      *device.Tensor // [batch, model_dim, qlen]
	PaddingMask *device.Tensor // [batch, qlen], 1 for real tokens
	LayerIndex  int
	TotalLayers int
	PosEmb      *device.Tensor // [klen, 1, model_dim]
	Biases      Biases
	AttnMask    *Mask
	Memory      *device.Tensor // [mlen, batch, model_dim], nil without recurrence
	Training    bool
	Rand        *rand.Rand
}

// EncoderLayer is one block of a recurrent stack. It must accept a nil
// Memory and then behave as a fixed-window encoder.
type EncoderLayer interface {
	Apply(in LayerInput) (*device.Tensor, error)
}

// StackConfig describes a recurrent encoder stack.
type StackConfig struct {
	Name     string
	ModelDim int
	MemLen   int
	ClampLen int
	// LayerStride and TotalBlocks feed the per-layer schedule index passed
	// to each layer: layer l receives l*LayerStride+1 of TotalBlocks.
	LayerStride int
	TotalBlocks int
	Dropout     float32
}

// Stack runs an ordered list of encoder layers over a segment, threading one
// memory stream.
type Stack struct {
	Config StackConfig
	Layers []EncoderLayer
	pos    *PositionalEncoder
}

// NewStack validates the configuration and builds a stack.
func NewStack(cfg StackConfig, layers []EncoderLayer) (*Stack, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: stack %q has no layers", ErrConfig, cfg.Name)
	}
	if cfg.MemLen < 0 {
		return nil, fmt.Errorf("%w: stack %q mem_len %d is negative", ErrConfig, cfg.Name, cfg.MemLen)
	}
	if cfg.TotalBlocks <= 0 {
		cfg.TotalBlocks = 1
	}
	pos, err := NewPositionalEncoder(cfg.ModelDim)
	if err != nil {
		return nil, fmt.Errorf("stack %q: %w", cfg.Name, err)
	}
	return &Stack{Config: cfg, Layers: layers, pos: pos}, nil
}

// InitMems returns fresh memory sized for this stack.
func (s *Stack) InitMems() Memory {
	return InitMems(len(s.Layers), s.Config.MemLen)
}

// StackInput is one stack call.
type StackInput struct {
	Hidden      *device.Tensor // [batch, model_dim, qlen]
	PaddingMask *device.Tensor
	Memory      Memory
	Biases      Biases
	Training    bool
	Rand        *rand.Rand
}

// StackOutput is the final hidden state and the replacement memory.
type StackOutput struct {
	Hidden *device.Tensor
	Memory Memory
}

// Forward runs the segment through every layer and slides the memory window.
// An unset or absent memory runs the stack without recurrence and yields
// Absent.
func (s *Stack) Forward(in StackInput) (StackOutput, error) {
	start := time.Now()
	defer func() {
		StackDuration.WithLabelValues(s.Config.Name).Observe(time.Since(start).Seconds())
	}()

	mlen, err := s.validate(in)
	if err != nil {
		return StackOutput{}, err
	}
	batch, qlen := in.Hidden.Dim(0), in.Hidden.Dim(2)
	klen := mlen + qlen

	hids := make([]*device.Tensor, len(s.Layers))
	if qlen == 0 {
		for i := range hids {
			hids[i] = in.Hidden
		}
		mem := s.update(hids, in.Memory, qlen, mlen)
		return StackOutput{Hidden: in.Hidden, Memory: mem}, nil
	}

	rng := in.Rand
	if !in.Training {
		rng = nil
	}

	mask := BuildAttentionMask(qlen, mlen, s.Config.MemLen, in.Training)
	posEmb := s.pos.Encode(RelativePositions(klen, s.Config.ClampLen))
	if posEmb.Dim(0) != mask.KeyLen {
		return StackOutput{}, fmt.Errorf("%w: stack %q positional length %d != key length %d",
			ErrShapeMismatch, s.Config.Name, posEmb.Dim(0), mask.KeyLen)
	}

	out := device.Dropout(in.Hidden, s.Config.Dropout, rng)
	for i, layer := range s.Layers {
		hids[i] = out
		next, err := layer.Apply(LayerInput{
			Hidden:      out,
			PaddingMask: in.PaddingMask,
			LayerIndex:  i*s.Config.LayerStride + 1,
			TotalLayers: s.Config.TotalBlocks,
			PosEmb:      posEmb,
			Biases:      in.Biases,
			AttnMask:    mask,
			Memory:      in.Memory.Buffer(i),
			Training:    in.Training,
			Rand:        rng,
		})
		if err != nil {
			return StackOutput{}, fmt.Errorf("stack %q layer %d: %w", s.Config.Name, i, err)
		}
		if next.Rank() != 3 || next.Dim(0) != batch || next.Dim(1) != s.Config.ModelDim || next.Dim(2) != qlen {
			return StackOutput{}, fmt.Errorf("%w: stack %q layer %d returned %v, want [%d %d %d]",
				ErrShapeMismatch, s.Config.Name, i, next.Shape(), batch, s.Config.ModelDim, qlen)
		}
		out = next
	}
	out = device.Dropout(out, s.Config.Dropout, rng)

	mem := s.update(hids, in.Memory, qlen, mlen)
	return StackOutput{Hidden: out, Memory: mem}, nil
}

func (s *Stack) update(hids []*device.Tensor, prior Memory, qlen, mlen int) Memory {
	mem := UpdateMems(hids, prior, qlen, mlen, s.Config.MemLen)
	memoryCachedSteps.WithLabelValues(s.Config.Name).Set(float64(mem.Steps()))
	if mem.IsPresent() && mlen+qlen > s.Config.MemLen {
		log.Debug().
			Str("stack", s.Config.Name).
			Int("mlen", mlen).
			Int("qlen", qlen).
			Int("dropped", mlen+qlen-s.Config.MemLen).
			Msg("memory window full, dropping oldest steps")
	}
	return mem
}

// validate checks the segment and memory extents and returns the memory length.
func (s *Stack) validate(in StackInput) (int, error) {
	h := in.Hidden
	if h == nil || h.Rank() != 3 {
		return 0, fmt.Errorf("%w: stack %q expects [batch, model_dim, qlen] input", ErrShapeMismatch, s.Config.Name)
	}
	if h.Dim(1) != s.Config.ModelDim {
		return 0, fmt.Errorf("%w: stack %q model_dim %d, input has %d",
			ErrShapeMismatch, s.Config.Name, s.Config.ModelDim, h.Dim(1))
	}
	if err := s.CheckMemory(in.Memory, h.Dim(0)); err != nil {
		return 0, err
	}
	return in.Memory.Steps(), nil
}

// CheckMemory reports whether mem can be read by this stack for segments of
// the given batch size. Unset and absent memory always fit.
func (s *Stack) CheckMemory(mem Memory, batch int) error {
	if !mem.IsPresent() {
		return nil
	}
	if mem.Layers() != len(s.Layers) {
		return fmt.Errorf("%w: stack %q has %d layers, memory has %d buffers",
			ErrLayerMismatch, s.Config.Name, len(s.Layers), mem.Layers())
	}

	mlen := mem.Steps()
	for i := 0; i < mem.Layers(); i++ {
		buf := mem.Buffer(i)
		if buf == nil || buf.Rank() != 3 {
			return fmt.Errorf("%w: stack %q layer %d memory is not [steps, batch, model_dim]",
				ErrShapeMismatch, s.Config.Name, i)
		}
		if buf.Dim(0) != mlen {
			return fmt.Errorf("%w: stack %q layer %d caches %d steps, layer 0 caches %d",
				ErrShapeMismatch, s.Config.Name, i, buf.Dim(0), mlen)
		}
		if mlen > s.Config.MemLen {
			return fmt.Errorf("%w: stack %q layer %d caches %d steps over mem_len %d",
				ErrShapeMismatch, s.Config.Name, i, mlen, s.Config.MemLen)
		}
		if mlen > 0 && (buf.Dim(1) != batch || buf.Dim(2) != s.Config.ModelDim) {
			return fmt.Errorf("%w: stack %q layer %d memory is %v, segment batch %d model_dim %d",
				ErrShapeMismatch, s.Config.Name, i, buf.Shape(), batch, s.Config.ModelDim)
		}
	}
	return nil
}
