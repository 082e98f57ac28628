package layers

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/recurrence"
	"github.com/23skdu/longbow-qanetxl/internal/simd"
)

// EncoderBlock is a Transformer-XL layer: relative multi-head attention over
// [memory ; segment] followed by a position-wise feed-forward network, each
// with a residual connection and layer norm.
type EncoderBlock struct {
	Heads    int
	HeadDim  int
	ModelDim int
	Dropout  float32

	Query *Linear // [model_dim, heads*head_dim]
	Key   *Linear
	Value *Linear
	Pos   *Linear // projects the positional embedding
	Out   *Linear // [heads*head_dim, model_dim]
	Norm1 norm

	FF1   *Linear // [model_dim, d_inner]
	FF2   *Linear // [d_inner, model_dim]
	Norm2 norm
}

// NewEncoderBlock creates a block with a d_inner wide feed-forward network.
func NewEncoderBlock(modelDim, heads, headDim, dInner int, dropout float32, rng *rand.Rand) *EncoderBlock {
	hd := heads * headDim
	return &EncoderBlock{
		Heads:    heads,
		HeadDim:  headDim,
		ModelDim: modelDim,
		Dropout:  dropout,
		Query:    NewLinear(modelDim, hd, false, rng),
		Key:      NewLinear(modelDim, hd, false, rng),
		Value:    NewLinear(modelDim, hd, false, rng),
		Pos:      NewLinear(modelDim, hd, false, rng),
		Out:      NewLinear(hd, modelDim, false, rng),
		Norm1:    newNorm(modelDim),
		FF1:      NewLinear(modelDim, dInner, true, rng),
		FF2:      NewLinear(dInner, modelDim, true, rng),
		Norm2:    newNorm(modelDim),
	}
}

// Apply runs the block on one segment.
func (e *EncoderBlock) Apply(in recurrence.LayerInput) (*device.Tensor, error) {
	if err := e.check(in); err != nil {
		return nil, err
	}
	if e.skip(in) {
		return in.Hidden, nil
	}
	batch, qlen := in.Hidden.Dim(0), in.Hidden.Dim(2)
	klen := in.AttnMask.KeyLen

	// time-major [klen, batch, d] -> [batch*klen, d]
	cat := in.Hidden.Permute(2, 0, 1)
	if in.Memory != nil && in.Memory.Dim(0) > 0 {
		cat = device.Concat(in.Memory, cat)
	}
	cat = cat.Permute(1, 0, 2).Reshape(device.Shape{batch * klen, e.ModelDim})

	x := toRows(in.Hidden)
	q := e.Query.Rows(x)
	k := e.Key.Rows(cat)
	v := e.Value.Rows(cat)
	r := e.Pos.Rows(in.PosEmb.Reshape(device.Shape{klen, e.ModelDim}))

	attn := e.attend(q, k, v, r, in, batch, qlen, klen)
	a := device.Dropout(e.Out.Rows(attn), e.Dropout, in.Rand)
	h := e.Norm1.forward(device.Add(x, a))

	ff := e.FF2.Rows(e.FF1.Rows(h).Apply(simd.Relu))
	ff = device.Dropout(ff, e.Dropout, in.Rand)
	h = e.Norm2.forward(device.Add(h, ff))
	return fromRows(h, batch, qlen), nil
}

func (e *EncoderBlock) check(in recurrence.LayerInput) error {
	if in.Biases.W == nil || in.Biases.R == nil {
		return fmt.Errorf("encoder block: relative position biases are required")
	}
	want := device.Shape{e.Heads, e.HeadDim}
	if !in.Biases.W.Shape().Equal(want) || !in.Biases.R.Shape().Equal(want) {
		return fmt.Errorf("%w: biases %v and %v, want %v",
			recurrence.ErrShapeMismatch, in.Biases.W.Shape(), in.Biases.R.Shape(), want)
	}
	mlen := 0
	if in.Memory != nil {
		mlen = in.Memory.Dim(0)
	}
	if in.AttnMask == nil || in.AttnMask.KeyLen != mlen+in.Hidden.Dim(2) || in.PosEmb.Dim(0) != in.AttnMask.KeyLen {
		return fmt.Errorf("%w: attention mask or positional embedding does not cover %d keys",
			recurrence.ErrShapeMismatch, mlen+in.Hidden.Dim(2))
	}
	return nil
}

// skip reports whether stochastic depth drops this block for the call.
func (e *EncoderBlock) skip(in recurrence.LayerInput) bool {
	if !in.Training || in.Rand == nil || in.TotalLayers <= 0 {
		return false
	}
	p := e.Dropout * float32(in.LayerIndex) / float32(in.TotalLayers)
	return in.Rand.Float32() < p
}

// attend computes softmax((q+r_w)k + (q+r_r)r) v per head. Query i sits at
// key mlen+i; key j is qlen-1-i+j rows into the descending positional table.
func (e *EncoderBlock) attend(q, k, v, r *device.Tensor, in recurrence.LayerInput, batch, qlen, klen int) *device.Tensor {
	hd := e.Heads * e.HeadDim
	mlen := klen - qlen
	scale := float32(1 / math.Sqrt(float64(e.HeadDim)))
	out := device.NewTensor(device.Shape{batch * qlen, hd}, nil)

	qd, kd, vd, rd, od := q.Data(), k.Data(), v.Data(), r.Data(), out.Data()
	rw, rr := in.Biases.W.Data(), in.Biases.R.Data()
	var pad []float32
	if in.PaddingMask != nil {
		pad = in.PaddingMask.Data()
	}

	var wg sync.WaitGroup
	for b := 0; b < batch; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			scores := device.Scratch.Get(klen)
			qw := make([]float32, e.HeadDim)
			qr := make([]float32, e.HeadDim)
			defer device.Scratch.Put(scores)

			for h := 0; h < e.Heads; h++ {
				off := h * e.HeadDim
				for i := 0; i < qlen; i++ {
					qi := qd[(b*qlen+i)*hd+off : (b*qlen+i)*hd+off+e.HeadDim]
					copy(qw, qi)
					copy(qr, qi)
					simd.VecAdd(qw, rw[off:off+e.HeadDim])
					simd.VecAdd(qr, rr[off:off+e.HeadDim])

					for j := 0; j < klen; j++ {
						if in.AttnMask.Forbidden(i, j) || (pad != nil && j >= mlen && pad[b*qlen+j-mlen] == 0) {
							scores[j] = simd.NegInf
							continue
						}
						kj := kd[(b*klen+j)*hd+off : (b*klen+j)*hd+off+e.HeadDim]
						t := qlen - 1 - i + j
						rt := rd[t*hd+off : t*hd+off+e.HeadDim]
						scores[j] = (simd.DotProduct(qw, kj) + simd.DotProduct(qr, rt)) * scale
					}
					simd.SoftmaxMasked(scores)

					dst := od[(b*qlen+i)*hd+off : (b*qlen+i)*hd+off+e.HeadDim]
					for j, p := range scores {
						if p == 0 {
							continue
						}
						simd.VecAddScaled(dst, vd[(b*klen+j)*hd+off:(b*klen+j)*hd+off+e.HeadDim], p)
					}
				}
			}
		}(b)
	}
	wg.Wait()
	return device.Derive(out, q, k, v, r, in.Biases.W, in.Biases.R)
}

func (e *EncoderBlock) parameters(prefix string) []Parameter {
	var ps []Parameter
	for _, l := range []struct {
		name string
		l    *Linear
	}{
		{"query", e.Query}, {"key", e.Key}, {"value", e.Value}, {"pos", e.Pos}, {"out", e.Out},
	} {
		ps = append(ps, l.l.parameters(prefix+"."+l.name)...)
	}
	ps = append(ps, e.Norm1.parameters(prefix+".norm1")...)
	ps = append(ps, e.FF1.parameters(prefix+".ff1")...)
	ps = append(ps, e.FF2.parameters(prefix+".ff2")...)
	return append(ps, e.Norm2.parameters(prefix+".norm2")...)
}
