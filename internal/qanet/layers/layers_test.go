package layers

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/qanet"
	"github.com/23skdu/longbow-qanetxl/internal/recurrence"
)

func testRand() *rand.Rand { return rand.New(rand.NewPCG(3, 4)) }

func randomTensor(shape device.Shape, rng *rand.Rand) *device.Tensor {
	t := device.NewTensor(shape, nil)
	for i := range t.Data() {
		t.Data()[i] = float32(rng.NormFloat64())
	}
	return t
}

func testBiases(heads, headDim int, rng *rand.Rand) recurrence.Biases {
	p := qanet.NewParams(qanet.Config{Heads: heads, HeadDim: headDim}, rng)
	return recurrence.Biases{W: p.RWBias, R: p.RRBias}
}

func encoderInput(t *testing.T, h, mem *device.Tensor, memLen int, training bool, biases recurrence.Biases) recurrence.LayerInput {
	t.Helper()
	qlen, mlen := h.Dim(2), 0
	if mem != nil {
		mlen = mem.Dim(0)
	}
	enc, err := recurrence.NewPositionalEncoder(h.Dim(1))
	require.NoError(t, err)
	return recurrence.LayerInput{
		Hidden:      h,
		LayerIndex:  1,
		TotalLayers: 1,
		PosEmb:      enc.Encode(recurrence.RelativePositions(mlen+qlen, 0)),
		Biases:      biases,
		AttnMask:    recurrence.BuildAttentionMask(qlen, mlen, memLen, training),
		Memory:      mem,
		Training:    training,
	}
}

func TestLinear(t *testing.T) {
	l := &Linear{
		Weight: device.NewTensor(device.Shape{2, 3}, []float32{1, 0, 1, 0, 1, 1}),
		Bias:   device.NewTensor(device.Shape{3}, []float32{0, 0, 10}),
	}
	// [batch=1, in=2, len=2]: positions (1, 2) and (3, 4)
	x := device.NewTensor(device.Shape{1, 2, 2}, []float32{1, 3, 2, 4})
	y := l.Forward(x)
	require.Equal(t, device.Shape{1, 3, 2}, y.Shape())
	assert.Equal(t, []float32{1, 3, 2, 4, 13, 17}, y.Data())
}

func TestEncoderBlock_Causal(t *testing.T) {
	rng := testRand()
	const batch, dim, qlen = 2, 8, 5
	block := NewEncoderBlock(dim, 2, 4, 16, 0, rng)
	biases := testBiases(2, 4, rng)
	mem := randomTensor(device.Shape{3, batch, dim}, rng)

	h := randomTensor(device.Shape{batch, dim, qlen}, rng)
	out, err := block.Apply(encoderInput(t, h, mem, 6, true, biases))
	require.NoError(t, err)
	require.Equal(t, device.Shape{batch, dim, qlen}, out.Shape())

	// change only the last position; earlier outputs must not move
	h2 := h.Clone()
	for b := 0; b < batch; b++ {
		for d := 0; d < dim; d++ {
			h2.Set(h2.At(b, d, qlen-1)+5, b, d, qlen-1)
		}
	}
	out2, err := block.Apply(encoderInput(t, h2, mem, 6, true, biases))
	require.NoError(t, err)
	for b := 0; b < batch; b++ {
		for d := 0; d < dim; d++ {
			for i := 0; i < qlen-1; i++ {
				require.InDelta(t, out.At(b, d, i), out2.At(b, d, i), 1e-5)
			}
		}
	}
	assert.True(t, out.DependsOn(biases.W))
	assert.True(t, out.DependsOn(block.Query.Weight))
}

func TestEncoderBlock_MemoryIsRead(t *testing.T) {
	rng := testRand()
	const batch, dim, qlen = 1, 8, 3
	block := NewEncoderBlock(dim, 2, 4, 16, 0, rng)
	biases := testBiases(2, 4, rng)
	h := randomTensor(device.Shape{batch, dim, qlen}, rng)

	stateless, err := block.Apply(encoderInput(t, h, nil, 4, false, biases))
	require.NoError(t, err)
	withMem, err := block.Apply(encoderInput(t, h, randomTensor(device.Shape{4, batch, dim}, rng), 4, false, biases))
	require.NoError(t, err)
	assert.NotEqual(t, stateless.Data(), withMem.Data())
}

func TestEncoderBlock_Errors(t *testing.T) {
	rng := testRand()
	block := NewEncoderBlock(8, 2, 4, 16, 0, rng)
	h := randomTensor(device.Shape{1, 8, 3}, rng)

	in := encoderInput(t, h, nil, 4, false, recurrence.Biases{})
	_, err := block.Apply(in)
	require.Error(t, err)

	in = encoderInput(t, h, nil, 4, false, testBiases(4, 2, rng))
	_, err = block.Apply(in)
	require.True(t, errors.Is(err, recurrence.ErrShapeMismatch))
}

func TestCQAttention(t *testing.T) {
	rng := testRand()
	const batch, dim, clen, qlen = 2, 4, 5, 3
	cq := NewCQAttention(dim, 0, rng)
	c := randomTensor(device.Shape{batch, dim, clen}, rng)
	q := randomTensor(device.Shape{batch, dim, qlen}, rng)
	ones := func(n int) *device.Tensor {
		m := device.NewTensor(device.Shape{batch, n}, nil)
		for i := range m.Data() {
			m.Data()[i] = 1
		}
		return m
	}

	out, err := cq.Fuse(c, q, ones(clen), ones(qlen), qanet.Pass{})
	require.NoError(t, err)
	require.Equal(t, device.Shape{batch, 4 * dim, clen}, out.Shape())
	for b := 0; b < batch; b++ {
		for d := 0; d < dim; d++ {
			for i := 0; i < clen; i++ {
				require.Equal(t, c.At(b, d, i), out.At(b, d, i))
				require.InDelta(t, c.At(b, d, i)*out.At(b, dim+d, i), out.At(b, 2*dim+d, i), 1e-5)
			}
		}
	}

	// with one valid question word, context-to-query attention copies it
	qMask := device.NewTensor(device.Shape{batch, qlen}, []float32{0, 1, 0, 0, 1, 0})
	out, err = cq.Fuse(c, q, ones(clen), qMask, qanet.Pass{})
	require.NoError(t, err)
	for b := 0; b < batch; b++ {
		for d := 0; d < dim; d++ {
			require.InDelta(t, q.At(b, d, 1), out.At(b, dim+d, 0), 1e-5)
		}
	}

	_, err = cq.Fuse(c, randomTensor(device.Shape{batch, dim + 1, qlen}, rng), ones(clen), ones(qlen), qanet.Pass{})
	require.Error(t, err)
}

func TestOutput_LogProbs(t *testing.T) {
	rng := testRand()
	const batch, dim, clen = 2, 4, 6
	o := NewOutput(dim, rng)
	m1 := randomTensor(device.Shape{batch, dim, clen}, rng)
	m2 := randomTensor(device.Shape{batch, dim, clen}, rng)
	m3 := randomTensor(device.Shape{batch, dim, clen}, rng)
	mask := device.NewTensor(device.Shape{batch, clen}, []float32{
		1, 1, 1, 1, 0, 0,
		1, 1, 1, 1, 1, 1,
	})

	start, end, err := o.Score(m1, m2, m3, mask)
	require.NoError(t, err)
	for _, lp := range []*device.Tensor{start, end} {
		require.Equal(t, device.Shape{batch, clen}, lp.Shape())
		for b := 0; b < batch; b++ {
			var sum float64
			for i := 0; i < clen; i++ {
				v := lp.At(b, i)
				if mask.At(b, i) == 0 {
					require.True(t, math.IsInf(float64(v), -1))
					continue
				}
				sum += math.Exp(float64(v))
			}
			require.InDelta(t, 1.0, sum, 1e-5)
		}
	}
}

func TestEmbedding(t *testing.T) {
	rng := testRand()
	words := randomTensor(device.Shape{10, 6}, rng)
	chars := randomTensor(device.Shape{20, 3}, rng)
	e := NewEmbedding(words, chars, 8, 0, rng)

	tokens := qanet.Tokens{
		Words: [][]int{{2, 3, 0}},
		Chars: [][][]int{{{1, 2}, {3, 4}, {0, 0}}},
	}
	out, err := e.Embed(tokens, qanet.Pass{})
	require.NoError(t, err)
	require.Equal(t, device.Shape{1, 8, 3}, out.Shape())
	assert.True(t, out.DependsOn(e.CharVectors))
	assert.False(t, e.WordVectors.RequiresGrad(), "word vectors are frozen")

	tokens.Words[0][1] = 10
	_, err = e.Embed(tokens, qanet.Pass{})
	require.True(t, errors.Is(err, qanet.ErrBatch))
}

func tinyConfig(memLen int) qanet.Config {
	return qanet.Config{
		ModelDim:          8,
		Heads:             2,
		HeadDim:           4,
		MemLen:            memLen,
		Dropout:           0.1,
		ContextEmbLayers:  2,
		QuestionEmbLayers: 2,
		ModelEncLayers:    2,
	}
}

func tinyBatch(n, base int) qanet.Batch {
	row := make([]int, n)
	chars := make([][]int, n)
	for i := range row {
		row[i] = 1 + (base+i)%9
		chars[i] = []int{row[i], row[i] + 1}
	}
	return qanet.Batch{
		Context:  qanet.Tokens{Words: [][]int{row}, Chars: [][][]int{chars}},
		Question: qanet.Tokens{Words: [][]int{{4, 5}}, Chars: [][][]int{{{4, 5}, {5, 6}}}},
	}
}

func TestQANetXL_EndToEnd(t *testing.T) {
	rng := testRand()
	net, err := NewQANetXL(tinyConfig(6), randomTensor(device.Shape{10, 6}, rng), randomTensor(device.Shape{12, 3}, rng), 1)
	require.NoError(t, err)

	var state qanet.State
	for seg := 0; seg < 3; seg++ {
		out, next, err := net.Forward(context.Background(), net.Params, tinyBatch(4, seg*4), state, qanet.Options{})
		require.NoError(t, err)
		require.Equal(t, device.Shape{1, 4}, out.StartLogProbs.Shape())
		var sum float64
		for _, v := range out.EndLogProbs.Data() {
			sum += math.Exp(float64(v))
		}
		require.InDelta(t, 1.0, sum, 1e-4)
		state = next
	}
	assert.Equal(t, 6, state.Context.Steps())
	assert.Equal(t, 6, state.Question.Steps())
	assert.Equal(t, 6, state.Model.Steps())

	// training runs stochastic depth and dropout but keeps shapes
	out, _, err := net.Forward(context.Background(), net.Params, tinyBatch(4, 0), qanet.State{}, qanet.Options{Training: true, Seed: 5})
	require.NoError(t, err)
	require.Equal(t, device.Shape{1, 4}, out.StartLogProbs.Shape())
	assert.True(t, out.StartLogProbs.DependsOn(net.Params.RWBias))
}

func TestQANetXL_Parameters(t *testing.T) {
	rng := testRand()
	net, err := NewQANetXL(tinyConfig(6), randomTensor(device.Shape{10, 6}, rng), randomTensor(device.Shape{12, 3}, rng), 1)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, p := range net.Parameters() {
		require.False(t, seen[p.Name], "duplicate %s", p.Name)
		seen[p.Name] = true
		require.True(t, p.Tensor.RequiresGrad(), p.Name)
	}
	assert.True(t, seen["r_w_bias"])
	assert.True(t, seen["model_encoder.1.ff2.bias"])
	assert.True(t, seen["embedding.highway.1.gate.weight"])

	_, err = NewQANetXL(tinyConfig(6), nil, nil, 1)
	require.True(t, errors.Is(err, qanet.ErrConfig))
}
