package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/qanet"
	"github.com/23skdu/longbow-qanetxl/internal/simd"
)

// Embedding looks up frozen word vectors and trainable char vectors,
// max-pools over the characters of each word and projects to model_dim
// through a two-layer highway network.
type Embedding struct {
	WordVectors *device.Tensor // [vocab, word_dim], frozen
	CharVectors *device.Tensor // [chars, char_dim]
	Proj        *Linear
	Highway     *Highway
	Dropout     float32
}

// NewEmbedding copies the pretrained tables into a new embedding layer.
func NewEmbedding(wordVectors, charVectors *device.Tensor, modelDim int, dropout float32, rng *rand.Rand) *Embedding {
	wd, cd := wordVectors.Dim(1), charVectors.Dim(1)
	return &Embedding{
		WordVectors: wordVectors.Detach(),
		CharVectors: device.NewParam(charVectors.Shape(), charVectors.Data()),
		Proj:        NewLinear(wd+cd, modelDim, false, rng),
		Highway:     NewHighway(2, modelDim, rng),
		Dropout:     dropout,
	}
}

// Embed maps tokens to [batch, model_dim, len].
func (e *Embedding) Embed(tokens qanet.Tokens, pass qanet.Pass) (*device.Tensor, error) {
	batch, n := len(tokens.Words), tokens.Len()
	wordIDs := make([]int, 0, batch*n)
	for b, row := range tokens.Words {
		if len(row) != n {
			return nil, fmt.Errorf("%w: word row %d has %d ids, want %d", qanet.ErrBatch, b, len(row), n)
		}
		for _, id := range row {
			if id < 0 || id >= e.WordVectors.Dim(0) {
				return nil, fmt.Errorf("%w: word id %d outside vocabulary of %d", qanet.ErrBatch, id, e.WordVectors.Dim(0))
			}
		}
		wordIDs = append(wordIDs, row...)
	}
	chars, err := e.chars(tokens, batch, n)
	if err != nil {
		return nil, err
	}

	rng := pass.Rand
	w := device.Dropout(device.Gather(e.WordVectors, wordIDs), e.Dropout, rng)
	c := device.Dropout(chars, e.Dropout/2, rng)
	x := e.Proj.Rows(device.ConcatCols(w, c))
	x = e.Highway.Rows(x, e.Dropout, rng)
	return fromRows(x, batch, n), nil
}

// chars returns the pooled [batch*len, char_dim] char features. Missing
// char ids pool to zeros.
func (e *Embedding) chars(tokens qanet.Tokens, batch, n int) (*device.Tensor, error) {
	cd := e.CharVectors.Dim(1)
	if len(tokens.Chars) == 0 {
		return device.NewTensor(device.Shape{batch * n, cd}, nil), nil
	}
	if len(tokens.Chars) != batch {
		return nil, fmt.Errorf("%w: %d char rows for %d word rows", qanet.ErrBatch, len(tokens.Chars), batch)
	}
	width := -1
	ids := make([]int, 0, batch*n*8)
	for b, row := range tokens.Chars {
		if len(row) != n {
			return nil, fmt.Errorf("%w: char row %d has %d words, want %d", qanet.ErrBatch, b, len(row), n)
		}
		for _, word := range row {
			if width < 0 {
				width = len(word)
			}
			if len(word) != width {
				return nil, fmt.Errorf("%w: char width %d, want %d", qanet.ErrBatch, len(word), width)
			}
			for _, id := range word {
				if id < 0 || id >= e.CharVectors.Dim(0) {
					return nil, fmt.Errorf("%w: char id %d outside table of %d", qanet.ErrBatch, id, e.CharVectors.Dim(0))
				}
			}
			ids = append(ids, word...)
		}
	}
	width = max(width, 0)
	g := device.Gather(e.CharVectors, ids).Reshape(device.Shape{batch * n, width, cd})
	return device.MaxPool(g), nil
}

func (e *Embedding) parameters(prefix string) []Parameter {
	ps := []Parameter{{prefix + ".char_vectors", e.CharVectors}}
	ps = append(ps, e.Proj.parameters(prefix+".proj")...)
	return append(ps, e.Highway.parameters(prefix+".highway")...)
}

// Highway is a stack of gated residual projections.
type Highway struct {
	Gates      []*Linear
	Transforms []*Linear
}

// NewHighway creates an n-layer highway network of width dim.
func NewHighway(n, dim int, rng *rand.Rand) *Highway {
	h := &Highway{}
	for i := 0; i < n; i++ {
		h.Gates = append(h.Gates, NewLinear(dim, dim, true, rng))
		h.Transforms = append(h.Transforms, NewLinear(dim, dim, true, rng))
	}
	return h
}

// Rows applies x = g*relu(T(x)) + (1-g)*x per layer on [n, dim] rows.
func (h *Highway) Rows(x *device.Tensor, dropout float32, rng *rand.Rand) *device.Tensor {
	for i := range h.Gates {
		gate := h.Gates[i].Rows(x).Apply(simd.Sigmoid)
		nl := device.Dropout(h.Transforms[i].Rows(x), dropout, rng).Apply(simd.Relu)
		carry := gate.Apply(func(v float32) float32 { return 1 - v })
		x = device.Add(device.Mul(gate, nl), device.Mul(carry, x))
	}
	return x
}

func (h *Highway) parameters(prefix string) []Parameter {
	var ps []Parameter
	for i := range h.Gates {
		ps = append(ps, h.Gates[i].parameters(fmt.Sprintf("%s.%d.gate", prefix, i))...)
		ps = append(ps, h.Transforms[i].parameters(fmt.Sprintf("%s.%d.transform", prefix, i))...)
	}
	return ps
}
