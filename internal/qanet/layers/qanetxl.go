package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/qanet"
	"github.com/23skdu/longbow-qanetxl/internal/recurrence"
)

// QANetXL is the reference model: a qanet.Model wired with the layers of
// this package and the shared relative-position biases.
type QANetXL struct {
	*qanet.Model
	Params *qanet.Params

	Embedding       *Embedding
	ContextEncoder  []*EncoderBlock
	QuestionEncoder []*EncoderBlock
	ModelEncoder    []*EncoderBlock
	CQAttention     *CQAttention
	Resizer         *Resizer
	Output          *Output
}

// NewQANetXL builds every layer for cfg. wordVectors [vocab, word_dim] are
// frozen; charVectors [chars, char_dim] seed the trainable char table.
// Initialisation is deterministic in seed.
func NewQANetXL(cfg qanet.Config, wordVectors, charVectors *device.Tensor, seed uint64) (*QANetXL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if wordVectors == nil || wordVectors.Rank() != 2 || charVectors == nil || charVectors.Rank() != 2 {
		return nil, fmt.Errorf("%w: word and char vectors must be [rows, dim] tables", qanet.ErrConfig)
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	d := cfg.ModelDim

	blocks := func(n int) ([]*EncoderBlock, []recurrence.EncoderLayer) {
		bs := make([]*EncoderBlock, n)
		ls := make([]recurrence.EncoderLayer, n)
		for i := range bs {
			bs[i] = NewEncoderBlock(d, cfg.Heads, cfg.HeadDim, 4*d, cfg.Dropout, rng)
			ls[i] = bs[i]
		}
		return bs, ls
	}

	n := &QANetXL{
		Embedding: NewEmbedding(wordVectors, charVectors, d, cfg.Dropout, rng),
	}
	var c, q, m []recurrence.EncoderLayer
	n.ContextEncoder, c = blocks(cfg.ContextEmbLayers)
	n.QuestionEncoder, q = blocks(cfg.QuestionEmbLayers)
	n.ModelEncoder, m = blocks(cfg.ModelEncLayers)
	n.CQAttention = NewCQAttention(d, cfg.Dropout, rng)
	n.Resizer = NewResizer(4*d, d, rng)
	n.Output = NewOutput(d, rng)
	n.Params = qanet.NewParams(cfg, rng)

	model, err := qanet.New(cfg, qanet.Collaborators{
		Embedder:        n.Embedding,
		ContextEncoder:  c,
		QuestionEncoder: q,
		ModelEncoder:    m,
		CQAttention:     n.CQAttention,
		Resizer:         n.Resizer,
		Output:          n.Output,
	})
	if err != nil {
		return nil, err
	}
	n.Model = model
	return n, nil
}

// Parameters lists every trainable tensor in a stable order.
func (n *QANetXL) Parameters() []Parameter {
	ps := []Parameter{
		{"r_w_bias", n.Params.RWBias},
		{"r_r_bias", n.Params.RRBias},
	}
	ps = append(ps, n.Embedding.parameters("embedding")...)
	for _, enc := range []struct {
		name   string
		blocks []*EncoderBlock
	}{
		{"context_encoder", n.ContextEncoder},
		{"question_encoder", n.QuestionEncoder},
		{"model_encoder", n.ModelEncoder},
	} {
		for i, b := range enc.blocks {
			ps = append(ps, b.parameters(fmt.Sprintf("%s.%d", enc.name, i))...)
		}
	}
	ps = append(ps, n.CQAttention.parameters("cq_attention")...)
	ps = append(ps, n.Resizer.Proj.parameters("resizer")...)
	return append(ps, n.Output.parameters("output")...)
}
