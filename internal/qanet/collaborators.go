package qanet

import (
	"math/rand/v2"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/recurrence"
)

// Tokens is one side of a batch: word ids [batch][seq] and char ids
// [batch][seq][max_chars].
type Tokens struct {
	Words [][]int
	Chars [][][]int
}

// Len returns the sequence length of the batch.
func (t Tokens) Len() int {
	if len(t.Words) == 0 {
		return 0
	}
	return len(t.Words[0])
}

// Batch is one segment of context together with its question.
type Batch struct {
	Context  Tokens
	Question Tokens
}

// Pass carries the per-call regime into collaborators that use dropout.
type Pass struct {
	Training bool
	Rand     *rand.Rand
}

// Embedder maps tokens to [batch, model_dim, seq_len].
type Embedder interface {
	Embed(tokens Tokens, pass Pass) (*device.Tensor, error)
}

// ContextQueryAttention fuses the encoded context and question into
// [batch, 4*model_dim, ctx_len].
type ContextQueryAttention interface {
	Fuse(context, question, contextMask, questionMask *device.Tensor, pass Pass) (*device.Tensor, error)
}

// Resizer projects [batch, 4*model_dim, len] back to [batch, model_dim, len].
type Resizer interface {
	Resize(x *device.Tensor) (*device.Tensor, error)
}

// OutputLayer scores the three model encoder outputs into start and end
// log-probabilities, each [batch, ctx_len].
type OutputLayer interface {
	Score(m1, m2, m3, contextMask *device.Tensor) (start, end *device.Tensor, err error)
}

// Collaborators are the layers a Model orchestrates. The context and
// question encoders are independently parameterised.
type Collaborators struct {
	Embedder        Embedder
	ContextEncoder  []recurrence.EncoderLayer
	QuestionEncoder []recurrence.EncoderLayer
	ModelEncoder    []recurrence.EncoderLayer
	CQAttention     ContextQueryAttention
	Resizer         Resizer
	Output          OutputLayer
}
