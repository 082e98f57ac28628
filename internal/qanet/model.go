package qanet

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/recurrence"
)

var tracer = otel.Tracer("qanetxl-model")

// modelPasses is the number of times the fused representation runs through
// the model encoder stack.
const modelPasses = 3

// Options select the regime of one Forward call.
type Options struct {
	Training bool
	// Seed seeds dropout. Ignored outside training.
	Seed uint64
}

// Output holds the span scores of a segment, each [batch, ctx_len].
type Output struct {
	StartLogProbs *device.Tensor
	EndLogProbs   *device.Tensor
}

// Model is the QANet-XL orchestrator: embedding, two recurrent embedding
// encoders, context-query fusion and a recurrent model encoder applied three
// times.
type Model struct {
	config Config
	layers Collaborators

	contextStack  *recurrence.Stack
	questionStack *recurrence.Stack
	modelStack    *recurrence.Stack
}

// New validates cfg against the supplied collaborators and builds a model.
func New(cfg Config, layers Collaborators) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if layers.Embedder == nil || layers.CQAttention == nil || layers.Resizer == nil || layers.Output == nil {
		return nil, fmt.Errorf("%w: missing collaborator", ErrConfig)
	}
	for _, c := range []struct {
		name string
		got  int
		want int
	}{
		{"context_embedding", len(layers.ContextEncoder), cfg.ContextEmbLayers},
		{"question_embedding", len(layers.QuestionEncoder), cfg.QuestionEmbLayers},
		{"model_encoder", len(layers.ModelEncoder), cfg.ModelEncLayers},
	} {
		if c.got != c.want {
			return nil, fmt.Errorf("%w: %s stack has %d layers, memory stream expects %d",
				ErrConfig, c.name, c.got, c.want)
		}
	}

	m := &Model{config: cfg, layers: layers}
	var err error
	if m.contextStack, err = m.newStack("context_embedding", layers.ContextEncoder, 0, 1); err != nil {
		return nil, err
	}
	if m.questionStack, err = m.newStack("question_embedding", layers.QuestionEncoder, 0, 1); err != nil {
		return nil, err
	}
	if m.modelStack, err = m.newStack("model_encoder", layers.ModelEncoder, 4, 4*len(layers.ModelEncoder)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) newStack(name string, layers []recurrence.EncoderLayer, stride, total int) (*recurrence.Stack, error) {
	s, err := recurrence.NewStack(recurrence.StackConfig{
		Name:        name,
		ModelDim:    m.config.ModelDim,
		MemLen:      m.config.MemLen,
		ClampLen:    m.config.ClampLen,
		LayerStride: stride,
		TotalBlocks: total,
		Dropout:     m.config.Dropout,
	}, layers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return s, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.config }

// InitState returns freshly initialised memory for every stream.
func (m *Model) InitState() State {
	return State{
		Context:  ContextMemory{m.contextStack.InitMems()},
		Question: QuestionMemory{m.questionStack.InitMems()},
		Model:    ModelMemory{m.modelStack.InitMems()},
	}
}

// Forward scores one segment. Streams of state that are unset are
// initialised first; absent streams stay absent. The returned State must be
// passed to the next segment of the same document.
func (m *Model) Forward(ctx context.Context, params *Params, batch Batch, state State, opts Options) (Output, State, error) {
	ctx, span := tracer.Start(ctx, "Model.Forward")
	defer span.End()

	start := time.Now()
	defer func() { forwardDuration.Observe(time.Since(start).Seconds()) }()

	mode := "eval"
	if opts.Training {
		mode = "train"
	}
	span.SetAttributes(
		attribute.String("mode", mode),
		attribute.Int("batch_size", len(batch.Context.Words)),
		attribute.Int("context_len", batch.Context.Len()),
		attribute.Int("question_len", batch.Question.Len()),
	)

	out, next, err := m.forward(ctx, params, batch, m.prepare(state), opts)
	if err != nil {
		span.RecordError(err)
		return Output{}, State{}, err
	}
	forwardTotal.WithLabelValues(mode).Inc()
	return out, next, nil
}

// CheckState reports whether state can be passed to Forward for a batch of
// the given size, e.g. after restoring it from a snapshot.
func (m *Model) CheckState(state State, batch int) error {
	if err := m.contextStack.CheckMemory(state.Context.Memory, batch); err != nil {
		return fmt.Errorf("context memory: %w", err)
	}
	if err := m.questionStack.CheckMemory(state.Question.Memory, batch); err != nil {
		return fmt.Errorf("question memory: %w", err)
	}
	if err := m.modelStack.CheckMemory(state.Model.Memory, batch); err != nil {
		return fmt.Errorf("model memory: %w", err)
	}
	return nil
}

// prepare lazily initialises the streams the caller left unset.
func (m *Model) prepare(state State) State {
	if state.Context.IsUnset() {
		state.Context = ContextMemory{m.contextStack.InitMems()}
		log.Debug().Str("stream", "context").Stringer("kind", state.Context.Kind()).Msg("initialised memory")
	}
	if state.Question.IsUnset() {
		state.Question = QuestionMemory{m.questionStack.InitMems()}
		log.Debug().Str("stream", "question").Stringer("kind", state.Question.Kind()).Msg("initialised memory")
	}
	if state.Model.IsUnset() {
		state.Model = ModelMemory{m.modelStack.InitMems()}
		log.Debug().Str("stream", "model").Stringer("kind", state.Model.Kind()).Msg("initialised memory")
	}
	return state
}

func (m *Model) forward(ctx context.Context, params *Params, batch Batch, state State, opts Options) (Output, State, error) {
	maskC, err := PaddingMask(batch.Context.Words, m.config.Pad)
	if err != nil {
		return Output{}, State{}, fmt.Errorf("context: %w", err)
	}
	maskQ, err := PaddingMask(batch.Question.Words, m.config.Pad)
	if err != nil {
		return Output{}, State{}, fmt.Errorf("question: %w", err)
	}
	if len(batch.Context.Words) != len(batch.Question.Words) {
		return Output{}, State{}, fmt.Errorf("%w: %d contexts but %d questions",
			ErrBatch, len(batch.Context.Words), len(batch.Question.Words))
	}

	var rng *rand.Rand
	if opts.Training {
		rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	}
	pass := Pass{Training: opts.Training, Rand: rng}
	biases := params.biases()

	c, err := m.layers.Embedder.Embed(batch.Context, pass)
	if err != nil {
		return Output{}, State{}, fmt.Errorf("embed context: %w", err)
	}
	q, err := m.layers.Embedder.Embed(batch.Question, pass)
	if err != nil {
		return Output{}, State{}, fmt.Errorf("embed question: %w", err)
	}

	ce, err := m.contextStack.Forward(recurrence.StackInput{
		Hidden: c, PaddingMask: maskC, Memory: state.Context.Memory,
		Biases: biases, Training: opts.Training, Rand: rng,
	})
	if err != nil {
		return Output{}, State{}, err
	}
	qe, err := m.questionStack.Forward(recurrence.StackInput{
		Hidden: q, PaddingMask: maskQ, Memory: state.Question.Memory,
		Biases: biases, Training: opts.Training, Rand: rng,
	})
	if err != nil {
		return Output{}, State{}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{}, State{}, err
	}

	x, err := m.layers.CQAttention.Fuse(ce.Hidden, qe.Hidden, maskC, maskQ, pass)
	if err != nil {
		return Output{}, State{}, fmt.Errorf("context-query attention: %w", err)
	}
	m0, err := m.layers.Resizer.Resize(x)
	if err != nil {
		return Output{}, State{}, fmt.Errorf("resize: %w", err)
	}
	hidden := device.Dropout(m0, m.config.Dropout, rng)

	mem := state.Model.Memory
	var reprs [modelPasses]*device.Tensor
	for i := range reprs {
		if err := ctx.Err(); err != nil {
			return Output{}, State{}, err
		}
		res, err := m.modelStack.Forward(recurrence.StackInput{
			Hidden: hidden, PaddingMask: maskC, Memory: mem,
			Biases: biases, Training: opts.Training, Rand: rng,
		})
		if err != nil {
			return Output{}, State{}, fmt.Errorf("model pass %d: %w", i+1, err)
		}
		reprs[i], hidden, mem = res.Hidden, res.Hidden, res.Memory
	}

	startLP, endLP, err := m.layers.Output.Score(reprs[0], reprs[1], reprs[2], maskC)
	if err != nil {
		return Output{}, State{}, fmt.Errorf("output: %w", err)
	}
	next := State{
		Context:  ContextMemory{ce.Memory},
		Question: QuestionMemory{qe.Memory},
		Model:    ModelMemory{mem},
	}
	return Output{StartLogProbs: startLP, EndLogProbs: endLP}, next, nil
}

// PaddingMask returns a [batch, len] tensor holding 1 for real tokens and 0
// where the word id equals pad.
func PaddingMask(words [][]int, pad int) (*device.Tensor, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrBatch)
	}
	n := len(words[0])
	mask := device.NewTensor(device.Shape{len(words), n}, nil)
	data := mask.Data()
	for b, row := range words {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d tokens, row 0 has %d", ErrBatch, b, len(row), n)
		}
		for t, id := range row {
			if id != pad {
				data[b*n+t] = 1
			}
		}
	}
	return mask, nil
}
