// Package reader answers questions over documents longer than one segment
// by threading recurrent memory through consecutive segments.
package reader

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-qanetxl/internal/qanet"
	"github.com/23skdu/longbow-qanetxl/internal/tokenizer"
)

var tracer = otel.Tracer("qanetxl-reader")

var (
	// ErrEmptyQuestion is returned when the question has no tokens.
	ErrEmptyQuestion = errors.New("reader: question has no tokens")
	// ErrState is returned when restored memory does not fit the model.
	ErrState = errors.New("reader: memory does not fit the model")
)

// Forwarder scores one segment and returns the memory for the next.
type Forwarder interface {
	Forward(ctx context.Context, params *qanet.Params, batch qanet.Batch, state qanet.State, opts qanet.Options) (qanet.Output, qanet.State, error)
}

// StateChecker is implemented by models that can vet memory before it is
// threaded into a segment. *qanet.Model implements it.
type StateChecker interface {
	CheckState(state qanet.State, batch int) error
}

// Reader splits documents into segments of SegmentLen tokens.
type Reader struct {
	Model        Forwarder
	Params       *qanet.Params
	Tokenizer    *tokenizer.Tokenizer
	SegmentLen   int
	MaxAnswerLen int
}

// New creates a reader.
func New(model Forwarder, params *qanet.Params, tok *tokenizer.Tokenizer, segmentLen, maxAnswerLen int) (*Reader, error) {
	if model == nil || params == nil || tok == nil {
		return nil, fmt.Errorf("reader: model, params and tokenizer are required")
	}
	if segmentLen <= 0 || maxAnswerLen < 0 {
		return nil, fmt.Errorf("reader: segment_len %d and max_answer_len %d", segmentLen, maxAnswerLen)
	}
	return &Reader{Model: model, Params: params, Tokenizer: tok, SegmentLen: segmentLen, MaxAnswerLen: maxAnswerLen}, nil
}

// Answer is the best span seen so far. Start and End are token positions
// within the document; ByteStart and ByteEnd index the text passed to the
// Feed call that produced it.
type Answer struct {
	Text      string
	Start     int
	End       int
	ByteStart int
	ByteEnd   int
	Segment   int
	Score     float32
}

// Found reports whether any span was scored.
func (a Answer) Found() bool { return a.End >= a.Start && !math.IsInf(float64(a.Score), -1) }

// Segment is the output of one Forward call.
type Segment struct {
	Index  int
	Offset int
	Tokens []tokenizer.Token
	Start  []float32
	End    []float32
}

// Result is a whole document read in one go.
type Result struct {
	Answer   Answer
	Segments []Segment
}

// Read answers question over text with fresh memory.
func (r *Reader) Read(ctx context.Context, text, question string) (Result, error) {
	doc, err := r.Document(question)
	if err != nil {
		return Result{}, err
	}
	segs, err := doc.Feed(ctx, text)
	if err != nil {
		return Result{}, err
	}
	return Result{Answer: doc.Best(), Segments: segs}, nil
}

// Document starts a new document for question. Every document begins with
// unset memory.
func (r *Reader) Document(question string) (*Document, error) {
	words, chars, _ := r.Tokenizer.Encode(question)
	if len(words) == 0 {
		return nil, ErrEmptyQuestion
	}
	return &Document{
		reader:   r,
		question: qanet.Tokens{Words: [][]int{words}, Chars: [][][]int{chars}},
		best:     Answer{Start: 0, End: -1, Score: float32(math.Inf(-1))},
	}, nil
}

// Document holds the memory threaded through the segments of one context.
// It is not safe for concurrent use.
type Document struct {
	reader   *Reader
	question qanet.Tokens
	state    qanet.State
	offset   int
	segments int
	best     Answer
}

// Feed tokenizes text, appends it to the document and scores it segment by
// segment.
func (d *Document) Feed(ctx context.Context, text string) ([]Segment, error) {
	ctx, span := tracer.Start(ctx, "Document.Feed")
	defer span.End()

	r := d.reader
	words, chars, toks := r.Tokenizer.Encode(text)
	span.SetAttributes(attribute.Int("tokens", len(words)), attribute.Int("offset", d.offset))

	var out []Segment
	for beg := 0; beg < len(words); beg += r.SegmentLen {
		end := min(beg+r.SegmentLen, len(words))
		batch := qanet.Batch{
			Context:  qanet.Tokens{Words: [][]int{words[beg:end]}, Chars: [][][]int{chars[beg:end]}},
			Question: d.question,
		}
		res, next, err := r.Model.Forward(ctx, r.Params, batch, d.state, qanet.Options{})
		if err != nil {
			span.RecordError(err)
			return out, fmt.Errorf("segment %d: %w", d.segments, err)
		}
		d.state = next

		seg := Segment{
			Index:  d.segments,
			Offset: d.offset,
			Tokens: toks[beg:end],
			Start:  res.StartLogProbs.ToHost(),
			End:    res.EndLogProbs.ToHost(),
		}
		s, e, score := BestSpan(seg.Start, seg.End, r.MaxAnswerLen)
		if s >= 0 && score > d.best.Score {
			d.best = Answer{
				Text:      text[seg.Tokens[s].Start:seg.Tokens[e].End],
				Start:     d.offset + s,
				End:       d.offset + e,
				ByteStart: seg.Tokens[s].Start,
				ByteEnd:   seg.Tokens[e].End,
				Segment:   seg.Index,
				Score:     score,
			}
		}
		log.Debug().
			Int("segment", seg.Index).
			Int("tokens", end-beg).
			Int("memory", d.state.Model.Steps()).
			Msg("scored segment")

		out = append(out, seg)
		d.segments++
		d.offset += end - beg
	}
	return out, nil
}

// Best returns the highest scoring span over every segment fed so far.
func (d *Document) Best() Answer { return d.best }

// Segments returns the number of segments scored.
func (d *Document) Segments() int { return d.segments }

// State returns the memory that the next segment will read.
func (d *Document) State() qanet.State { return d.state }

// CheckState reports whether state can be read by the model for a
// single-document batch. Models without a StateChecker accept any state.
func (r *Reader) CheckState(state qanet.State) error {
	c, ok := r.Model.(StateChecker)
	if !ok {
		return nil
	}
	if err := c.CheckState(state, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrState, err)
	}
	return nil
}

// Restore replaces the document memory, e.g. from a snapshot. Memory the
// model cannot read is rejected and the current memory kept.
func (d *Document) Restore(state qanet.State) error {
	if err := d.reader.CheckState(state); err != nil {
		return err
	}
	d.state = state
	return nil
}

// BestSpan returns the span maximising start[i]+end[j] subject to
// i <= j <= i+maxLen. It returns -1, -1 when every position is masked.
func BestSpan(start, end []float32, maxLen int) (int, int, float32) {
	bs, be := -1, -1
	best := float32(math.Inf(-1))
	for i, sv := range start {
		if math.IsInf(float64(sv), -1) {
			continue
		}
		for j := i; j < len(end) && j <= i+maxLen; j++ {
			if math.IsInf(float64(end[j]), -1) {
				continue
			}
			if v := sv + end[j]; v > best {
				bs, be, best = i, j, v
			}
		}
	}
	return bs, be, best
}
