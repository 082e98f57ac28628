package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-qanetxl/internal/reader"
	"github.com/23skdu/longbow-qanetxl/internal/session"
)

var (
	segmentsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qanetxl_segments_served_total",
		Help: "The total number of segments scored over HTTP",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qanetxl_request_duration_seconds",
		Help:    "Time spent processing HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)

var tracer = otel.Tracer("qanetxl-server")

type segmentRequest struct {
	ID       string `cbor:"id,omitempty"`
	Context  string `cbor:"context"`
	Question string `cbor:"question"`
	Reset    bool   `cbor:"reset,omitempty"`
}

type segmentScores struct {
	Index  int       `cbor:"index"`
	Offset int       `cbor:"offset"`
	Tokens []string  `cbor:"tokens"`
	Start  []float32 `cbor:"start"`
	End    []float32 `cbor:"end"`
}

type answerResponse struct {
	Found   bool    `cbor:"found"`
	Text    string  `cbor:"text,omitempty"`
	Start   int     `cbor:"start"`
	End     int     `cbor:"end"`
	Segment int     `cbor:"segment"`
	Score   float32 `cbor:"score"`
}

type segmentResponse struct {
	ID       string          `cbor:"id"`
	Segments []segmentScores `cbor:"segments"`
	Answer   answerResponse  `cbor:"answer"`
}

// Server serves segment-by-segment reading of documents identified by id.
type Server struct {
	reader *reader.Reader
	store  *session.Store
	sem    *semaphore.Weighted
	fp16   bool
}

func NewServer(r *reader.Reader, store *session.Store, maxConcurrent int, fp16 bool) *Server {
	return &Server{
		reader: r,
		store:  store,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		fp16:   fp16,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/segment", s.timed("segment", s.handleSegment))
	mux.HandleFunc("/session/snapshot", s.timed("snapshot", s.handleSnapshot))
	mux.HandleFunc("/session", s.timed("session", s.handleSession))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) timed(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() { requestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds()) }()
		h(w, r)
	}
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSegment")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req segmentRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("session", req.ID), attribute.Bool("reset", req.Reset))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	var resp segmentResponse
	var segs []reader.Segment
	err := s.store.With(req.ID, req.Question, req.Reset, s.reader.Document, func(sess *session.Session) error {
		var err error
		segs, err = sess.Doc.Feed(ctx, req.Context)
		if err != nil {
			return err
		}
		resp = newSegmentResponse(req.ID, segs, sess.Doc.Best())
		return nil
	})
	switch {
	case errors.Is(err, reader.ErrEmptyQuestion):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		span.RecordError(err)
		log.Error().Err(err).Str("session", req.ID).Msg("Failed to score segment")
		http.Error(w, "Inference failed", http.StatusInternalServerError)
		return
	}
	segmentsServed.Add(float64(len(segs)))

	if r.Header.Get("Accept") == arrowStreamMIME {
		var buf bytes.Buffer
		if err := writeSegments(&buf, segs); err != nil {
			log.Error().Err(err).Msg("Failed to write arrow stream")
			http.Error(w, "Encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", arrowStreamMIME)
		w.Header().Set("X-Session-Id", req.ID)
		_, _ = buf.WriteTo(w)
		return
	}
	s.writeCBOR(w, resp)
}

func newSegmentResponse(id string, segs []reader.Segment, best reader.Answer) segmentResponse {
	resp := segmentResponse{ID: id, Segments: make([]segmentScores, len(segs))}
	for i, seg := range segs {
		toks := make([]string, len(seg.Tokens))
		for j, t := range seg.Tokens {
			toks[j] = t.Text
		}
		resp.Segments[i] = segmentScores{Index: seg.Index, Offset: seg.Offset, Tokens: toks, Start: seg.Start, End: seg.End}
	}
	if best.Found() {
		resp.Answer = answerResponse{
			Found: true, Text: best.Text, Start: best.Start, End: best.End,
			Segment: best.Segment, Score: best.Score,
		}
	}
	return resp
}

// handleSnapshot returns (GET) or restores (PUT) the memory of a session.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleSnapshot")
	defer span.End()

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		var data []byte
		err := s.store.View(id, func(sess *session.Session) error {
			var err error
			data, err = session.EncodeState(sess.Doc.State(), s.fp16)
			return err
		})
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(data)

	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state, err := session.DecodeState(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.reader.CheckState(state); err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		question := r.URL.Query().Get("question")
		err = s.store.With(id, question, true, s.reader.Document, func(sess *session.Session) error {
			return sess.Doc.Restore(state)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.store.Delete(r.URL.Query().Get("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) writeCBOR(w http.ResponseWriter, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "Encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(data)
}
