package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/qanet"
	"github.com/23skdu/longbow-qanetxl/internal/reader"
	"github.com/23skdu/longbow-qanetxl/internal/recurrence"
	"github.com/23skdu/longbow-qanetxl/internal/session"
	"github.com/23skdu/longbow-qanetxl/internal/tokenizer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockModel struct {
	mock.Mock
}

func (m *mockModel) Forward(_ context.Context, _ *qanet.Params, batch qanet.Batch, state qanet.State, _ qanet.Options) (qanet.Output, qanet.State, error) {
	args := m.Called(batch.Context.Len(), state.Model.Kind())
	return args.Get(0).(qanet.Output), args.Get(1).(qanet.State), args.Error(2)
}

func (m *mockModel) CheckState(state qanet.State, batch int) error {
	return m.Called(state.Model.Steps(), batch).Error(0)
}

func fixedOutput() qanet.Output {
	return qanet.Output{
		StartLogProbs: device.NewTensor(device.Shape{1, 4}, []float32{-5, -5, 0, -5}),
		EndLogProbs:   device.NewTensor(device.Shape{1, 4}, []float32{-5, -5, -5, 0}),
	}
}

func fixedState() qanet.State {
	buf := device.NewTensor(device.Shape{2, 1, 2}, []float32{1, 2, 3, 4})
	return qanet.State{Model: qanet.ModelMemory{Memory: recurrence.Present([]*device.Tensor{buf})}}
}

func newTestServer(t *testing.T, m *mockModel) *Server {
	t.Helper()
	vocab := tokenizer.BuildVocab("a b c d e f g h i j k l m n o p")
	r, err := reader.New(m, &qanet.Params{}, tokenizer.New(vocab, 4), 4, 3)
	require.NoError(t, err)
	return NewServer(r, session.NewStore(time.Minute), 2, false)
}

func post(t *testing.T, h http.Handler, req segmentRequest, accept string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := cbor.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/segment", bytes.NewReader(body))
	if accept != "" {
		r.Header.Set("Accept", accept)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func decodeSegment(t *testing.T, rr *httptest.ResponseRecorder) segmentResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp segmentResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestServer_Segments(t *testing.T) {
	m := &mockModel{}
	m.On("Forward", 4, recurrence.MemoryUnset).Return(fixedOutput(), fixedState(), nil).Twice()
	m.On("Forward", 4, recurrence.MemoryPresent).Return(fixedOutput(), fixedState(), nil).Times(3)
	h := newTestServer(t, m).Handler()

	first := decodeSegment(t, post(t, h, segmentRequest{Context: "a b c d e f g h", Question: "what?"}, ""))
	require.NotEmpty(t, first.ID)
	require.Len(t, first.Segments, 2)
	assert.Equal(t, 4, first.Segments[1].Offset)
	assert.Equal(t, []string{"e", "f", "g", "h"}, first.Segments[1].Tokens)
	assert.True(t, first.Answer.Found)
	assert.Equal(t, "c d", first.Answer.Text)
	assert.Equal(t, 2, first.Answer.Start)
	assert.Equal(t, 3, first.Answer.End)

	// same document: memory carries over and positions continue
	next := decodeSegment(t, post(t, h, segmentRequest{ID: first.ID, Context: "i j k l", Question: "what?"}, ""))
	require.Len(t, next.Segments, 1)
	assert.Equal(t, 2, next.Segments[0].Index)
	assert.Equal(t, 8, next.Segments[0].Offset)
	assert.Equal(t, 0, next.Answer.Segment)

	reset := decodeSegment(t, post(t, h, segmentRequest{ID: first.ID, Context: "a b c d", Question: "what?", Reset: true}, ""))
	assert.Equal(t, 0, reset.Segments[0].Offset)

	rr := post(t, h, segmentRequest{ID: first.ID, Context: "m n o p", Question: "what?"}, arrowStreamMIME)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, arrowStreamMIME, rr.Header().Get("Content-Type"))
	rdr, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer rdr.Release()
	var rows int64
	for rdr.Next() {
		rows += rdr.Record().NumRows()
	}
	require.NoError(t, rdr.Err())
	assert.Equal(t, int64(4), rows)

	m.AssertExpectations(t)
}

func TestServer_Snapshot(t *testing.T) {
	m := &mockModel{}
	m.On("Forward", 4, recurrence.MemoryUnset).Return(fixedOutput(), fixedState(), nil)
	m.On("CheckState", 2, 1).Return(nil)
	h := newTestServer(t, m).Handler()

	resp := decodeSegment(t, post(t, h, segmentRequest{ID: "doc-1", Context: "a b c d", Question: "what?"}, ""))
	require.Equal(t, "doc-1", resp.ID)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/session/snapshot?id=doc-1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	state, err := session.DecodeState(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 2, state.Model.Steps())
	assert.Equal(t, []float32{1, 2, 3, 4}, state.Model.Buffer(0).Data())

	put := httptest.NewRequest(http.MethodPut, "/session/snapshot?id=doc-2&question=what", bytes.NewReader(rr.Body.Bytes()))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, put)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/session/snapshot?id=doc-2", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	restored, err := session.DecodeState(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, state.Model.Buffer(0).Data(), restored.Model.Buffer(0).Data())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/session?id=doc-2", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/session/snapshot?id=doc-2", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_SnapshotRejectedWhenModelCannotReadIt(t *testing.T) {
	m := &mockModel{}
	m.On("CheckState", 1, 1).Return(fmt.Errorf("%w: stack %q layer 0 memory is [1 2 8]", recurrence.ErrShapeMismatch, "context_embedding"))
	m.On("Forward", 4, recurrence.MemoryUnset).Return(fixedOutput(), fixedState(), nil).Once()
	srv := newTestServer(t, m)
	h := srv.Handler()

	buf := device.NewTensor(device.Shape{1, 2, 8}, nil)
	body, err := session.EncodeState(qanet.State{Model: qanet.ModelMemory{Memory: recurrence.Present([]*device.Tensor{buf})}}, false)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/session/snapshot?id=doc-3&question=what", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "does not fit")
	assert.Equal(t, 0, srv.store.Size())

	// the session is untouched and reads from fresh memory
	resp := post(t, h, segmentRequest{ID: "doc-3", Context: "a b c d", Question: "what?"}, "")
	require.Equal(t, http.StatusOK, resp.Code)
	m.AssertExpectations(t)
}

func TestServer_BadRequests(t *testing.T) {
	h := newTestServer(t, &mockModel{}).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/segment", strings.NewReader("\xff")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = post(t, h, segmentRequest{Context: "a b", Question: "  "}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/segment", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/session/snapshot", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestWriteSummary(t *testing.T) {
	inf := float32(-1e30)
	res := reader.Result{
		Segments: []reader.Segment{{
			Index:  0,
			Tokens: []tokenizer.Token{{Text: "New"}, {Text: "York"}},
			Start:  []float32{-0.1, -3},
			End:    []float32{inf, -0.2},
		}},
		Answer: reader.Answer{Text: "New York", Start: 0, End: 1, Score: -0.3},
	}
	var buf bytes.Buffer
	writeSummary(&buf, res, 3)
	out := buf.String()
	assert.Contains(t, out, "New York")
	assert.Contains(t, out, "0-1")
	assert.Contains(t, out, `answer: "New York"`)
}
