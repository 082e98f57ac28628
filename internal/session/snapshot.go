package session

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/qanet"
	"github.com/23skdu/longbow-qanetxl/internal/recurrence"
)

// ErrSnapshot marks a snapshot that cannot be decoded into memory.
var ErrSnapshot = errors.New("session: bad snapshot")

// Snapshot is the wire form of a qanet.State.
type Snapshot struct {
	Context  Stream `cbor:"context"`
	Question Stream `cbor:"question"`
	Model    Stream `cbor:"model"`
}

// Stream is one memory stream. Each layer buffer is [steps, batch, dim]
// stored either as float32 or as IEEE half precision bits.
type Stream struct {
	Kind  uint8       `cbor:"kind"`
	Steps int         `cbor:"steps,omitempty"`
	Batch int         `cbor:"batch,omitempty"`
	Dim   int         `cbor:"dim,omitempty"`
	F32   [][]float32 `cbor:"f32,omitempty"`
	F16   [][]uint16  `cbor:"f16,omitempty"`
}

// EncodeState serialises state as CBOR, halving buffer size when fp16 is
// set.
func EncodeState(state qanet.State, fp16 bool) ([]byte, error) {
	snap := Snapshot{
		Context:  encodeStream(state.Context.Memory, fp16),
		Question: encodeStream(state.Question.Memory, fp16),
		Model:    encodeStream(state.Model.Memory, fp16),
	}
	data, err := encodeSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	snapshotBytes.Observe(float64(len(data)))
	return data, nil
}

// DecodeState is the inverse of EncodeState.
func DecodeState(data []byte) (qanet.State, error) {
	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return qanet.State{}, fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	c, err := decodeStream("context", snap.Context)
	if err != nil {
		return qanet.State{}, err
	}
	q, err := decodeStream("question", snap.Question)
	if err != nil {
		return qanet.State{}, err
	}
	m, err := decodeStream("model", snap.Model)
	if err != nil {
		return qanet.State{}, err
	}
	return qanet.State{
		Context:  qanet.ContextMemory{Memory: c},
		Question: qanet.QuestionMemory{Memory: q},
		Model:    qanet.ModelMemory{Memory: m},
	}, nil
}

func encodeStream(m recurrence.Memory, fp16 bool) Stream {
	s := Stream{Kind: uint8(m.Kind())}
	if !m.IsPresent() {
		return s
	}
	if m.Layers() > 0 && m.Steps() > 0 {
		shape := m.Buffer(0).Shape()
		s.Steps, s.Batch, s.Dim = shape[0], shape[1], shape[2]
	}
	for i := 0; i < m.Layers(); i++ {
		data := m.Buffer(i).Data()
		if !fp16 {
			s.F32 = append(s.F32, data)
			continue
		}
		bits := make([]uint16, len(data))
		for j, v := range data {
			bits[j] = float16.Fromfloat32(v).Bits()
		}
		s.F16 = append(s.F16, bits)
	}
	return s
}

func decodeStream(name string, s Stream) (recurrence.Memory, error) {
	switch recurrence.MemoryKind(s.Kind) {
	case recurrence.MemoryUnset:
		return recurrence.Memory{}, nil
	case recurrence.MemoryAbsent:
		return recurrence.Absent(), nil
	case recurrence.MemoryPresent:
	default:
		return recurrence.Memory{}, fmt.Errorf("%w: %s stream has kind %d", ErrSnapshot, name, s.Kind)
	}
	if len(s.F32) > 0 && len(s.F16) > 0 {
		return recurrence.Memory{}, fmt.Errorf("%w: %s stream mixes precisions", ErrSnapshot, name)
	}

	if s.Steps < 0 || s.Batch < 0 || s.Dim < 0 {
		return recurrence.Memory{}, fmt.Errorf("%w: %s stream has negative shape [%d %d %d]",
			ErrSnapshot, name, s.Steps, s.Batch, s.Dim)
	}
	if s.Steps > 0 && (s.Batch == 0 || s.Dim == 0) {
		return recurrence.Memory{}, fmt.Errorf("%w: %s stream has empty shape [%d %d %d]",
			ErrSnapshot, name, s.Steps, s.Batch, s.Dim)
	}
	n := s.Steps * s.Batch * s.Dim
	layers := max(len(s.F32), len(s.F16))
	bufs := make([]*device.Tensor, layers)
	for i := range bufs {
		var data []float32
		if len(s.F32) > 0 {
			data = s.F32[i]
		} else {
			data = make([]float32, len(s.F16[i]))
			for j, b := range s.F16[i] {
				data[j] = float16.Frombits(b).Float32()
			}
		}
		if len(data) != n {
			return recurrence.Memory{}, fmt.Errorf("%w: %s layer %d has %d values, want %d",
				ErrSnapshot, name, i, len(data), n)
		}
		if n == 0 {
			bufs[i] = device.Empty()
			continue
		}
		bufs[i] = device.NewTensor(device.Shape{s.Steps, s.Batch, s.Dim}, data)
	}
	return recurrence.Present(bufs), nil
}

func encodeSnapshot(snap Snapshot) ([]byte, error) {
	return cbor.Marshal(snap)
}
