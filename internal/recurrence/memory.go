package recurrence

import (
	"fmt"

	"github.com/23skdu/longbow-qanetxl/internal/device"
)

// MemoryKind tags the state of a memory stream.
type MemoryKind int

const (
	// MemoryUnset is the zero value: the caller supplied nothing, which is
	// how the first segment of a document is signalled.
	MemoryUnset MemoryKind = iota
	// MemoryAbsent means recurrence is disabled for the stream.
	MemoryAbsent
	// MemoryPresent carries one cached buffer per layer.
	MemoryPresent
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryUnset:
		return "unset"
	case MemoryAbsent:
		return "absent"
	case MemoryPresent:
		return "present"
	}
	return fmt.Sprintf("MemoryKind(%d)", int(k))
}

// Memory is the cached hidden state of one stack between segments.
//
// Each buffer is [cached_steps, batch, model_dim] and carries no gradient
// lineage. A Memory value is never mutated; UpdateMems returns a new one.
type Memory struct {
	kind    MemoryKind
	buffers []*device.Tensor
}

// Absent returns the "no recurrence" memory.
func Absent() Memory { return Memory{kind: MemoryAbsent} }

// Present wraps per-layer buffers. Buffers are detached on the way in so a
// Memory never holds graph references.
func Present(buffers []*device.Tensor) Memory {
	bufs := make([]*device.Tensor, len(buffers))
	for i, b := range buffers {
		if b.RequiresGrad() || len(b.Parents()) > 0 {
			b = b.Detach()
		}
		bufs[i] = b
	}
	return Memory{kind: MemoryPresent, buffers: bufs}
}

// Kind reports which variant m holds.
func (m Memory) Kind() MemoryKind { return m.kind }

// IsPresent reports whether m carries buffers.
func (m Memory) IsPresent() bool { return m.kind == MemoryPresent }

// IsUnset reports whether m is the zero value.
func (m Memory) IsUnset() bool { return m.kind == MemoryUnset }

// Layers returns the number of per-layer buffers.
func (m Memory) Layers() int { return len(m.buffers) }

// Buffer returns the buffer of layer i, or nil when m is not present.
func (m Memory) Buffer(i int) *device.Tensor {
	if !m.IsPresent() {
		return nil
	}
	return m.buffers[i]
}

// Steps returns the number of cached time steps (0 unless present).
func (m Memory) Steps() int {
	if !m.IsPresent() || len(m.buffers) == 0 {
		return 0
	}
	return m.buffers[0].Dim(0)
}

// InitMems returns nLayers empty buffers, or Absent when memLen disables
// recurrence.
func InitMems(nLayers, memLen int) Memory {
	if memLen <= 0 {
		return Absent()
	}
	bufs := make([]*device.Tensor, nLayers)
	for i := range bufs {
		bufs[i] = device.Empty()
	}
	return Memory{kind: MemoryPresent, buffers: bufs}
}

// UpdateMems slides the memory window forward over the hidden states of the
// current segment. hids[i] is the [batch, model_dim, qlen] input of layer i.
//
// The most recent memLen steps of prior ‖ hids[i] are kept and detached.
// A prior memory that is not present yields Absent. A layer count mismatch
// is a programming error and panics.
func UpdateMems(hids []*device.Tensor, prior Memory, qlen, mlen, memLen int) Memory {
	if !prior.IsPresent() {
		return Absent()
	}
	if len(hids) != len(prior.buffers) {
		panic(fmt.Sprintf("recurrence: len(hids) %d != len(mems) %d", len(hids), len(prior.buffers)))
	}

	end := mlen + max(0, qlen)
	beg := max(0, end-memLen)
	next := make([]*device.Tensor, len(hids))
	for i, h := range hids {
		cat := device.Concat(prior.buffers[i], h.Permute(2, 0, 1))
		next[i] = cat.SliceAxis0(beg, end).Detach()
	}
	return Memory{kind: MemoryPresent, buffers: next}
}
