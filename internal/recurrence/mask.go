package recurrence

import "strings"

// Mask is a [qlen, klen, 1] visibility mask over memory plus current keys.
// A true cell forbids query i from attending key j.
type Mask struct {
	QueryLen int
	KeyLen   int
	cells    []bool
}

// Forbidden reports whether query i may not see key j.
func (m *Mask) Forbidden(i, j int) bool {
	return m.cells[i*m.KeyLen+j]
}

// Allowed counts the visible keys of query row i.
func (m *Mask) Allowed(i int) int {
	n := 0
	for j := 0; j < m.KeyLen; j++ {
		if !m.Forbidden(i, j) {
			n++
		}
	}
	return n
}

// Shape returns the broadcastable mask shape [qlen, klen, 1].
func (m *Mask) Shape() [3]int { return [3]int{m.QueryLen, m.KeyLen, 1} }

// Equal reports whether two masks forbid exactly the same cells.
func (m *Mask) Equal(o *Mask) bool {
	if m.QueryLen != o.QueryLen || m.KeyLen != o.KeyLen {
		return false
	}
	for i := range m.cells {
		if m.cells[i] != o.cells[i] {
			return false
		}
	}
	return true
}

func (m *Mask) String() string {
	var sb strings.Builder
	for i := 0; i < m.QueryLen; i++ {
		for j := 0; j < m.KeyLen; j++ {
			if m.Forbidden(i, j) {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// BuildAttentionMask builds the decoder-style mask for qlen queries over
// mlen memory steps followed by the qlen current steps.
//
// Training masks are causal past the memory offset: key j is visible to query
// i iff j <= mlen+i. Evaluation additionally applies the same-length cutoff,
// so once klen exceeds memLen every query sees exactly memLen+1 keys ending
// at its own position. Without recurrence (memLen 0) there is no cutoff.
func BuildAttentionMask(qlen, mlen, memLen int, training bool) *Mask {
	klen := mlen + qlen
	m := &Mask{QueryLen: qlen, KeyLen: klen, cells: make([]bool, qlen*klen)}

	sameLength := !training && memLen > 0
	shift := qlen
	if sameLength {
		if maskLen := klen - memLen; maskLen > 0 {
			shift = qlen - maskLen
		}
	}

	for i := 0; i < qlen; i++ {
		row := m.cells[i*klen : (i+1)*klen]
		for j := range row {
			upper := j > mlen+i
			lower := sameLength && j < i-shift
			row[j] = upper || lower
		}
	}
	return m
}
