package device

import (
	"log"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-qanetxl/internal/simd"
)

// Reshape returns a copy of t with a new shape of the same size.
func (t *Tensor) Reshape(shape Shape) *Tensor {
	if shape.Size() != t.shape.Size() {
		log.Panicf("Reshape: cannot reshape %v into %v", t.shape, shape)
	}
	out := &Tensor{shape: shape.clone(), data: t.ToHost()}
	return track(out, t)
}

// Permute reorders the axes of t. perm[i] names the source axis that becomes
// axis i of the result, matching torch.permute.
func (t *Tensor) Permute(perm ...int) *Tensor {
	rank := len(t.shape)
	if len(perm) != rank {
		log.Panicf("Permute: got %d axes for rank %d tensor", len(perm), rank)
	}
	seen := make([]bool, rank)
	outShape := make(Shape, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			log.Panicf("Permute: invalid permutation %v", perm)
		}
		seen[p] = true
		outShape[i] = t.shape[p]
	}

	srcStrides := strides(t.shape)
	out := NewTensor(outShape, nil)
	if out.Len() == 0 {
		return track(out, t)
	}

	idx := make([]int, rank)
	for dst := range out.data {
		src := 0
		for i := 0; i < rank; i++ {
			src += idx[i] * srcStrides[perm[i]]
		}
		out.data[dst] = t.data[src]
		for i := rank - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return track(out, t)
}

func strides(s Shape) []int {
	st := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s[i]
	}
	return st
}

// Concat joins tensors along the leading axis. Tensors with a zero-length
// leading axis are skipped regardless of their trailing extents, so an empty
// memory buffer concatenates with any segment.
func Concat(ts ...*Tensor) *Tensor {
	var ref *Tensor
	steps := 0
	for _, t := range ts {
		if t == nil || t.Rank() == 0 || t.shape[0] == 0 {
			continue
		}
		if ref == nil {
			ref = t
		} else if !sameTrailing(ref.shape, t.shape) {
			log.Panicf("Concat: trailing dimension mismatch %v vs %v", ref.shape, t.shape)
		}
		steps += t.shape[0]
	}
	if ref == nil {
		return track(Empty(), ts...)
	}

	outShape := ref.shape.clone()
	outShape[0] = steps
	out := NewTensor(outShape, nil)
	off := 0
	for _, t := range ts {
		if t == nil || t.Rank() == 0 || t.shape[0] == 0 {
			continue
		}
		off += copy(out.data[off:], t.data)
	}
	return track(out, ts...)
}

func sameTrailing(a, b Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 1; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SliceAxis0 copies rows [beg, end) of the leading axis.
func (t *Tensor) SliceAxis0(beg, end int) *Tensor {
	if t.Rank() == 0 {
		log.Panic("SliceAxis0 on rank 0 tensor")
	}
	if beg < 0 || end > t.shape[0] || beg > end {
		log.Panicf("SliceAxis0: range [%d:%d] invalid for leading extent %d", beg, end, t.shape[0])
	}
	outShape := t.shape.clone()
	outShape[0] = end - beg
	row := 1
	for _, d := range t.shape[1:] {
		row *= d
	}
	out := NewTensor(outShape, t.data[beg*row:end*row])
	return track(out, t)
}

// Add returns a + b for tensors of equal shape.
func Add(a, b *Tensor) *Tensor {
	if !a.shape.Equal(b.shape) {
		log.Panicf("Add: dimension mismatch %v vs %v", a.shape, b.shape)
	}
	out := NewTensor(a.shape, a.data)
	simd.VecAdd(out.data, b.data)
	return track(out, a, b)
}

// Mul returns the element-wise product of tensors of equal shape.
func Mul(a, b *Tensor) *Tensor {
	if !a.shape.Equal(b.shape) {
		log.Panicf("Mul: dimension mismatch %v vs %v", a.shape, b.shape)
	}
	out := NewTensor(a.shape, nil)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return track(out, a, b)
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: max(1, cols), Data: data}
}

// MatMul computes a[m,k] * b[k,n] with gonum's blas32 Gemm.
func MatMul(a, b *Tensor) *Tensor {
	if a.Rank() != 2 || b.Rank() != 2 {
		log.Panicf("MatMul: expected rank 2 operands, got %v and %v", a.shape, b.shape)
	}
	m, k := a.shape[0], a.shape[1]
	kb, n := b.shape[0], b.shape[1]
	if k != kb {
		log.Panicf("MatMul: dimension mismatch. A cols (%d) != B rows (%d)", k, kb)
	}
	out := NewTensor(Shape{m, n}, nil)
	if m > 0 && n > 0 && k > 0 {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(m, k, a.data), general(k, n, b.data), 0, general(m, n, out.data))
	}
	return track(out, a, b)
}

// AddBias adds a [n] or [1,n] bias to every row of a [m,n] tensor.
func AddBias(t, bias *Tensor) *Tensor {
	n := t.shape[len(t.shape)-1]
	if bias.Len() != n {
		log.Panicf("AddBias: bias length %d does not match last axis %d", bias.Len(), n)
	}
	out := NewTensor(t.shape, t.data)
	for off := 0; off < len(out.data); off += n {
		simd.VecAdd(out.data[off:off+n], bias.data)
	}
	return track(out, t, bias)
}

// LayerNorm normalises over the last axis and applies gamma and beta.
func LayerNorm(t, gamma, beta *Tensor, eps float32) *Tensor {
	n := t.shape[len(t.shape)-1]
	if gamma.Len() != n || beta.Len() != n {
		log.Panic("LayerNorm params dim mismatch")
	}
	out := NewTensor(t.shape, t.data)
	for off := 0; off < len(out.data); off += n {
		row := out.data[off : off+n]
		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(n)
		var varSum float32
		for _, v := range row {
			d := v - mean
			varSum += d * d
		}
		invStd := 1 / float32(math.Sqrt(float64(varSum/float32(n)+eps)))
		for j := range row {
			row[j] = (row[j]-mean)*invStd*gamma.data[j] + beta.data[j]
		}
	}
	return track(out, t, gamma, beta)
}

// Apply maps fn over every element.
func (t *Tensor) Apply(fn func(float32) float32) *Tensor {
	out := NewTensor(t.shape, nil)
	for i, v := range t.data {
		out.data[i] = fn(v)
	}
	return track(out, t)
}

// Dropout zeroes elements with probability p and rescales the survivors.
// A nil rng or p <= 0 returns t untouched.
func Dropout(t *Tensor, p float32, rng *rand.Rand) *Tensor {
	if rng == nil || p <= 0 {
		return t
	}
	if p >= 1 {
		return track(NewTensor(t.shape, nil), t)
	}
	keep := 1 / (1 - p)
	out := NewTensor(t.shape, nil)
	for i, v := range t.data {
		if rng.Float32() >= p {
			out.data[i] = v * keep
		}
	}
	return track(out, t)
}

// Gather returns the rows of a [n, d] table selected by ids as [len(ids), d].
// Out-of-range ids panic.
func Gather(table *Tensor, ids []int) *Tensor {
	if table.Rank() != 2 {
		log.Panicf("Gather: expected rank 2 table, got %v", table.shape)
	}
	n, d := table.shape[0], table.shape[1]
	out := NewTensor(Shape{len(ids), d}, nil)
	for i, id := range ids {
		if id < 0 || id >= n {
			log.Panicf("Gather: id %d out of range for %d rows", id, n)
		}
		copy(out.data[i*d:(i+1)*d], table.data[id*d:(id+1)*d])
	}
	return track(out, table)
}

// MaxPool reduces a [n, g, d] tensor to [n, d] by taking the maximum over g.
func MaxPool(t *Tensor) *Tensor {
	if t.Rank() != 3 {
		log.Panicf("MaxPool: expected rank 3 tensor, got %v", t.shape)
	}
	n, g, d := t.shape[0], t.shape[1], t.shape[2]
	out := NewTensor(Shape{n, d}, nil)
	if g == 0 {
		return track(out, t)
	}
	for i := 0; i < n; i++ {
		dst := out.data[i*d : (i+1)*d]
		copy(dst, t.data[i*g*d:i*g*d+d])
		for k := 1; k < g; k++ {
			row := t.data[(i*g+k)*d : (i*g+k+1)*d]
			for j, v := range row {
				if v > dst[j] {
					dst[j] = v
				}
			}
		}
	}
	return track(out, t)
}

// ConcatCols joins rank 2 tensors with the same row count along axis 1.
func ConcatCols(ts ...*Tensor) *Tensor {
	rows, cols := -1, 0
	for _, t := range ts {
		if t.Rank() != 2 {
			log.Panicf("ConcatCols: expected rank 2 operand, got %v", t.shape)
		}
		if rows >= 0 && t.shape[0] != rows {
			log.Panicf("ConcatCols: row mismatch %d vs %d", rows, t.shape[0])
		}
		rows = t.shape[0]
		cols += t.shape[1]
	}
	out := NewTensor(Shape{max(rows, 0), cols}, nil)
	for r := 0; r < rows; r++ {
		off := r * cols
		for _, t := range ts {
			c := t.shape[1]
			off += copy(out.data[off:off+c], t.data[r*c:(r+1)*c])
		}
	}
	return track(out, ts...)
}

// Derive records inputs as the lineage of out, for kernels that fill a
// tensor's data directly.
func Derive(out *Tensor, inputs ...*Tensor) *Tensor {
	return track(out, inputs...)
}
