package device

import (
	"fmt"
	"log"
)

// Shape is the extent of each tensor axis, outermost first.
type Shape []int

// Size returns the number of elements described by the shape.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether two shapes have the same rank and extents.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

func (s Shape) clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Tensor is a dense row-major float32 array.
//
// Tensors record the tensors they were computed from so callers can cut the
// graph explicitly with Detach. Leaf tensors created with NewParam are the
// trainable roots; everything derived from them reports RequiresGrad.
type Tensor struct {
	shape        Shape
	data         []float32
	requiresGrad bool
	parents      []*Tensor
}

// NewTensor allocates a tensor. data is copied when non-nil.
func NewTensor(shape Shape, data []float32) *Tensor {
	for _, d := range shape {
		if d < 0 {
			log.Panicf("NewTensor: negative dimension in shape %v", shape)
		}
	}
	size := shape.Size()
	t := &Tensor{shape: shape.clone(), data: make([]float32, size)}
	if data != nil {
		if len(data) != size {
			log.Panicf("NewTensor: data length %d does not match shape %v", len(data), shape)
		}
		copy(t.data, data)
	}
	return t
}

// NewParam allocates a trainable leaf tensor.
func NewParam(shape Shape, data []float32) *Tensor {
	t := NewTensor(shape, data)
	t.requiresGrad = true
	return t
}

// Empty returns a tensor with zero elements along its leading axis.
func Empty() *Tensor {
	return &Tensor{shape: Shape{0, 0, 0}}
}

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() Shape { return t.shape.clone() }

// Dim returns the extent of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data returns the backing slice. Writes are visible to the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// ToHost copies the data into a new slice.
func (t *Tensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

// RequiresGrad reports whether gradients would flow into this tensor.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Parents returns the tensors this one was computed from.
func (t *Tensor) Parents() []*Tensor { return t.parents }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		log.Panicf("index rank %d does not match tensor rank %d", len(idx), len(t.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			log.Panicf("index %v out of bounds for shape %v", idx, t.shape)
		}
		off = off*t.shape[i] + v
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float32 { return t.data[t.offset(idx)] }

// Set writes the element at idx.
func (t *Tensor) Set(v float32, idx ...int) { t.data[t.offset(idx)] = v }

// Clone copies the tensor, keeping its lineage.
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.shape, t.data)
	return track(out, t)
}

// Detach returns a gradient-free copy with no recorded parents. The copy
// shares nothing with t, so later writes to either side are independent.
func (t *Tensor) Detach() *Tensor {
	return NewTensor(t.shape, t.data)
}

// DependsOn reports whether target is t or one of its ancestors.
func (t *Tensor) DependsOn(target *Tensor) bool {
	seen := make(map[*Tensor]bool)
	stack := []*Tensor{t}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, n.parents...)
	}
	return false
}

// track records inputs as parents of out when any of them requires grad.
func track(out *Tensor, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		for _, in := range inputs {
			if in != nil {
				out.parents = append(out.parents, in)
			}
		}
	}
	return out
}
