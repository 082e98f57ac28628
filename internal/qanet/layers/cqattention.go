package layers

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/qanet"
	"github.com/23skdu/longbow-qanetxl/internal/simd"
)

// CQAttention is the trilinear context-query attention of QANet.
type CQAttention struct {
	WC      *device.Tensor // [model_dim]
	WQ      *device.Tensor // [model_dim]
	WCQ     *device.Tensor // [model_dim]
	Bias    *device.Tensor // [1]
	Dropout float32
}

// NewCQAttention creates the similarity weights for width dim.
func NewCQAttention(dim int, dropout float32, rng *rand.Rand) *CQAttention {
	vec := func() *device.Tensor {
		return device.NewParam(device.Shape{dim}, xavier(dim, 1, rng).Data())
	}
	return &CQAttention{
		WC:      vec(),
		WQ:      vec(),
		WCQ:     vec(),
		Bias:    device.NewParam(device.Shape{1}, nil),
		Dropout: dropout,
	}
}

// Fuse returns [c; a; c*a; c*b] as [batch, 4*model_dim, ctx_len], where a is
// the context-to-query and b the query-to-context attention.
func (a *CQAttention) Fuse(c, q, cMask, qMask *device.Tensor, pass qanet.Pass) (*device.Tensor, error) {
	if c.Dim(0) != q.Dim(0) || c.Dim(1) != q.Dim(1) || c.Dim(1) != a.WC.Len() {
		return nil, fmt.Errorf("cq attention: context %v and question %v for width %d", c.Shape(), q.Shape(), a.WC.Len())
	}
	batch, d, clen, qlen := c.Dim(0), c.Dim(1), c.Dim(2), q.Dim(2)

	cr := device.Dropout(c, a.Dropout, pass.Rand).Permute(0, 2, 1) // [batch, clen, d]
	qr := device.Dropout(q, a.Dropout/2, pass.Rand).Permute(0, 2, 1)
	out := device.NewTensor(device.Shape{batch, clen, 4 * d}, nil)

	cd, qd, od := cr.Data(), qr.Data(), out.Data()
	cm, qm := cMask.Data(), qMask.Data()
	wc, wq, wcq := a.WC.Data(), a.WQ.Data(), a.WCQ.Data()
	bias := a.Bias.Data()[0]

	s1 := make([]float32, clen*qlen)
	s2 := make([]float32, clen*qlen)
	col := make([]float32, clen)
	scaled := make([]float32, d)
	g := make([]float32, qlen*d)

	for b := 0; b < batch; b++ {
		cb := cd[b*clen*d : (b+1)*clen*d]
		qb := qd[b*qlen*d : (b+1)*qlen*d]

		qterm := make([]float32, qlen)
		for j := 0; j < qlen; j++ {
			qterm[j] = simd.DotProduct(qb[j*d:(j+1)*d], wq)
		}
		for i := 0; i < clen; i++ {
			ci := cb[i*d : (i+1)*d]
			cterm := simd.DotProduct(ci, wc)
			for k, v := range ci {
				scaled[k] = v * wcq[k]
			}
			for j := 0; j < qlen; j++ {
				s := cterm + qterm[j] + simd.DotProduct(scaled, qb[j*d:(j+1)*d]) + bias
				s1[i*qlen+j], s2[i*qlen+j] = s, s
				if qm[b*qlen+j] == 0 {
					s1[i*qlen+j] = simd.NegInf
				}
				if cm[b*clen+i] == 0 {
					s2[i*qlen+j] = simd.NegInf
				}
			}
			simd.SoftmaxMasked(s1[i*qlen : (i+1)*qlen])
		}
		// s2 is normalised over the context axis
		for j := 0; j < qlen; j++ {
			for i := 0; i < clen; i++ {
				col[i] = s2[i*qlen+j]
			}
			simd.SoftmaxMasked(col)
			for i := 0; i < clen; i++ {
				s2[i*qlen+j] = col[i]
			}
		}
		// g_j = sum_k s2[k,j] c_k, so b_i = sum_j s1[i,j] g_j
		clear(g)
		for j := 0; j < qlen; j++ {
			for k := 0; k < clen; k++ {
				simd.VecAddScaled(g[j*d:(j+1)*d], cb[k*d:(k+1)*d], s2[k*qlen+j])
			}
		}

		for i := 0; i < clen; i++ {
			row := od[(b*clen+i)*4*d : (b*clen+i+1)*4*d]
			ci := cb[i*d : (i+1)*d]
			ai, bi := row[d:2*d], row[3*d:4*d]
			for j := 0; j < qlen; j++ {
				p := s1[i*qlen+j]
				simd.VecAddScaled(ai, qb[j*d:(j+1)*d], p)
				simd.VecAddScaled(bi, g[j*d:(j+1)*d], p)
			}
			copy(row[:d], ci)
			for k := 0; k < d; k++ {
				row[2*d+k] = ci[k] * ai[k]
				row[3*d+k] = ci[k] * bi[k]
			}
		}
	}
	out = device.Derive(out, cr, qr, a.WC, a.WQ, a.WCQ, a.Bias)
	return out.Permute(0, 2, 1), nil
}

func (a *CQAttention) parameters(prefix string) []Parameter {
	return []Parameter{
		{prefix + ".w_c", a.WC}, {prefix + ".w_q", a.WQ}, {prefix + ".w_cq", a.WCQ}, {prefix + ".bias", a.Bias},
	}
}

// Resizer is a 1x1 convolution from 4*model_dim back to model_dim.
type Resizer struct {
	Proj *Linear
}

// NewResizer creates an in -> out projection without bias.
func NewResizer(in, out int, rng *rand.Rand) *Resizer {
	return &Resizer{Proj: NewLinear(in, out, false, rng)}
}

// Resize projects the channel axis of x.
func (r *Resizer) Resize(x *device.Tensor) (*device.Tensor, error) {
	if x.Rank() != 3 || x.Dim(1) != r.Proj.In() {
		return nil, fmt.Errorf("resizer: input %v, want %d channels", x.Shape(), r.Proj.In())
	}
	return r.Proj.Forward(x), nil
}

// Output scores span start from [M1; M2] and span end from [M1; M3].
type Output struct {
	W1 *device.Tensor // [2*model_dim]
	W2 *device.Tensor // [2*model_dim]
}

// NewOutput creates the two pointer weight vectors.
func NewOutput(dim int, rng *rand.Rand) *Output {
	limit := math.Sqrt(6.0 / float64(2*dim+1))
	vec := func() *device.Tensor {
		data := make([]float32, 2*dim)
		for i := range data {
			data[i] = float32((rng.Float64()*2 - 1) * limit)
		}
		return device.NewParam(device.Shape{2 * dim}, data)
	}
	return &Output{W1: vec(), W2: vec()}
}

// Score returns masked log-probabilities, each [batch, ctx_len]. Padding
// positions hold -Inf.
func (o *Output) Score(m1, m2, m3, mask *device.Tensor) (*device.Tensor, *device.Tensor, error) {
	if !m1.Shape().Equal(m2.Shape()) || !m1.Shape().Equal(m3.Shape()) || 2*m1.Dim(1) != o.W1.Len() {
		return nil, nil, fmt.Errorf("output: representations %v %v %v for width %d",
			m1.Shape(), m2.Shape(), m3.Shape(), o.W1.Len()/2)
	}
	start := o.pointer(o.W1, m1, m2, mask)
	end := o.pointer(o.W2, m1, m3, mask)
	return start, end, nil
}

func (o *Output) pointer(w, a, b, mask *device.Tensor) *device.Tensor {
	batch, d, n := a.Dim(0), a.Dim(1), a.Dim(2)
	out := device.NewTensor(device.Shape{batch, n}, nil)
	wd, ad, bd, md, od := w.Data(), a.Data(), b.Data(), mask.Data(), out.Data()
	for bi := 0; bi < batch; bi++ {
		row := od[bi*n : (bi+1)*n]
		for t := 0; t < n; t++ {
			if md[bi*n+t] == 0 {
				row[t] = simd.NegInf
				continue
			}
			var s float32
			for k := 0; k < d; k++ {
				s += wd[k]*ad[(bi*d+k)*n+t] + wd[d+k]*bd[(bi*d+k)*n+t]
			}
			row[t] = s
		}
		simd.LogSoftmaxMasked(row)
	}
	return device.Derive(out, w, a, b)
}

func (o *Output) parameters(prefix string) []Parameter {
	return []Parameter{{prefix + ".w1", o.W1}, {prefix + ".w2", o.W2}}
}
