package device

import "sync"

// Pool hands out zeroed float32 scratch buffers for intermediate results
// such as attention score rows.
type Pool struct {
	bufs sync.Pool
}

// Scratch is the package-level pool used by the encoder layers.
var Scratch = &Pool{}

// Get returns a zeroed buffer of length n.
func (p *Pool) Get(n int) []float32 {
	if v := p.bufs.Get(); v != nil {
		buf := *(v.(*[]float32))
		if cap(buf) >= n {
			buf = buf[:n]
			clear(buf)
			return buf
		}
	}
	return make([]float32, n)
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf []float32) {
	if buf == nil {
		return
	}
	p.bufs.Put(&buf)
}
