package gp

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// matrixPool recycles the matrices the surrogate refits on every trial.
// Pools are keyed by size; the kernel matrix grows with each finished trial,
// so returning a wrong-sized matrix would poison later fits.
type matrixPool struct {
	mu   sync.Mutex
	syms map[int][]*mat.SymDense
}

func newMatrixPool() *matrixPool {
	return &matrixPool{syms: make(map[int][]*mat.SymDense)}
}

func (p *matrixPool) getSym(n int) *mat.SymDense {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pool := p.syms[n]; len(pool) > 0 {
		m := pool[len(pool)-1]
		p.syms[n] = pool[:len(pool)-1]
		m.Zero()
		return m
	}
	return mat.NewSymDense(n, nil)
}

func (p *matrixPool) putSym(m *mat.SymDense) {
	if m == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := m.SymmetricDim()
	p.syms[n] = append(p.syms[n], m)
}
