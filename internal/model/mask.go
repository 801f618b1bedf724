package model

import (
	"math"
	"sync"

	"gorgonia.org/tensor"
)

// CausalMask is a lower-triangular boolean matrix: position i may attend to
// position j only when j <= i. It is immutable once built.
type CausalMask struct {
	size    int
	allowed []bool
}

var (
	masksMu sync.Mutex
	masks   = map[int]*CausalMask{}
)

// MaskFor returns the mask shared by every head with the given context length.
func MaskFor(size int) *CausalMask {
	masksMu.Lock()
	defer masksMu.Unlock()

	if m, ok := masks[size]; ok {
		return m
	}
	m := &CausalMask{size: size, allowed: make([]bool, size*size)}
	for i := 0; i < size; i++ {
		for j := 0; j <= i; j++ {
			m.allowed[i*size+j] = true
		}
	}
	masks[size] = m
	return m
}

// Size is the context length the mask was built for.
func (m *CausalMask) Size() int { return m.size }

// Allowed reports whether query position i may see key position j.
func (m *CausalMask) Allowed(i, j int) bool {
	return m.allowed[i*m.size+j]
}

// additive returns the mask sliced to seq and tiled over batch as a
// (batch*seq, seq) matrix of 0 and -Inf, ready to be added to raw scores.
func (m *CausalMask) additive(batch, seq int) *tensor.Dense {
	negInf := float32(math.Inf(-1))
	data := make([]float32, batch*seq*seq)
	for b := 0; b < batch; b++ {
		for i := 0; i < seq; i++ {
			row := data[(b*seq+i)*seq : (b*seq+i+1)*seq]
			for j := range row {
				if !m.Allowed(i, j) {
					row[j] = negInf
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(batch*seq, seq), tensor.WithBacking(data))
}
