// Package tensor implements the dense float32 linear algebra used by the
// model graph: row-major matrices, parallel matrix-vector products, and the
// elementwise kernels for normalization and activation.
package tensor

import "math/rand"

// Mat is a dense row-major float32 matrix. R and C are the row and column
// counts; Data holds the flattened values. Indexing beyond the shape panics
// via the underlying slice.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zero-initialized matrix.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	return &Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing data as a matrix. The data length must
// equal r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("tensor: data length mismatch")
	}
	return &Mat{R: r, C: c, Data: data}
}

// NewMatRand allocates a matrix filled with small random values drawn from
// the given source. Used to seed parameter slots that have no bound weights.
func NewMatRand(r, c int, rng *rand.Rand) *Mat {
	m := NewMat(r, c)
	scale := float32(0.02)
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	return m
}

// Row returns a mutable view of row i.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	start := i * m.C
	return m.Data[start : start+m.C]
}

// RowTo copies row i into dst.
func (m *Mat) RowTo(dst []float32, i int) {
	copy(dst, m.Row(i))
}

// VecRand fills a freshly allocated vector with small random values.
func VecRand(n int, rng *rand.Rand) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = (rng.Float32()*2 - 1) * 0.02
	}
	return v
}
