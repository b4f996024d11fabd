package tensor

import (
	"math"
	"math/rand"
	"testing"
)

const epsilon = 1e-5

func closeTo(a, b float32) bool {
	return math.Abs(float64(a-b)) < epsilon
}

func TestDot(t *testing.T) {
	t.Parallel()
	got := Dot([]float32{1, 2, 3}, []float32{4, 5, 6})
	if !closeTo(got, 32) {
		t.Fatalf("dot: got %v want 32", got)
	}
}

func TestRMSNorm(t *testing.T) {
	t.Parallel()
	src := []float32{3, 4}
	weight := []float32{1, 1}
	dst := make([]float32, 2)
	RMSNorm(dst, src, weight, 0)
	// rms of (3,4) is sqrt(25/2); normalized values are src/rms.
	rms := float32(math.Sqrt(12.5))
	if !closeTo(dst[0], 3/rms) || !closeTo(dst[1], 4/rms) {
		t.Fatalf("rmsnorm: got %v", dst)
	}
}

func TestRMSNormAliasing(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, 4}
	weight := []float32{1, 1, 1, 1}
	want := make([]float32, 4)
	RMSNorm(want, x, weight, 1e-6)
	RMSNorm(x, x, weight, 1e-6)
	for i := range x {
		if !closeTo(x[i], want[i]) {
			t.Fatalf("in-place rmsnorm diverged at %d: %v vs %v", i, x[i], want[i])
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, 4, 1000}
	Softmax(x)
	var sum float32
	for _, v := range x {
		if v < 0 || v > 1 {
			t.Fatalf("probability out of range: %v", v)
		}
		sum += v
	}
	if !closeTo(sum, 1) {
		t.Fatalf("softmax sum: %v", sum)
	}
	// The huge logit takes essentially all the mass without overflow.
	if x[4] < 0.99 {
		t.Fatalf("dominant logit mass: %v", x[4])
	}
}

func TestSiluGate(t *testing.T) {
	t.Parallel()
	gate := []float32{0, 1}
	up := []float32{5, 2}
	dst := make([]float32, 2)
	SiluGate(dst, gate, up)
	if !closeTo(dst[0], 0) {
		t.Fatalf("silu(0)*5: got %v", dst[0])
	}
	if !closeTo(dst[1], Silu(1)*2) {
		t.Fatalf("silu(1)*2: got %v", dst[1])
	}
}

func TestMatVec(t *testing.T) {
	t.Parallel()
	m := NewMatFromData(2, 3, []float32{1, 2, 3, 4, 5, 6})
	out := make([]float32, 2)
	MatVec(out, m, []float32{1, 1, 1})
	if !closeTo(out[0], 6) || !closeTo(out[1], 15) {
		t.Fatalf("matvec: got %v", out)
	}
}

func TestMatVecParallelMatchesSerial(t *testing.T) {
	t.Parallel()
	// Large enough to cross the worker-pool threshold.
	const rows, cols = 257, 33
	m := NewMatRand(rows, cols, rand.New(rand.NewSource(1)))
	x := make([]float32, cols)
	for i := range x {
		x[i] = float32(i%7) - 3
	}
	got := make([]float32, rows)
	MatVec(got, m, x)

	for r := 0; r < rows; r++ {
		want := Dot(m.Row(r), x)
		if !closeTo(got[r], want) {
			t.Fatalf("row %d: got %v want %v", r, got[r], want)
		}
	}
}

func TestMatVecPanicsOnMismatch(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on dimension mismatch")
		}
	}()
	m := NewMat(2, 3)
	MatVec(make([]float32, 2), m, make([]float32, 4))
}
