package tensor

import (
	"runtime"
	"sync"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size  int
	tasks chan matVecTask
	slots chan chan struct{}
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		size := runtime.GOMAXPROCS(0)
		if size < 1 {
			size = 1
		}
		p := &matVecPool{
			size:  size,
			tasks: make(chan matVecTask, size*2),
			slots: make(chan chan struct{}, size),
		}
		for i := 0; i < size; i++ {
			p.slots <- make(chan struct{}, 1)
		}
		for i := 0; i < size; i++ {
			go func() {
				for task := range p.tasks {
					matVecRange(task.dst, task.w, task.x, task.rs, task.re)
					task.done <- struct{}{}
				}
			}()
		}
		matVecWorkPool = p
	})
	return matVecWorkPool
}

// minParallelRows is the row count below which the per-task overhead
// outweighs fan-out.
const minParallelRows = 64

// MatVec computes dst = w * x, fanning rows out across the worker pool for
// large matrices. dst must have length w.R and x length w.C.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) != w.R || len(x) != w.C {
		panic("tensor: MatVec dimension mismatch")
	}
	if w.R < minParallelRows {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	p := getMatVecPool()
	chunks := p.size
	if chunks > w.R {
		chunks = w.R
	}
	per := (w.R + chunks - 1) / chunks

	done := <-p.slots
	issued := 0
	for rs := 0; rs < w.R; rs += per {
		re := rs + per
		if re > w.R {
			re = w.R
		}
		p.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, done: done}
		issued++
	}
	for i := 0; i < issued; i++ {
		<-done
	}
	p.slots <- done
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	for r := rs; r < re; r++ {
		row := w.Data[r*w.C : r*w.C+w.C]
		var sum float32
		for c := range row {
			sum += row[c] * x[c]
		}
		dst[r] = sum
	}
}
