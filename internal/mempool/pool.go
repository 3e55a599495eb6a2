// Package mempool recycles large scratch slices, mainly model input tensors
// and mask logits, so that concurrent crops do not churn the allocator.
package mempool

import "sync"

// classStep is the granularity of size classes.
const classStep = 1024

// sizeClass rounds n up to the next multiple of classStep.
func sizeClass(n int) int {
	if n <= classStep {
		return classStep
	}
	return (n + classStep - 1) / classStep * classStep
}

// Pool hands out slices of T bucketed by size class.
type Pool[T any] struct {
	buckets sync.Map // size class -> *sync.Pool
}

func (p *Pool[T]) bucket(cls int) *sync.Pool {
	v, _ := p.buckets.LoadOrStore(cls, &sync.Pool{New: func() any {
		s := make([]T, cls)
		return &s
	}})
	return v.(*sync.Pool)
}

// Get returns a slice of length n. Contents are undefined unless zero is set.
func (p *Pool[T]) Get(n int, zero bool) []T {
	if n <= 0 {
		return nil
	}
	cls := sizeClass(n)
	sp := p.bucket(cls).Get().(*[]T)
	buf := *sp
	if cap(buf) < cls {
		buf = make([]T, cls)
	}
	buf = buf[:n]
	if zero {
		clear(buf)
	}
	return buf
}

// Put returns a slice obtained from Get. Nil slices are ignored.
func (p *Pool[T]) Put(buf []T) {
	if cap(buf) < classStep {
		return
	}
	// Only whole classes go back so Get never sees a short buffer.
	cls := cap(buf) / classStep * classStep
	buf = buf[:cls]
	p.bucket(cls).Put(&buf)
}

var float32s Pool[float32]

// GetFloat32 returns a float32 buffer of length n.
func GetFloat32(n int) []float32 { return float32s.Get(n, false) }

// GetFloat32Zeroed returns a zeroed float32 buffer of length n.
func GetFloat32Zeroed(n int) []float32 { return float32s.Get(n, true) }

// PutFloat32 recycles a buffer from GetFloat32.
func PutFloat32(buf []float32) { float32s.Put(buf) }
