package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a generic object pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(*T) bool

	// Metrics
	gets    atomic.Int64
	puts    atomic.Int64
	news    atomic.Int64
	dropped atomic.Int64
}

// NewPool creates a new object pool. resetFunc returns false when the object
// should not be reused.
func NewPool[T any](newFunc func() T, resetFunc func(*T) bool) *Pool[T] {
	p := &Pool[T]{reset: resetFunc}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool.
func (p *Pool[T]) Put(obj T) {
	p.puts.Add(1)
	if p.reset != nil && !p.reset(&obj) {
		p.dropped.Add(1)
		return
	}
	p.pool.Put(obj)
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Gets:    p.gets.Load(),
		Puts:    p.puts.Load(),
		News:    p.news.Load(),
		Dropped: p.dropped.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Gets    int64 `json:"gets"`
	Puts    int64 `json:"puts"`
	News    int64 `json:"news"`
	Dropped int64 `json:"dropped"`
}

// HitRate returns the reuse rate.
func (s PoolStats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// MaxPooledBuffer 超过该容量的缓冲区不回收，避免单个大分片长期占用内存。
const MaxPooledBuffer = 1 << 20

// NewBufferPool creates a pool of byte buffers with the given initial capacity.
func NewBufferPool(initCap int) *Pool[*bytes.Buffer] {
	return NewPool(
		func() *bytes.Buffer {
			return bytes.NewBuffer(make([]byte, 0, initCap))
		},
		func(b **bytes.Buffer) bool {
			if (*b).Cap() > MaxPooledBuffer {
				return false
			}
			(*b).Reset()
			return true
		},
	)
}

// ByteBufferPool provides pooled byte buffers for granule payloads.
var ByteBufferPool = NewBufferPool(32 * 1024)
