package audio

import (
	"sync"
)

// BufferPool manages reusable slices for encoded blocks and sample
// aggregation.
type BufferPool[T any] struct {
	pool sync.Pool
}

// NewBufferPool creates a new buffer pool
func NewBufferPool[T any](initialSize int) *BufferPool[T] {
	return &BufferPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]T, initialSize)
			},
		},
	}
}

// Get retrieves a buffer of length minSize from the pool
func (p *BufferPool[T]) Get(minSize int) []T {
	buf := p.pool.Get().([]T)
	if cap(buf) < minSize {
		return make([]T, minSize)
	}
	return buf[:minSize]
}

// Put returns a buffer to the pool
func (p *BufferPool[T]) Put(buf []T) {
	buf = buf[:cap(buf)]
	p.pool.Put(buf)
}

var (
	bytePool   = NewBufferPool[byte](16 * 1024)
	samplePool = NewBufferPool[float32](4096)
)

// GetBuffer gets a byte buffer of length size for an encoded block.
func GetBuffer(size int) []byte { return bytePool.Get(size) }

// PutBuffer returns a byte buffer to the pool.
func PutBuffer(buf []byte) { bytePool.Put(buf) }

// GetSamples gets an empty sample slice to append into.
func GetSamples() []float32 { return samplePool.Get(0) }

// PutSamples returns a sample slice to the pool.
func PutSamples(buf []float32) { samplePool.Put(buf) }
