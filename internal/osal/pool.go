package osal

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolExhausted  = errors.New("osal: buffer pool exhausted")
	ErrBufferTooSmall = errors.New("osal: payload larger than buffer")
	ErrDoubleRelease  = errors.New("osal: buffer released twice")
	ErrForeignBuffer  = errors.New("osal: buffer belongs to another pool")
)

// Buffer is a fixed-size event payload drawn from a Pool.
type Buffer struct {
	data  []byte
	n     int
	inUse bool
	pool  *Pool
}

// Bytes returns the payload. The slice is only valid until the buffer is
// released.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len returns the payload length.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the largest payload the buffer holds.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Write replaces the payload with a copy of p.
func (b *Buffer) Write(p []byte) error {
	if len(p) > len(b.data) {
		return fmt.Errorf("%w: %d > %d bytes", ErrBufferTooSmall, len(p), len(b.data))
	}
	b.n = copy(b.data, p)
	return nil
}

// Pool is a fixed-capacity set of buffers safe for concurrent use by
// producers and the consumer.
type Pool struct {
	mu   sync.Mutex
	free []*Buffer
	size int
	all  int
}

// NewPool allocates count buffers of size bytes each.
func NewPool(count, size int) *Pool {
	p := &Pool{free: make([]*Buffer, 0, count), size: size, all: count}
	for i := 0; i < count; i++ {
		p.free = append(p.free, &Buffer{data: make([]byte, size), pool: p})
	}
	return p
}

// Acquire takes a free buffer. It never blocks.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b.inUse = true
	b.n = 0
	return b, nil
}

// Release returns b to the pool. Releasing a nil buffer is a no-op.
func (p *Pool) Release(b *Buffer) error {
	if b == nil {
		return nil
	}
	if b.pool != p {
		return ErrForeignBuffer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !b.inUse {
		return ErrDoubleRelease
	}
	b.inUse = false
	b.n = 0
	p.free = append(p.free, b)
	return nil
}

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity returns the total number of buffers.
func (p *Pool) Capacity() int {
	return p.all
}

// BufferSize returns the size of each buffer.
func (p *Pool) BufferSize() int {
	return p.size
}
