// Package buffer manages client-visible I/O buffers by handle, standing in
// for the DMA buffer enrollment a hardware deployment would use.
package buffer

import (
	"sync"

	"go.viam.com/devio/logging"
	"go.viam.com/devio/utils"
)

// MaxBufferSize bounds a single allocation.
const MaxBufferSize = 64 << 20

// Buffer is one allocation, addressed by handle.
type Buffer struct {
	id   int64
	mu   sync.Mutex
	data []byte
}

// ID returns the buffer handle.
func (b *Buffer) ID() int64 { return b.id }

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// WriteAt copies p into the buffer at off.
func (b *Buffer) WriteAt(off int, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off+len(p) > len(b.data) {
		return utils.NewInvalidArgumentError("write of %d bytes at offset %d into %d-byte buffer",
			len(p), off, len(b.data))
	}
	copy(b.data[off:], p)
	return nil
}

// ReadAt returns a copy of n bytes at off.
func (b *Buffer) ReadAt(off, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || n < 0 || off+n > len(b.data) {
		return nil, utils.NewInvalidArgumentError("read of %d bytes at offset %d from %d-byte buffer",
			n, off, len(b.data))
	}
	return append([]byte(nil), b.data[off:off+n]...), nil
}

// Registry allocates and resolves buffers.
type Registry struct {
	logger logging.Logger

	mu      sync.Mutex
	counter int64
	buffers map[int64]*Buffer
}

// NewRegistry returns an empty buffer registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{logger: logger, buffers: map[int64]*Buffer{}}
}

// Alloc creates a zeroed buffer and returns it.
func (r *Registry) Alloc(size int) (*Buffer, error) {
	if size <= 0 || size > MaxBufferSize {
		return nil, utils.NewInvalidArgumentError("buffer allocation of %d bytes", size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	b := &Buffer{id: r.counter, data: make([]byte, size)}
	r.buffers[b.id] = b
	return b, nil
}

// Enroll registers caller-provided memory under a fresh handle, the
// equivalent of mapping an externally allocated buffer into the device. The
// registry takes ownership of data.
func (r *Registry) Enroll(data []byte) (*Buffer, error) {
	if len(data) == 0 || len(data) > MaxBufferSize {
		return nil, utils.NewInvalidArgumentError("buffer enrollment of %d bytes", len(data))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	b := &Buffer{id: r.counter, data: data}
	r.buffers[b.id] = b
	return b, nil
}

// Get resolves a buffer handle.
func (r *Registry) Get(id int64) (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[id]
	if !ok {
		return nil, utils.NewNotFoundError("buffer %d", id)
	}
	return b, nil
}

// Free releases a buffer handle. Freeing an unknown handle fails.
func (r *Registry) Free(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[id]; !ok {
		return utils.NewNotFoundError("buffer %d", id)
	}
	delete(r.buffers, id)
	return nil
}

// Len returns the number of live buffers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
