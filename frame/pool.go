package frame

import (
	"math"
	"sync"

	"github.com/pkg/errors"
)

// DefaultMaxPoolBytes caps a single pool allocation.
const DefaultMaxPoolBytes int64 = 4 << 30

// MaxBufferCount caps the number of buffers in one pool.
const MaxBufferCount = 4096

// Census counts the buffers per location.
type Census struct {
	Recycled  int `json:"recycled"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Consumer  int `json:"consumer"`
}

// Total is the number of buffers counted.
func (c Census) Total() int {
	return c.Recycled + c.InFlight + c.Completed + c.Consumer
}

// Pool is a fixed set of buffers allocated together and freed together.
// Buffers start in the Recycled queue.
type Pool struct {
	mu       sync.Mutex
	released bool
	size     int
	buffers  []*Buffer

	recycled  *Queue
	inFlight  *Queue
	completed *Queue
}

// BufferSize returns the byte size needed for the largest frame of the given
// geometry.
func BufferSize(width, height, bitsPerPixel int) (int, error) {
	if width <= 0 || height <= 0 || bitsPerPixel <= 0 {
		return 0, errors.Wrapf(ErrInvalidSize, "%dx%d@%d", width, height, bitsPerPixel)
	}
	n := int64(width) * int64(height) * int64(BytesPerPixel(bitsPerPixel))
	if n > math.MaxInt32 {
		return 0, errors.Wrapf(ErrInvalidSize, "%dx%d@%d overflows a buffer", width, height, bitsPerPixel)
	}
	return int(n), nil
}

// Allocate creates count buffers of bufferSize bytes.
func Allocate(count, bufferSize int) (*Pool, error) {
	return AllocateWithLimit(count, bufferSize, DefaultMaxPoolBytes)
}

// AllocateWithLimit is Allocate with an explicit ceiling on the total bytes.
func AllocateWithLimit(count, bufferSize int, limit int64) (*Pool, error) {
	if count <= 0 || bufferSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "%d buffers of %d bytes", count, bufferSize)
	}
	if count > MaxBufferCount {
		return nil, errors.Wrapf(ErrResourceExhausted, "%d buffers (limit %d)", count, MaxBufferCount)
	}
	// compared by division so a huge count can not wrap the product
	if limit > 0 && int64(count) > limit/int64(bufferSize) {
		return nil, errors.Wrapf(ErrResourceExhausted, "%d buffers of %d bytes (limit %d)", count, bufferSize, limit)
	}

	p := &Pool{
		size:      bufferSize,
		buffers:   make([]*Buffer, count),
		recycled:  newQueue(Recycled, count),
		inFlight:  newQueue(InFlight, count),
		completed: newQueue(Completed, count),
	}
	for i := range p.buffers {
		b := newBuffer(i, bufferSize)
		p.buffers[i] = b
		p.recycled.items[i] = b
	}
	p.recycled.n = count
	return p, nil
}

// Len is the number of buffers in the pool.
func (p *Pool) Len() int {
	return len(p.buffers)
}

// BufferSize is the capacity of every buffer.
func (p *Pool) BufferSize() int {
	return p.size
}

func (p *Pool) Recycled() *Queue  { return p.recycled }
func (p *Pool) InFlight() *Queue  { return p.inFlight }
func (p *Pool) Completed() *Queue { return p.completed }

// Owns reports whether b was allocated by this pool.
func (p *Pool) Owns(b *Buffer) bool {
	return b != nil && b.id >= 0 && b.id < len(p.buffers) && p.buffers[b.id] == b
}

// Take moves the oldest completed buffer to a consumer.
func (p *Pool) Take() (*Buffer, bool) {
	return p.completed.Pop(Consumer)
}

// Return gives a buffer held by a consumer back to the Recycled queue.
func (p *Pool) Return(b *Buffer) error {
	if !p.Owns(b) {
		return errors.Wrap(ErrOwnership, "buffer belongs to another pool")
	}
	return p.recycled.Push(b, Consumer)
}

// Census counts buffers per location. Each buffer is counted once, so the
// total always equals Len.
func (p *Pool) Census() Census {
	var c Census
	for _, b := range p.buffers {
		switch b.Location() {
		case Recycled:
			c.Recycled++
		case InFlight:
			c.InFlight++
		case Completed:
			c.Completed++
		case Consumer:
			c.Consumer++
		}
	}
	return c
}

// Release frees the pool. Every buffer must be back in the Recycled queue.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return ErrPoolReleased
	}
	if c := p.Census(); c.Recycled != len(p.buffers) {
		return errors.Wrapf(ErrResourceBusy, "%d in flight, %d completed, %d held by consumers",
			c.InFlight, c.Completed, c.Consumer)
	}
	p.recycled.Drain(Recycled)
	for _, b := range p.buffers {
		b.Data = nil
	}
	p.released = true
	return nil
}

// Released reports whether Release succeeded.
func (p *Pool) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}
