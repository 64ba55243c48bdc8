package frame

import (
	"sync"

	"github.com/pkg/errors"
)

// Queue is a bounded FIFO that owns the buffers it holds. Push takes a buffer
// away from its previous holder and Pop hands it to the next one; a queue
// never exposes a buffer it still holds.
//
// Every method takes only this queue's lock. Moving a buffer between two
// queues is always Pop on one followed by Push on the other.
type Queue struct {
	mu    sync.Mutex
	loc   Location
	items []*Buffer
	head  int
	n     int
	ready chan struct{}
}

func newQueue(loc Location, capacity int) *Queue {
	return &Queue{
		loc:   loc,
		items: make([]*Buffer, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Location is the location of every buffer inside the queue.
func (q *Queue) Location() Location {
	return q.loc
}

// Push appends b, taking it over from the holder at from.
func (q *Queue) Push(b *Buffer, from Location) error {
	if b == nil {
		return errors.New("push of nil buffer")
	}
	q.mu.Lock()
	if q.n == len(q.items) {
		q.mu.Unlock()
		return errors.Wrapf(ErrQueueFull, "%s queue", q.loc)
	}
	if err := b.move(from, q.loc); err != nil {
		q.mu.Unlock()
		return err
	}
	q.items[(q.head+q.n)%len(q.items)] = b
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest buffer and hands it to the holder at to.
func (q *Queue) Pop(to Location) (*Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return nil, false
	}
	b := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.n--
	b.loc.Store(int32(to))
	return b, true
}

// PopIf removes the oldest buffer only when it is b.
func (q *Queue) PopIf(b *Buffer, to Location) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 || q.items[q.head] != b {
		return false
	}
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.n--
	b.loc.Store(int32(to))
	return true
}

// Peek returns the id of the oldest buffer without removing it.
func (q *Queue) Peek() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return 0, false
	}
	return q.items[q.head].id, true
}

// Drain pops every buffer, oldest first, handing them all to to.
func (q *Queue) Drain(to Location) []*Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Buffer, 0, q.n)
	for q.n > 0 {
		b := q.items[q.head]
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.n--
		b.loc.Store(int32(to))
		out = append(out, b)
	}
	return out
}

// Len is the number of buffers currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap is the queue capacity, equal to the pool size.
func (q *Queue) Cap() int {
	return len(q.items)
}

// Ready is signalled after every successful Push. The channel has room for a
// single pending signal, so a waiter must re-check Len after waking.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// ids lists the queued buffer ids, oldest first.
func (q *Queue) ids() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]int, 0, q.n)
	for i := 0; i < q.n; i++ {
		out = append(out, q.items[(q.head+i)%len(q.items)].id)
	}
	return out
}
