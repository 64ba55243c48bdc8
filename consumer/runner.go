package consumer

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/abihf/framecap/frame"
)

type item struct {
	b    *frame.Buffer
	info frame.Info
}

// Runner drives one stage on a dedicated goroutine. Its inbox holds as many
// entries as the pool has buffers, so pushing never blocks.
type Runner struct {
	stage   Stage
	log     *zap.SugaredLogger
	forward func(item)

	mu     sync.RWMutex
	closed bool
	inbox  chan item
	done   chan struct{}

	accepted atomic.Uint64
	holding  atomic.Int32
}

func newRunner(stage Stage, capacity int, forward func(item), logger *zap.SugaredLogger) *Runner {
	r := &Runner{
		stage:   stage,
		log:     logger.With("stage", stage.Name()),
		forward: forward,
		inbox:   make(chan item, capacity),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Name is the stage name.
func (r *Runner) Name() string {
	return r.stage.Name()
}

// Accepted counts the buffers handed to the stage.
func (r *Runner) Accepted() uint64 {
	return r.accepted.Load()
}

// Holding is the number of buffers the stage has not released yet.
func (r *Runner) Holding() int {
	return int(r.holding.Load())
}

func (r *Runner) push(it item) {
	r.mu.RLock()
	if !r.closed {
		r.inbox <- it
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()
	// a late release after close skips the stage
	r.forward(it)
}

func (r *Runner) run() {
	defer close(r.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for it := range r.inbox {
		r.accept(it)
	}
}

func (r *Runner) accept(it item) {
	r.accepted.Inc()
	r.holding.Inc()

	var released atomic.Bool
	r.stage.Accept(it.b, it.info, func(b *frame.Buffer) {
		if b != it.b {
			r.log.Errorw("stage released a buffer it was not given", "want", it.b.ID(), "got", b.ID())
		}
		if !released.CompareAndSwap(false, true) {
			r.log.Warnw("buffer released twice", "buffer", it.b.ID(), "sequence", it.info.Sequence)
			return
		}
		r.holding.Dec()
		r.forward(it)
	})
}

// close stops the goroutine once the inbox is empty.
func (r *Runner) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.inbox)
	r.mu.Unlock()
	<-r.done
}
