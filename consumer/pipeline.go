package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/abihf/framecap/frame"
)

// drainPoll bounds how long Drain sleeps between checks.
const drainPoll = 10 * time.Millisecond

// PipelineOptions configure a Pipeline.
type PipelineOptions struct {
	// Session is copied into every frame.Info handed to the stages.
	Session string
	Logger  *zap.SugaredLogger
}

// Pipeline takes buffers from the pool's Completed queue and passes them
// through its stages in order. The last release returns the buffer to the
// pool.
type Pipeline struct {
	pool    *frame.Pool
	session string
	log     *zap.SugaredLogger
	runners []*Runner

	// keeps take-and-push atomic so concurrent dispatchers preserve order
	dispatchMu sync.Mutex
	held       atomic.Int32
	settled    chan struct{}

	closeOnce sync.Once
	closing   chan struct{}
}

// NewPipeline starts one runner per stage. With no stages, buffers go straight
// back to the pool.
func NewPipeline(pool *frame.Pool, opts PipelineOptions, stages ...Stage) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	p := &Pipeline{
		pool:    pool,
		session: opts.Session,
		log:     opts.Logger,
		settled: make(chan struct{}, 1),
		closing: make(chan struct{}),
	}

	// build back to front so each runner knows where to forward
	forward := p.finish
	p.runners = make([]*Runner, len(stages))
	for i := len(stages) - 1; i >= 0; i-- {
		r := newRunner(stages[i], pool.Len(), forward, p.log)
		p.runners[i] = r
		forward = r.push
	}
	return p
}

// Runners lists the stage runners in pipeline order.
func (p *Pipeline) Runners() []*Runner {
	return p.runners
}

// Held is the number of buffers taken from the pool and not yet returned.
func (p *Pipeline) Held() int {
	return int(p.held.Load())
}

// Run dispatches completed buffers until ctx is done or the pipeline is
// closed.
func (p *Pipeline) Run(ctx context.Context) error {
	completed := p.pool.Completed()
	for {
		p.dispatch()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closing:
			return nil
		case <-completed.Ready():
		}
	}
}

func (p *Pipeline) dispatch() {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	for {
		b, ok := p.pool.Take()
		if !ok {
			return
		}
		p.held.Inc()
		it := item{b: b, info: frame.InfoOf(p.session, b)}
		if len(p.runners) == 0 {
			p.finish(it)
			continue
		}
		p.runners[0].push(it)
	}
}

func (p *Pipeline) finish(it item) {
	if err := p.pool.Return(it.b); err != nil {
		p.log.Errorw("can not return buffer to the pool", "buffer", it.b.ID(), "error", err)
	}
	p.held.Dec()
	select {
	case p.settled <- struct{}{}:
	default:
	}
}

// Drain dispatches whatever is left in the Completed queue and waits until
// every buffer is back in the pool.
func (p *Pipeline) Drain(ctx context.Context) error {
	timer := time.NewTimer(drainPoll)
	defer timer.Stop()
	for {
		p.dispatch()
		if p.pool.Completed().Len() == 0 && p.held.Load() == 0 {
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(drainPoll)
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%d buffers still held by consumers", p.held.Load())
		case <-p.settled:
		case <-timer.C:
		}
	}
}

// Close stops the dispatcher and the runners. Buffers already handed to a
// stage still finish their way through the chain.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		for _, r := range p.runners {
			r.close()
		}
	})
}
