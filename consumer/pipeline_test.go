package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/abihf/framecap/frame"
)

// complete moves a recycled buffer to the Completed queue the way the capture
// loop does.
func complete(t *testing.T, pool *frame.Pool, seq uint64) *frame.Buffer {
	t.Helper()
	b, ok := pool.Recycled().Pop(frame.Completed)
	test.That(t, ok, test.ShouldBeTrue)
	b.Width, b.Height, b.BitsPerPixel = 4, 2, 8
	b.Status = frame.StatusOK
	b.Sequence = seq
	b.CaptureTime = time.Now()
	for i := range b.Bytes() {
		b.Data[i] = byte(i * 30)
	}
	test.That(t, pool.Completed().Push(b, frame.Completed), test.ShouldBeNil)
	return b
}

type recorder struct {
	name string
	mu   sync.Mutex
	seqs []uint64
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Accept(b *frame.Buffer, info frame.Info, release Release) {
	if b.Location() != frame.Consumer {
		panic("stage got a buffer it does not own")
	}
	r.mu.Lock()
	r.seqs = append(r.seqs, info.Sequence)
	r.mu.Unlock()
	release(b)
}

func (r *recorder) seen() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func TestPipelineChainsStagesInOrder(t *testing.T) {
	pool, err := frame.Allocate(4, 8)
	test.That(t, err, test.ShouldBeNil)

	first := &recorder{name: "first"}
	second := &recorder{name: "second"}
	p := NewPipeline(pool, PipelineOptions{Session: "s1", Logger: zaptest.NewLogger(t).Sugar()}, first, second)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	for seq := uint64(1); seq <= 3; seq++ {
		complete(t, pool, seq)
	}
	test.That(t, p.Drain(ctx), test.ShouldBeNil)

	test.That(t, first.seen(), test.ShouldResemble, []uint64{1, 2, 3})
	test.That(t, second.seen(), test.ShouldResemble, []uint64{1, 2, 3})
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{Recycled: 4})
	test.That(t, p.Held(), test.ShouldEqual, 0)

	runners := p.Runners()
	test.That(t, runners, test.ShouldHaveLength, 2)
	test.That(t, runners[0].Name(), test.ShouldEqual, "first")
	test.That(t, runners[1].Accepted(), test.ShouldEqual, uint64(3))

	cancel()
	test.That(t, <-runErr, test.ShouldEqual, context.Canceled)
}

type holder struct {
	mu       sync.Mutex
	held     []*frame.Buffer
	releases []Release
}

func (h *holder) Name() string { return "holder" }

func (h *holder) Accept(b *frame.Buffer, info frame.Info, release Release) {
	h.mu.Lock()
	h.held = append(h.held, b)
	h.releases = append(h.releases, release)
	h.mu.Unlock()
}

func (h *holder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}

func (h *holder) releaseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.held {
		h.releases[i](b)
		// a second release is ignored
		h.releases[i](b)
	}
	h.held, h.releases = nil, nil
}

func TestDrainWaitsForHeldBuffers(t *testing.T) {
	pool, err := frame.Allocate(3, 8)
	test.That(t, err, test.ShouldBeNil)
	h := &holder{}
	p := NewPipeline(pool, PipelineOptions{}, h)
	defer p.Close()

	complete(t, pool, 1)
	complete(t, pool, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.Drain(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "2 buffers")
	test.That(t, h.count(), test.ShouldEqual, 2)
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{Recycled: 1, Consumer: 2})
	test.That(t, p.Runners()[0].Holding(), test.ShouldEqual, 2)

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.releaseAll()
	}()
	test.That(t, p.Drain(context.Background()), test.ShouldBeNil)
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{Recycled: 3})
	test.That(t, p.Held(), test.ShouldEqual, 0)
}

func TestPipelineWithoutStages(t *testing.T) {
	pool, err := frame.Allocate(2, 8)
	test.That(t, err, test.ShouldBeNil)
	p := NewPipeline(pool, PipelineOptions{})

	complete(t, pool, 1)
	complete(t, pool, 2)
	test.That(t, p.Drain(context.Background()), test.ShouldBeNil)
	test.That(t, pool.Recycled().Len(), test.ShouldEqual, 2)
	p.Close()
	p.Close()
}

func TestLateReleaseAfterClose(t *testing.T) {
	pool, err := frame.Allocate(2, 8)
	test.That(t, err, test.ShouldBeNil)
	h := &holder{}
	tail := &recorder{name: "tail"}
	p := NewPipeline(pool, PipelineOptions{}, h, tail)

	complete(t, pool, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	test.That(t, p.Drain(ctx), test.ShouldNotBeNil)
	test.That(t, h.count(), test.ShouldEqual, 1)

	p.Close()
	h.releaseAll()
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{Recycled: 2})
	test.That(t, tail.seen(), test.ShouldBeEmpty)
}
