package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/abihf/framecap/device/devicetest"
	"github.com/abihf/framecap/frame"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// queued counts the buffers actually sitting in the pool's queues.
func queued(p *frame.Pool) int {
	return p.Recycled().Len() + p.InFlight().Len() + p.Completed().Len()
}

func newTestController(t *testing.T, count int, opts Options) (*Controller, *frame.Pool, *devicetest.Fake) {
	t.Helper()
	dev := devicetest.New(4, 4, 8)
	pool, err := frame.Allocate(count, 16)
	test.That(t, err, test.ShouldBeNil)
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t).Sugar()
	}
	if opts.Session == "" {
		opts.Session = "test"
	}
	return NewController(dev, pool, opts), pool, dev
}

func TestStartSubmitsEveryBuffer(t *testing.T) {
	c, pool, dev := newTestController(t, 4, Options{PollTimeout: 20 * time.Millisecond})
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)
	defer c.Stop()

	test.That(t, c.State(), test.ShouldEqual, Running)
	test.That(t, dev.Pending(), test.ShouldEqual, 4)
	test.That(t, dev.Acquiring(), test.ShouldBeTrue)
	test.That(t, pool.InFlight().Len(), test.ShouldEqual, 4)
	test.That(t, pool.Recycled().Len(), test.ShouldEqual, 0)

	err := c.Start(context.Background())
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
}

// TestSingleCompletionCycle walks four buffers through one completion: the
// completed buffer leaves the device, comes back through a consumer and is
// submitted again.
func TestSingleCompletionCycle(t *testing.T) {
	var frames []frame.Info
	var mu sync.Mutex
	c, pool, dev := newTestController(t, 4, Options{
		PollTimeout: time.Second,
		OnFrame: func(info frame.Info) {
			mu.Lock()
			frames = append(frames, info)
			mu.Unlock()
		},
	})
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)
	defer c.Stop()

	dev.Complete(1)
	waitFor(t, "first completion", func() bool { return pool.Completed().Len() == 1 })
	test.That(t, pool.InFlight().Len(), test.ShouldEqual, 3)
	test.That(t, pool.Recycled().Len(), test.ShouldEqual, 0)

	b, ok := pool.Take()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, b.Sequence, test.ShouldEqual, uint64(1))
	test.That(t, b.Status, test.ShouldEqual, frame.StatusOK)
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{InFlight: 3, Consumer: 1})

	test.That(t, pool.Return(b), test.ShouldBeNil)
	test.That(t, pool.Recycled().Len(), test.ShouldEqual, 1)

	waitFor(t, "resubmission", func() bool { return pool.InFlight().Len() == 4 })
	test.That(t, dev.Pending(), test.ShouldEqual, 4)
	test.That(t, dev.Submits(), test.ShouldEqual, 5)

	mu.Lock()
	defer mu.Unlock()
	test.That(t, frames, test.ShouldHaveLength, 1)
	test.That(t, frames[0].Sequence, test.ShouldEqual, uint64(1))
	test.That(t, frames[0].Session, test.ShouldEqual, "test")
}

func TestStopRecoversAllBuffers(t *testing.T) {
	c, pool, dev := newTestController(t, 4, Options{PollTimeout: 10 * time.Millisecond})
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)

	started := time.Now()
	test.That(t, c.Stop(), test.ShouldBeNil)
	test.That(t, time.Since(started), test.ShouldBeLessThan, time.Second)

	test.That(t, c.State(), test.ShouldEqual, Idle)
	test.That(t, pool.InFlight().Len(), test.ShouldEqual, 0)
	test.That(t, pool.Recycled().Len(), test.ShouldEqual, 4)
	test.That(t, dev.Pending(), test.ShouldEqual, 0)
	test.That(t, dev.Acquiring(), test.ShouldBeFalse)
	test.That(t, dev.Cancels(), test.ShouldEqual, 1)

	for _, b := range pool.Recycled().Drain(frame.Consumer) {
		test.That(t, b.Status, test.ShouldEqual, frame.StatusCancelled)
		test.That(t, pool.Return(b), test.ShouldBeNil)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, _, _ := newTestController(t, 2, Options{PollTimeout: 10 * time.Millisecond})
	test.That(t, c.Stop(), test.ShouldBeNil)

	test.That(t, c.Start(context.Background()), test.ShouldBeNil)
	test.That(t, c.Stop(), test.ShouldBeNil)
	test.That(t, c.Stop(), test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, Idle)

	// a stopped controller can run again
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)
	test.That(t, c.Stop(), test.ShouldBeNil)
}

func TestWaitErrorUnwindsToIdle(t *testing.T) {
	var errs atomic.Int32
	var last error
	var mu sync.Mutex
	c, pool, dev := newTestController(t, 4, Options{
		PollTimeout: 10 * time.Millisecond,
		OnError: func(err error) {
			errs.Inc()
			mu.Lock()
			last = err
			mu.Unlock()
		},
	})
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)

	injected := errors.New("link down")
	dev.FailWait(injected)
	waitFor(t, "idle after device error", func() bool { return c.State() == Idle })

	test.That(t, pool.Recycled().Len(), test.ShouldEqual, 4)
	test.That(t, pool.InFlight().Len(), test.ShouldEqual, 0)
	test.That(t, queued(pool), test.ShouldEqual, pool.Len())
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{Recycled: 4})
	test.That(t, dev.Acquiring(), test.ShouldBeFalse)

	// give a stray second report the chance to show up
	time.Sleep(30 * time.Millisecond)
	test.That(t, errs.Load(), test.ShouldEqual, int32(1))

	mu.Lock()
	defer mu.Unlock()
	test.That(t, errors.Is(last, ErrDevice), test.ShouldBeTrue)
	test.That(t, errors.Is(last, injected), test.ShouldBeTrue)
	test.That(t, errors.Is(c.Err(), ErrDevice), test.ShouldBeTrue)

	test.That(t, c.Stop(), test.ShouldBeNil)
	test.That(t, c.Stats().Failures, test.ShouldEqual, uint64(1))
}

func TestPartialSubmitFailure(t *testing.T) {
	c, pool, dev := newTestController(t, 4, Options{PollTimeout: 10 * time.Millisecond})
	dev.FailSubmitAfter(2, errors.New("queue full"))

	err := c.Start(context.Background())
	test.That(t, errors.Is(err, ErrDevice), test.ShouldBeTrue)
	test.That(t, c.State(), test.ShouldEqual, Idle)
	test.That(t, dev.Acquiring(), test.ShouldBeFalse)
	test.That(t, dev.Cancels(), test.ShouldEqual, 1)
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{Recycled: 4})
}

func TestStartAcquisitionFailure(t *testing.T) {
	c, pool, dev := newTestController(t, 3, Options{PollTimeout: 10 * time.Millisecond})
	dev.FailStart(errors.New("bandwidth"))

	err := c.Start(context.Background())
	test.That(t, errors.Is(err, ErrDevice), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bandwidth")
	test.That(t, c.State(), test.ShouldEqual, Idle)
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{Recycled: 3})
	test.That(t, dev.Pending(), test.ShouldEqual, 0)
}

// TestStarvationMakesProgress keeps every buffer away from the loop for
// several poll intervals, then returns one and expects it to be submitted
// within one poll interval.
func TestStarvationMakesProgress(t *testing.T) {
	const poll = 20 * time.Millisecond
	var advisories atomic.Int32
	c, pool, dev := newTestController(t, 2, Options{
		PollTimeout: poll,
		OnAdvisory: func(err error) {
			test.That(t, errors.Is(err, ErrStarved), test.ShouldBeTrue)
			advisories.Inc()
		},
	})
	dev.AutoComplete(true)
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)
	defer c.Stop()

	waitFor(t, "all buffers completed", func() bool { return pool.Completed().Len() == 2 })
	held := pool.Completed().Drain(frame.Consumer)
	submits := dev.Submits()

	time.Sleep(5 * poll)
	test.That(t, dev.Submits(), test.ShouldEqual, submits)
	test.That(t, pool.InFlight().Len(), test.ShouldEqual, 0)
	test.That(t, advisories.Load(), test.ShouldEqual, int32(1))
	test.That(t, c.State(), test.ShouldEqual, Running)

	dev.AutoComplete(false)
	released := time.Now()
	test.That(t, pool.Return(held[0]), test.ShouldBeNil)
	waitFor(t, "resubmission", func() bool { return dev.Submits() > submits })
	test.That(t, time.Since(released), test.ShouldBeLessThan, poll+10*time.Millisecond)

	test.That(t, pool.Return(held[1]), test.ShouldBeNil)
	test.That(t, c.Stats().Starvations, test.ShouldEqual, uint64(1))
}

// TestFIFOAndConservation runs a consumer against an auto-completing device
// and checks ordering and the buffer count at every observation.
func TestFIFOAndConservation(t *testing.T) {
	c, pool, dev := newTestController(t, 4, Options{PollTimeout: 10 * time.Millisecond, Yield: -1})
	dev.AutoComplete(true)
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)

	var last uint64
	seen := 0
	for seen < 200 {
		census := pool.Census()
		test.That(t, census.Total(), test.ShouldEqual, 4)

		b, ok := pool.Take()
		if !ok {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		test.That(t, b.Sequence, test.ShouldEqual, last+1)
		last = b.Sequence
		seen++
		test.That(t, pool.Return(b), test.ShouldBeNil)
	}

	test.That(t, c.Stop(), test.ShouldBeNil)
	test.That(t, pool.InFlight().Len(), test.ShouldEqual, 0)
	test.That(t, pool.Recycled().Len()+pool.Completed().Len(), test.ShouldEqual, 4)
	test.That(t, queued(pool), test.ShouldEqual, pool.Len())
	census := pool.Census()
	test.That(t, census.Recycled, test.ShouldEqual, pool.Recycled().Len())
	test.That(t, census.Completed, test.ShouldEqual, pool.Completed().Len())
	test.That(t, census.Consumer, test.ShouldEqual, 0)

	stats := c.Stats()
	test.That(t, stats.Completed, test.ShouldBeGreaterThanOrEqualTo, uint64(200))
	test.That(t, stats.LastSequence, test.ShouldEqual, stats.Completed)
}

func TestUnresponsiveDevice(t *testing.T) {
	failed := make(chan error, 1)
	c, pool, _ := newTestController(t, 2, Options{
		PollTimeout:       5 * time.Millisecond,
		UnresponsiveAfter: 3,
		OnError:           func(err error) { failed <- err },
	})
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)

	select {
	case err := <-failed:
		test.That(t, errors.Is(err, ErrUnresponsive), test.ShouldBeTrue)
		test.That(t, errors.Is(err, ErrDevice), test.ShouldBeTrue)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	waitFor(t, "idle", func() bool { return c.State() == Idle })
	test.That(t, pool.Census(), test.ShouldResemble, frame.Census{Recycled: 2})
	test.That(t, c.Stats().Timeouts, test.ShouldBeGreaterThanOrEqualTo, uint64(3))
}

func TestCancelledContext(t *testing.T) {
	c, _, _ := newTestController(t, 2, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, c.Start(ctx), test.ShouldEqual, context.Canceled)
	test.That(t, c.State(), test.ShouldEqual, Idle)
}

func TestPinnedCaptureThread(t *testing.T) {
	c, pool, dev := newTestController(t, 2, Options{PollTimeout: 10 * time.Millisecond, PinCPU: true, CPU: 0})
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)
	dev.Complete(1)
	waitFor(t, "completion", func() bool { return pool.Completed().Len() == 1 })
	test.That(t, c.Stop(), test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, Idle)
	test.That(t, pool.Recycled().Len()+pool.Completed().Len(), test.ShouldEqual, 2)
}

// TestStartDuringFailureReport restarts from inside the error callback, the
// way a control thread reacting to the report would.
func TestStartDuringFailureReport(t *testing.T) {
	var c *Controller
	var during State
	var startErr error
	reported := make(chan struct{})
	c, pool, dev := newTestController(t, 2, Options{
		PollTimeout: 10 * time.Millisecond,
		OnError: func(err error) {
			during = c.State()
			startErr = c.Start(context.Background())
			close(reported)
		},
	})
	test.That(t, c.Start(context.Background()), test.ShouldBeNil)
	dev.FailWait(errors.New("link down"))

	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	waitFor(t, "idle", func() bool { return c.State() == Idle })
	test.That(t, during, test.ShouldEqual, Stopping)
	test.That(t, errors.Is(startErr, ErrInvalidState), test.ShouldBeTrue)
	test.That(t, queued(pool), test.ShouldEqual, pool.Len())
}
