package capture

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/abihf/framecap/device"
	"github.com/abihf/framecap/frame"
	"github.com/abihf/framecap/utils/thread"
)

const (
	DefaultPollTimeout = 100 * time.Millisecond
	DefaultYield       = time.Millisecond
)

// State of the capture loop.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configure a Controller.
type Options struct {
	// PollTimeout bounds every device wait and therefore the stop latency.
	PollTimeout time.Duration
	// Yield is slept after each loop iteration so consumers returning
	// buffers get scheduled. Zero selects DefaultYield, negative disables it.
	Yield time.Duration
	// UnresponsiveAfter fails the session after that many consecutive wait
	// timeouts. Zero disables the check.
	UnresponsiveAfter int
	// PinCPU pins the capture thread to core CPU.
	PinCPU bool
	CPU    int

	Session string
	Logger  *zap.SugaredLogger

	// OnFrame is called on the capture goroutine for every completed buffer,
	// after the buffer is in the Completed queue.
	OnFrame func(frame.Info)
	// OnError receives the error that ended a session, once per failure.
	OnError func(error)
	// OnAdvisory receives non-fatal conditions such as queue starvation.
	OnAdvisory func(error)
}

func (o *Options) defaults() {
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.Yield < 0 {
		o.Yield = 0
	} else if o.Yield == 0 {
		o.Yield = DefaultYield
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// Controller runs the capture loop: it keeps the device queue filled from the
// Recycled queue and moves finished buffers to the Completed queue.
type Controller struct {
	dev  device.Device
	pool *frame.Pool
	opts Options
	log  *zap.SugaredLogger

	// serialises Start and Stop
	mu sync.Mutex

	state   atomic.Int32
	stopReq atomic.Bool
	done    chan struct{}
	stopErr error

	errMu sync.Mutex
	err   error

	// capture goroutine only
	seq      uint64
	timeouts int
	starved  bool

	stats counters
}

// NewController binds a controller to an open device and its pool.
func NewController(dev device.Device, pool *frame.Pool, opts Options) *Controller {
	opts.defaults()
	c := &Controller{
		dev:  dev,
		pool: pool,
		opts: opts,
		log:  opts.Logger,
	}
	c.state.Store(int32(Idle))
	return c
}

// State returns the current loop state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Err returns the error that ended the last session, if any.
func (c *Controller) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Stats returns the counters together with a census of the pool.
func (c *Controller) Stats() Stats {
	s := c.stats.snapshot()
	s.Buffers = c.pool.Census()
	return s
}

// Start submits every recycled buffer, starts acquisition and spawns the
// capture goroutine. It is only valid while Idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return errors.Wrapf(ErrInvalidState, "start while %s", c.State())
	}

	c.stopReq.Store(false)
	c.stopErr = nil
	c.timeouts = 0
	c.starved = false
	c.stats.resetRate()
	c.setErr(nil)

	if err := c.submitRecycled(); err != nil {
		err = multierr.Append(err, c.unwind(false))
		c.state.Store(int32(Idle))
		return err
	}
	if err := c.dev.StartAcquisition(); err != nil {
		err = multierr.Append(&DeviceError{Op: "start acquisition", Err: err}, c.unwind(false))
		c.state.Store(int32(Idle))
		return err
	}

	c.done = make(chan struct{})
	c.state.Store(int32(Running))
	c.log.Infow("capture started", "session", c.opts.Session, "buffers", c.pool.Len())
	go c.run(c.done)
	return nil
}

// Stop asks the loop to finish and waits until every in-flight buffer is back
// in the Recycled queue. Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Idle {
		return nil
	}
	c.stopReq.Store(true)
	<-c.done
	return c.stopErr
}

func (c *Controller) run(done chan struct{}) {
	defer close(done)

	runtime.LockOSThread()
	unlock := true
	defer func() {
		// a thread left locked is discarded when the goroutine exits
		if unlock {
			runtime.UnlockOSThread()
		}
	}()
	if c.opts.PinCPU {
		restore, err := thread.SetCPUAffinity(c.opts.CPU)
		if err != nil {
			c.log.Warnw("can not pin capture thread", "cpu", c.opts.CPU, "error", err)
		} else {
			defer func() {
				if err := restore(); err != nil {
					c.log.Warnw("can not restore capture thread affinity", "error", err)
					unlock = false
				}
			}()
		}
	}

	for !c.stopReq.Load() {
		if err := c.step(); err != nil {
			c.fail(err)
			return
		}
		runtime.Gosched()
		if c.opts.Yield > 0 {
			time.Sleep(c.opts.Yield)
		}
	}

	c.state.Store(int32(Stopping))
	c.stopErr = c.unwind(true)
	c.state.Store(int32(Idle))
	c.log.Infow("capture stopped", "session", c.opts.Session, "frames", c.stats.completed.Load())
}

// step is one loop iteration: refill the device, then wait for the oldest
// in-flight buffer.
func (c *Controller) step() error {
	if err := c.submitRecycled(); err != nil {
		return err
	}

	inFlight := c.pool.InFlight()
	if inFlight.Len() == 0 {
		c.starving()
		timer := time.NewTimer(c.opts.PollTimeout)
		select {
		case <-c.pool.Recycled().Ready():
		case <-timer.C:
		}
		timer.Stop()
		return nil
	}

	b, err := c.dev.WaitCompletion(c.opts.PollTimeout)
	switch err.(type) {
	case nil:
	case *device.Timeout:
		c.stats.timeouts.Inc()
		c.timeouts++
		if c.opts.UnresponsiveAfter > 0 && c.timeouts >= c.opts.UnresponsiveAfter {
			return &DeviceError{Op: "wait", Err: errors.Wrapf(ErrUnresponsive, "%d consecutive timeouts", c.timeouts)}
		}
		return nil
	default:
		return &DeviceError{Op: "wait", Err: err}
	}
	c.timeouts = 0

	if !inFlight.PopIf(b, frame.Completed) {
		return &DeviceError{Op: "wait", Err: ErrOutOfOrder}
	}

	c.seq++
	b.Sequence = c.seq
	b.CaptureTime = time.Now()
	info := frame.InfoOf(c.opts.Session, b)

	if err := c.pool.Completed().Push(b, frame.Completed); err != nil {
		// cannot happen while the queues share the pool size
		return errors.Wrap(err, "capture: completed queue")
	}
	c.stats.record(info)
	if c.opts.OnFrame != nil {
		c.opts.OnFrame(info)
	}
	return nil
}

// submitRecycled hands every recycled buffer to the device. A buffer enters
// the InFlight queue before it is submitted, so a failed submit leaves it
// where unwind finds it.
func (c *Controller) submitRecycled() error {
	submitted := 0
	for {
		b, ok := c.pool.Recycled().Pop(frame.InFlight)
		if !ok {
			break
		}
		b.Reset()
		b.MarkSubmitted(time.Now())
		if err := c.pool.InFlight().Push(b, frame.InFlight); err != nil {
			return errors.Wrap(err, "capture: in-flight queue")
		}
		if err := c.dev.Submit(b); err != nil {
			return &DeviceError{Op: "submit", Err: err}
		}
		submitted++
	}
	if submitted > 0 && c.starved {
		c.starved = false
		c.log.Debugw("capture queue refilled", "submitted", submitted)
	}
	return nil
}

func (c *Controller) starving() {
	if c.starved {
		return
	}
	c.starved = true
	c.stats.starvations.Inc()
	c.log.Warnw("capture queue is empty, consumers are not returning buffers", "session", c.opts.Session)
	if c.opts.OnAdvisory != nil {
		c.opts.OnAdvisory(ErrStarved)
	}
}

// fail unwinds after a device error and reports it once. The state stays
// Stopping until OnError returns, so no Start can slip in before the report.
func (c *Controller) fail(err error) {
	c.state.Store(int32(Stopping))
	err = multierr.Append(err, c.unwind(true))
	c.stats.failures.Inc()
	c.setErr(err)

	c.log.Errorw("capture aborted", "session", c.opts.Session, "error", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
	c.state.Store(int32(Idle))
}

// unwind stops the device and returns every in-flight buffer to the Recycled
// queue marked as cancelled.
func (c *Controller) unwind(acquiring bool) error {
	var errs error
	if acquiring {
		if err := c.dev.StopAcquisition(); err != nil {
			errs = multierr.Append(errs, &DeviceError{Op: "stop acquisition", Err: err})
		}
	}
	if err := c.dev.CancelAll(); err != nil {
		errs = multierr.Append(errs, &DeviceError{Op: "cancel", Err: err})
	}

	for _, b := range c.pool.InFlight().Drain(frame.InFlight) {
		b.Status = frame.StatusCancelled
		if err := c.pool.Recycled().Push(b, frame.InFlight); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *Controller) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}
