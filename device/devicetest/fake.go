// Package devicetest provides an in-memory device whose completions are
// driven by the test.
package devicetest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/framecap/device"
	"github.com/abihf/framecap/frame"
)

// Fake is a scripted device. Submitted buffers complete only when the test
// calls Complete, unless AutoComplete is set.
type Fake struct {
	Dims device.Dimensions

	mu           sync.Mutex
	pending      []*frame.Buffer
	ready        int
	autoComplete bool
	acquiring    bool
	closed       bool

	submitErr   error
	submitAfter int
	startErr    error
	waitErr     error
	cancelErr   error

	submits   int
	waits     int
	cancels   int
	stops     int
	completed []uint64

	kick chan struct{}
}

// New returns a fake reporting the given maximum geometry.
func New(width, height, bits int) *Fake {
	return &Fake{
		Dims: device.Dimensions{Width: width, Height: height, BitsPerPixel: bits},
		kick: make(chan struct{}, 1),
	}
}

// Opener returns an opener that always hands out f.
func (f *Fake) Opener() device.Opener {
	return device.OpenerFunc(func(ctx context.Context, id string) (device.Device, error) {
		f.mu.Lock()
		f.closed = false
		f.mu.Unlock()
		return f, nil
	})
}

// Complete lets the n oldest submitted buffers finish.
func (f *Fake) Complete(n int) {
	f.mu.Lock()
	f.ready += n
	f.mu.Unlock()
	f.signal()
}

// AutoComplete makes every wait finish the oldest buffer immediately.
func (f *Fake) AutoComplete(on bool) {
	f.mu.Lock()
	f.autoComplete = on
	f.mu.Unlock()
	f.signal()
}

// FailSubmitAfter makes Submit fail with err once n submits succeeded.
func (f *Fake) FailSubmitAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitAfter = f.submits + n
	f.submitErr = err
}

// FailStart makes StartAcquisition fail with err.
func (f *Fake) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// FailWait makes the next WaitCompletion return err.
func (f *Fake) FailWait(err error) {
	f.mu.Lock()
	f.waitErr = err
	f.mu.Unlock()
	f.signal()
}

// FailCancel makes CancelAll return err.
func (f *Fake) FailCancel(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelErr = err
}

func (f *Fake) signal() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *Fake) MaxFrameDimensions() (device.Dimensions, error) {
	return f.Dims, nil
}

func (f *Fake) Submit(b *frame.Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("fake device closed")
	}
	if f.submitErr != nil && f.submits >= f.submitAfter {
		return f.submitErr
	}
	f.submits++
	f.pending = append(f.pending, b)
	return nil
}

func (f *Fake) StartAcquisition() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}
	f.acquiring = true
	return nil
}

func (f *Fake) StopAcquisition() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acquiring = false
	f.stops++
	return nil
}

func (f *Fake) WaitCompletion(timeout time.Duration) (*frame.Buffer, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		f.waits++
		if f.waitErr != nil {
			err := f.waitErr
			f.waitErr = nil
			f.mu.Unlock()
			return nil, err
		}
		if len(f.pending) > 0 && (f.autoComplete || f.ready > 0) {
			b := f.pending[0]
			f.pending = f.pending[1:]
			if f.ready > 0 {
				f.ready--
			}
			f.fill(b)
			f.mu.Unlock()
			return b, nil
		}
		f.mu.Unlock()

		select {
		case <-f.kick:
		case <-deadline.C:
			return nil, &device.Timeout{After: timeout}
		}
	}
}

func (f *Fake) fill(b *frame.Buffer) {
	b.Width, b.Height, b.BitsPerPixel = f.Dims.Width, f.Dims.Height, f.Dims.BitsPerPixel
	b.Status = frame.StatusOK
	b.DeviceTimestamp = time.Duration(len(f.completed)) * time.Millisecond
	data := b.Bytes()
	for i := range data {
		data[i] = byte(i + len(f.completed))
	}
	f.completed = append(f.completed, uint64(b.ID()))
}

func (f *Fake) CancelAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancels++
	for _, b := range f.pending {
		b.Status = frame.StatusCancelled
	}
	f.pending = nil
	f.ready = 0
	return f.cancelErr
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.pending = nil
	return nil
}

// Pending is the number of buffers the fake currently holds.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Submits is the number of successful submits.
func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// Cancels is the number of CancelAll calls.
func (f *Fake) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// Acquiring reports whether acquisition is running.
func (f *Fake) Acquiring() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquiring
}

// Closed reports whether Close was called since the last open.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CompletedIDs lists the ids of completed buffers in completion order.
func (f *Fake) CompletedIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.completed...)
}
