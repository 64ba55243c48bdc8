// Package device defines the capture hardware as seen by the capture loop and
// provides the V4L2 and simulated implementations.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/abihf/framecap/frame"
)

// Dimensions is the largest frame a device can produce.
type Dimensions struct {
	Width        int
	Height       int
	BitsPerPixel int
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d@%d", d.Width, d.Height, d.BitsPerPixel)
}

// Device is an open capture device. Only the capture goroutine and the control
// goroutine call it, never both at the same time.
//
// Buffers passed to Submit complete in submission order. WaitCompletion
// returns the finished buffer with its Status and geometry filled in, a
// *Timeout when nothing finished in time, or any other error when the device
// failed. CancelAll abandons every submitted buffer.
type Device interface {
	MaxFrameDimensions() (Dimensions, error)
	Submit(b *frame.Buffer) error
	WaitCompletion(timeout time.Duration) (*frame.Buffer, error)
	CancelAll() error
	StartAcquisition() error
	StopAcquisition() error
	Close() error
}

// Opener opens a device by id.
type Opener interface {
	Open(ctx context.Context, id string) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, id string) (Device, error)

func (f OpenerFunc) Open(ctx context.Context, id string) (Device, error) {
	return f(ctx, id)
}

// Timeout is returned by WaitCompletion when no buffer finished in time.
type Timeout struct {
	After time.Duration
}

func (t *Timeout) Error() string {
	return fmt.Sprintf("no frame completed within %v", t.After)
}

// IsTimeout reports whether err is a *Timeout.
func IsTimeout(err error) bool {
	_, ok := err.(*Timeout)
	return ok
}
