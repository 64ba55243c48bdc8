package capture

import (
	"context"

	"go.uber.org/multierr"

	"github.com/abihf/framecap/device"
	"github.com/abihf/framecap/frame"
)

// Processor handles one completed frame on the goroutine that called Capture.
// The buffer goes back to the pool when it returns. Returning false ends the
// capture.
type Processor func(b *frame.Buffer, info frame.Info) (bool, error)

type Option struct {
	Device     string
	Opener     device.Opener
	Buffers    int
	Controller Options
}

// Capture opens the device, captures until processor returns false, fails, or
// ctx is done, and closes the device again.
func Capture(ctx context.Context, opt *Option, processor Processor) (err error) {
	failed := make(chan error, 1)
	sess := NewSession(opt.Opener,
		WithBufferCount(opt.Buffers),
		WithControllerOptions(opt.Controller),
		WithLogger(opt.Controller.Logger),
		OnError(func(err error) {
			select {
			case failed <- err:
			default:
			}
		}),
	)
	if opt.Buffers <= 0 {
		sess.bufferCount = DefaultBufferCount
	}

	if err := sess.Open(ctx, opt.Device); err != nil {
		return err
	}
	pool := sess.Pool()
	defer func() {
		err = multierr.Combine(err, sess.StopCapture())
		for _, b := range pool.Completed().Drain(frame.Consumer) {
			err = multierr.Append(err, pool.Return(b))
		}
		err = multierr.Append(err, sess.Close())
	}()

	if err := sess.StartCapture(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-failed:
			return err

		case <-pool.Completed().Ready():
			for {
				b, ok := pool.Take()
				if !ok {
					break
				}
				cont, err := processor(b, frame.InfoOf(sess.ID(), b))
				if rerr := pool.Return(b); rerr != nil {
					return multierr.Append(err, rerr)
				}
				if err != nil {
					return err
				}
				if !cont {
					return nil
				}
			}
		}
	}
}
