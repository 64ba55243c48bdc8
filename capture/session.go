package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/abihf/framecap/device"
	"github.com/abihf/framecap/frame"
)

// DefaultBufferCount is the pool size used when none is configured.
const DefaultBufferCount = 10

// SessionState is the lifecycle of a device binding.
type SessionState int

const (
	Closed SessionState = iota
	Open
	Capturing
)

func (s SessionState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Capturing:
		return "capturing"
	}
	return fmt.Sprintf("session(%d)", int(s))
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithBufferCount sets the pool size for the next Open.
func WithBufferCount(n int) SessionOption {
	return func(s *Session) { s.bufferCount = n }
}

// WithMaxPoolBytes caps the pool allocation.
func WithMaxPoolBytes(n int64) SessionOption {
	return func(s *Session) { s.maxPoolBytes = n }
}

// WithControllerOptions sets the loop options used for every session. The
// callbacks in opts are replaced by the session's own.
func WithControllerOptions(opts Options) SessionOption {
	return func(s *Session) { s.ctrlOpts = opts }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) SessionOption {
	return func(s *Session) { s.log = logger }
}

// OnFrame registers the frame-finished notification. It runs on the capture
// goroutine and must not block.
func OnFrame(fn func(frame.Info)) SessionOption {
	return func(s *Session) { s.onFrame = fn }
}

// OnError registers the session-fatal error notification.
func OnError(fn func(error)) SessionOption {
	return func(s *Session) { s.onError = fn }
}

// OnAdvisory registers the notification for non-fatal conditions.
func OnAdvisory(fn func(error)) SessionOption {
	return func(s *Session) { s.onAdvisory = fn }
}

// OnStateChange registers a callback for lifecycle transitions.
func OnStateChange(fn func(SessionState)) SessionOption {
	return func(s *Session) { s.onState = fn }
}

// Session binds a device and a frame pool together for the time the device is
// open. All methods are safe for concurrent use; they are serialised by one
// session lock.
type Session struct {
	opener device.Opener
	log    *zap.SugaredLogger

	onFrame    func(frame.Info)
	onError    func(error)
	onAdvisory func(error)
	onState    func(SessionState)

	mu           sync.Mutex
	bufferCount  int
	maxPoolBytes int64
	ctrlOpts     Options

	id       string
	deviceID string
	dev      device.Device
	dims     device.Dimensions
	pool     *frame.Pool
	ctrl     *Controller
}

// NewSession creates a closed session that opens devices through opener.
func NewSession(opener device.Opener, opts ...SessionOption) *Session {
	s := &Session{
		opener:       opener,
		bufferCount:  DefaultBufferCount,
		maxPoolBytes: frame.DefaultMaxPoolBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	return s
}

// Open binds the device and allocates a pool sized for its largest frame. On
// any failure the device is closed again and the session stays Closed.
func (s *Session) Open(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return errors.Wrapf(ErrInvalidState, "session already open on %s", s.deviceID)
	}

	dev, err := s.opener.Open(ctx, deviceID)
	if err != nil {
		return errors.Wrapf(err, "Can not open device %s", deviceID)
	}

	dims, err := dev.MaxFrameDimensions()
	if err != nil {
		return multierr.Append(errors.Wrap(err, "Can not query frame dimensions"), dev.Close())
	}
	size, err := frame.BufferSize(dims.Width, dims.Height, dims.BitsPerPixel)
	if err != nil {
		return multierr.Append(err, dev.Close())
	}
	pool, err := frame.AllocateWithLimit(s.bufferCount, size, s.maxPoolBytes)
	if err != nil {
		return multierr.Append(err, dev.Close())
	}

	s.id = uuid.NewString()
	s.deviceID = deviceID
	s.dev = dev
	s.dims = dims
	s.pool = pool

	opts := s.ctrlOpts
	opts.Session = s.id
	opts.Logger = s.log.With("device", deviceID)
	opts.OnFrame = s.onFrame
	opts.OnAdvisory = s.onAdvisory
	opts.OnError = s.controllerFailed
	s.ctrl = NewController(dev, pool, opts)

	s.log.Infow("session opened", "session", s.id, "device", deviceID,
		"frame", dims.String(), "buffers", pool.Len(), "buffer_size", size)
	s.notify(Open)
	return nil
}

// controllerFailed runs on the capture goroutine. It must not take s.mu:
// Stop holds it while waiting for that goroutine.
func (s *Session) controllerFailed(err error) {
	s.notify(Open)
	if s.onError != nil {
		s.onError(err)
	}
}

// StartCapture starts the capture loop.
func (s *Session) StartCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl == nil {
		return ErrNotOpen
	}
	if err := s.ctrl.Start(ctx); err != nil {
		return err
	}
	s.notify(Capturing)
	return nil
}

// StopCapture stops the capture loop. It succeeds when nothing is running.
func (s *Session) StopCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl == nil || s.ctrl.State() == Idle {
		return nil
	}
	err := s.ctrl.Stop()
	s.notify(Open)
	return err
}

// Close stops capturing, frees the pool and releases the device. Consumers
// must have returned every buffer first; otherwise Close fails with
// frame.ErrResourceBusy and the session stays Open.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}
	if s.ctrl.State() != Idle {
		if err := s.ctrl.Stop(); err != nil {
			s.log.Warnw("stop before close failed", "error", err)
		}
	}
	if err := s.pool.Release(); err != nil {
		return err
	}

	err := s.dev.Close()
	s.log.Infow("session closed", "session", s.id, "device", s.deviceID)
	s.dev, s.pool, s.ctrl = nil, nil, nil
	s.id, s.deviceID = "", ""
	s.dims = device.Dimensions{}
	s.notify(Closed)
	return errors.Wrap(err, "Can not close device")
}

// SetBufferCount changes the pool size used by the next Open.
func (s *Session) SetBufferCount(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return errors.Wrap(frame.ErrResourceBusy, "buffer count can not change while the session is open")
	}
	if n < 1 || n > frame.MaxBufferCount {
		return errors.Errorf("invalid buffer count %d, must be within 1..%d", n, frame.MaxBufferCount)
	}
	s.bufferCount = n
	return nil
}

// BufferCount is the configured pool size.
func (s *Session) BufferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferCount
}

// State reports the lifecycle state. A session whose loop died on a device
// error reports Open.
func (s *Session) State() SessionState {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()

	switch {
	case ctrl == nil:
		return Closed
	case ctrl.State() == Idle:
		return Open
	}
	return Capturing
}

// ID is the uuid of the current session, empty when closed.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// DeviceID is the id passed to Open.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Dimensions is the frame geometry the pool was sized for.
func (s *Session) Dimensions() device.Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// Pool returns the current pool, nil when closed.
func (s *Session) Pool() *frame.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// Err returns the error that ended the last capture.
func (s *Session) Err() error {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.Err()
}

// Stats returns the capture counters of the current session.
func (s *Session) Stats() (Stats, error) {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return Stats{}, ErrNotOpen
	}
	return ctrl.Stats(), nil
}

func (s *Session) notify(state SessionState) {
	if s.onState != nil {
		s.onState(state)
	}
}
