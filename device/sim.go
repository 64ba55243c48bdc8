package device

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/framecap/frame"
)

// SimOpener opens simulated devices. The id is ignored.
type SimOpener struct {
	Dimensions Dimensions
	FrameRate  float64
}

func (o SimOpener) Open(ctx context.Context, id string) (Device, error) {
	return NewSim(o.Dimensions, o.FrameRate), nil
}

// Sim produces a moving gradient at a fixed frame rate. It lets the daemon and
// the consumers run without hardware.
type Sim struct {
	dims   Dimensions
	period time.Duration

	mu        sync.Mutex
	pending   []*frame.Buffer
	acquiring bool
	closed    bool
	started   time.Time
	next      time.Time
	count     uint64
}

// NewSim creates a simulated device.
func NewSim(dims Dimensions, fps float64) *Sim {
	if dims.Width <= 0 || dims.Height <= 0 {
		dims = Dimensions{Width: 640, Height: 480, BitsPerPixel: 8}
	}
	if dims.BitsPerPixel <= 0 {
		dims.BitsPerPixel = 8
	}
	if fps <= 0 {
		fps = 10
	}
	return &Sim{dims: dims, period: time.Duration(float64(time.Second) / fps)}
}

func (s *Sim) MaxFrameDimensions() (Dimensions, error) {
	return s.dims, nil
}

func (s *Sim) Submit(b *frame.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("simulated device closed")
	}
	s.pending = append(s.pending, b)
	return nil
}

func (s *Sim) StartAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acquiring = true
	s.started = time.Now()
	s.next = s.started.Add(s.period)
	return nil
}

func (s *Sim) StopAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acquiring = false
	return nil
}

func (s *Sim) WaitCompletion(timeout time.Duration) (*frame.Buffer, error) {
	s.mu.Lock()
	if !s.acquiring {
		s.mu.Unlock()
		return nil, errors.New("acquisition not started")
	}
	wait := time.Until(s.next)
	s.mu.Unlock()

	if wait > timeout {
		time.Sleep(timeout)
		return nil, &Timeout{After: timeout}
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.next = s.next.Add(s.period)
	if now := time.Now(); s.next.Before(now) {
		// fell behind, skip the missed slots like a free-running sensor
		s.next = now.Add(s.period)
	}
	if len(s.pending) == 0 {
		return nil, &Timeout{After: timeout}
	}
	b := s.pending[0]
	s.pending = s.pending[1:]
	s.count++
	s.render(b)
	return b, nil
}

func (s *Sim) render(b *frame.Buffer) {
	b.Width, b.Height, b.BitsPerPixel = s.dims.Width, s.dims.Height, s.dims.BitsPerPixel
	b.DeviceTimestamp = time.Since(s.started)
	b.Status = frame.StatusOK

	shift := int(s.count)
	bpp := frame.BytesPerPixel(s.dims.BitsPerPixel)
	max := 1<<uint(s.dims.BitsPerPixel) - 1
	data := b.Bytes()
	for y := 0; y < s.dims.Height; y++ {
		for x := 0; x < s.dims.Width; x++ {
			v := ((x + y + shift) * max / (s.dims.Width + s.dims.Height)) % (max + 1)
			i := (y*s.dims.Width + x) * bpp
			if bpp == 1 {
				data[i] = byte(v)
			} else {
				binary.LittleEndian.PutUint16(data[i:], uint16(v))
			}
		}
	}
}

func (s *Sim) CancelAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.pending {
		b.Status = frame.StatusCancelled
	}
	s.pending = nil
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.pending = nil
	return nil
}
