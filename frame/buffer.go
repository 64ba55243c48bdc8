// Package frame holds the frame buffers that circulate through the capture
// pipeline and the queues and pool that own them.
//
// A buffer is always in exactly one Location. Every move between locations is
// a compare-and-swap from the location the caller claims the buffer is in, so
// a buffer that is handed to two holders is refused instead of shared.
package frame

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Location is the holder a buffer currently belongs to.
type Location int32

const (
	// Recycled buffers are free for the capture loop to submit.
	Recycled Location = iota
	// InFlight buffers are submitted to the device.
	InFlight
	// Completed buffers hold a finished capture and wait for a consumer.
	Completed
	// Consumer buffers are being processed by a consumer stage.
	Consumer
)

var locationNames = [...]string{"recycled", "in-flight", "completed", "consumer"}

func (l Location) String() string {
	if l < 0 || int(l) >= len(locationNames) {
		return fmt.Sprintf("location(%d)", int32(l))
	}
	return locationNames[l]
}

// Status is the outcome of a capture as reported by the device.
type Status int

const (
	StatusOK Status = iota
	StatusDeviceError
	StatusCancelled
	StatusDataMissing
	StatusDataLost
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDeviceError:
		return "device-error"
	case StatusCancelled:
		return "cancelled"
	case StatusDataMissing:
		return "data-missing"
	case StatusDataLost:
		return "data-lost"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Code is the one character progress marker printed in verbose mode.
func (s Status) Code() byte {
	switch s {
	case StatusOK:
		return '.'
	case StatusDeviceError:
		return 'E'
	case StatusCancelled:
		return 'C'
	case StatusDataMissing:
		return 'M'
	case StatusDataLost:
		return 'L'
	}
	return '?'
}

// Buffer is one preallocated frame. Data never changes capacity after
// allocation; the device writes at most len(Data) bytes into it.
type Buffer struct {
	Data []byte

	Width        int
	Height       int
	BitsPerPixel int

	Sequence        uint64
	Status          Status
	CaptureTime     time.Time
	DeviceTimestamp time.Duration

	// set by the controller when the buffer is handed to the device
	submitted time.Time

	id  int
	loc atomic.Int32
}

func newBuffer(id, size int) *Buffer {
	b := &Buffer{id: id, Data: make([]byte, size)}
	b.loc.Store(int32(Recycled))
	return b
}

// ID identifies the buffer within its pool.
func (b *Buffer) ID() int {
	return b.id
}

// Location reports where the buffer currently is.
func (b *Buffer) Location() Location {
	return Location(b.loc.Load())
}

// Bytes returns the part of Data covered by the current frame geometry.
func (b *Buffer) Bytes() []byte {
	n := b.Width * b.Height * BytesPerPixel(b.BitsPerPixel)
	if n <= 0 || n > len(b.Data) {
		return b.Data
	}
	return b.Data[:n]
}

// MarkSubmitted records when the buffer was handed to the device.
func (b *Buffer) MarkSubmitted(t time.Time) {
	b.submitted = t
}

// Submitted returns the time recorded by MarkSubmitted.
func (b *Buffer) Submitted() time.Time {
	return b.submitted
}

// Reset clears the per-frame metadata before the buffer is reused.
func (b *Buffer) Reset() {
	b.Width, b.Height, b.BitsPerPixel = 0, 0, 0
	b.Sequence = 0
	b.Status = StatusOK
	b.CaptureTime = time.Time{}
	b.DeviceTimestamp = 0
	b.submitted = time.Time{}
}

// move transfers the buffer from one location to another. It fails when the
// buffer is not where the caller believes it is.
func (b *Buffer) move(from, to Location) error {
	if !b.loc.CompareAndSwap(int32(from), int32(to)) {
		return errors.Wrapf(ErrOwnership, "buffer %d is %s, not %s", b.id, b.Location(), from)
	}
	return nil
}

// BytesPerPixel rounds a bit depth up to whole bytes.
func BytesPerPixel(bits int) int {
	return (bits + 7) / 8
}

// Info is the completion record of one frame. It carries no reference to the
// buffer so it can outlive the buffer's trip through the pipeline.
type Info struct {
	Session         string        `json:"session"`
	Sequence        uint64        `json:"sequence"`
	Status          Status        `json:"status"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	BitsPerPixel    int           `json:"bits_per_pixel"`
	DeviceTimestamp time.Duration `json:"device_timestamp"`
	HostTimestamp   time.Time     `json:"host_timestamp"`
	ReadoutLatency  time.Duration `json:"readout_latency"`
}

// InfoOf builds the completion record for a finished buffer.
func InfoOf(session string, b *Buffer) Info {
	info := Info{
		Session:         session,
		Sequence:        b.Sequence,
		Status:          b.Status,
		Width:           b.Width,
		Height:          b.Height,
		BitsPerPixel:    b.BitsPerPixel,
		DeviceTimestamp: b.DeviceTimestamp,
		HostTimestamp:   b.CaptureTime,
	}
	if !b.submitted.IsZero() && !b.CaptureTime.IsZero() {
		info.ReadoutLatency = b.CaptureTime.Sub(b.submitted)
	}
	return info
}
