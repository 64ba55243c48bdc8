package capture

import "github.com/pkg/errors"

var (
	ErrInvalidState = errors.New("capture: invalid state for this operation")
	ErrDevice       = errors.New("capture: device error")
	ErrOutOfOrder   = errors.New("device completed a buffer that is not the oldest submitted")
	ErrUnresponsive = errors.New("device unresponsive")
	ErrStarved      = errors.New("capture: no recycled buffers, device queue is empty")
	ErrNotOpen      = errors.New("capture: session not open")
)

// DeviceError is a failed device call. It matches ErrDevice with errors.Is.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return "capture: device " + e.Op + ": " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}
