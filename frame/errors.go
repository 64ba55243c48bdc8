package frame

import "github.com/pkg/errors"

var (
	ErrOwnership         = errors.New("frame: buffer not owned by caller")
	ErrQueueFull         = errors.New("frame: queue is full")
	ErrResourceBusy      = errors.New("frame: pool has buffers outside the recycled queue")
	ErrResourceExhausted = errors.New("frame: pool allocation exceeds memory limit")
	ErrInvalidSize       = errors.New("frame: invalid buffer geometry")
	ErrPoolReleased      = errors.New("frame: pool already released")
)
