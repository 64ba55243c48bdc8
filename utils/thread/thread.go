//go:build linux

// Package thread pins the calling goroutine's OS thread.
package thread

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetCPUAffinity restricts the current OS thread to coreID and returns a
// function that puts the previous mask back. The caller must hold the thread
// with runtime.LockOSThread and call restore before unlocking it, or the
// mask stays on a thread the scheduler hands to other goroutines.
func SetCPUAffinity(coreID int) (restore func() error, err error) {
	if coreID < 0 || coreID >= runtime.NumCPU() {
		return nil, errors.Errorf("cpu %d out of range [0, %d)", coreID, runtime.NumCPU())
	}
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return nil, errors.Wrap(err, "sched_getaffinity")
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "sched_setaffinity")
	}
	return func() error {
		return errors.Wrap(unix.SchedSetaffinity(0, &prev), "sched_setaffinity")
	}, nil
}
