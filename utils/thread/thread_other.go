//go:build !linux

package thread

import "github.com/pkg/errors"

// SetCPUAffinity is only supported on linux.
func SetCPUAffinity(coreID int) (func() error, error) {
	return nil, errors.New("cpu affinity not supported on this platform")
}
