//go:build !linux

package identity

import "github.com/pkg/errors"

// ProcessStartTime is only available on Linux.
func ProcessStartTime(pid uint32) (uint64, error) {
	return 0, errors.New("process start time unavailable on this platform")
}
