//go:build linux

package identity

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ProcessStartTime returns the kernel start time of pid in clock ticks since boot.
func ProcessStartTime(pid uint32) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// comm may contain spaces; fields resume after the last ") ".
	payload := string(data)
	idx := strings.LastIndex(payload, ") ")
	if idx == -1 {
		return 0, errors.Errorf("invalid /proc/%d/stat", pid)
	}
	fields := strings.Fields(payload[idx+2:])
	// starttime is field 22 overall, 19 after comm.
	if len(fields) < 20 {
		return 0, errors.Errorf("short /proc/%d/stat", pid)
	}
	return strconv.ParseUint(fields[19], 10, 64)
}
