//go:build unix

package execution

import (
	"os"
	"runtime"
	"syscall"
)

func maxRSSKB(ps *os.ProcessState) int64 {
	usage, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	// ru_maxrss is in bytes on darwin and kilobytes elsewhere.
	if runtime.GOOS == "darwin" {
		return int64(usage.Maxrss) / 1024
	}
	return int64(usage.Maxrss)
}
