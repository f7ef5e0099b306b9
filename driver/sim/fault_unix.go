//go:build unix

package sim

import (
	"os"
	"syscall"
	"time"
)

// fault delivers SIGSEGV to the process, the way a runtime touching unmapped memory would.
// The Go runtime does not recover from it: the process prints a traceback and dies.
func fault() {
	_ = syscall.Kill(os.Getpid(), syscall.SIGSEGV)
	for {
		time.Sleep(time.Second)
	}
}
