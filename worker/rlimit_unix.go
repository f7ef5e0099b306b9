//go:build unix

package worker

import "golang.org/x/sys/unix"

// enableCoreDumps raises the soft core size limit to the hard limit.
func enableCoreDumps() error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &lim); err != nil {
		return err
	}
	lim.Cur = lim.Max
	return unix.Setrlimit(unix.RLIMIT_CORE, &lim)
}
