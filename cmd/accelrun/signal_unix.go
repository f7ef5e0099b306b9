//go:build unix

package main

import "golang.org/x/sys/unix"

// signalNumber returns the number of a signal named like "SIGSEGV", or 0.
func signalNumber(name string) int {
	return int(unix.SignalNum(name))
}
