//go:build !unix

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func configureCommand(cmd *exec.Cmd) {}

func killProcess(p *os.Process) error { return p.Kill() }

func signalName(sig syscall.Signal) string { return sig.String() }
