package execution

import (
	"fmt"
	"regexp"

	"accelrun/core/harness"
	"accelrun/core/receipt"
)

// goFatalExitCode is the status the Go runtime exits with after a fatal signal, an unrecovered
// panic or a fatal error.
const goFatalExitCode = 2

var (
	// "SIGSEGV: segmentation violation" heads the Go runtime's report of a fatal signal, and
	// "[signal SIGSEGV: ...]" follows "fatal error: unexpected signal" for faults in C code.
	signalMarker = regexp.MustCompile(`(?m)(?:^|\[signal )(SIG[A-Z0-9]+): `)
	fatalMarker  = regexp.MustCompile(`(?m)^(?:panic: |fatal error: )`)
)

// Classify maps how a worker process ended to an outcome. killed is set when the supervisor
// killed the worker itself.
func Classify(exitCode int, signal string, killed bool, stderr []byte) receipt.Outcome {
	out := receipt.Outcome{ExitCode: exitCode, Signal: signal}
	switch {
	case killed:
		out.Kind = receipt.OutcomeTimeout
		out.Error = "worker killed at its deadline"
	case signal != "":
		out.Kind = receipt.OutcomeCrashed
		out.Error = fmt.Sprintf("worker terminated by %s", signal)
	case exitCode == 0:
		out.Kind = receipt.OutcomeCompleted
	case exitCode == goFatalExitCode && (signalMarker.Match(stderr) || fatalMarker.Match(stderr)):
		out.Kind = receipt.OutcomeCrashed
		if m := signalMarker.FindSubmatch(stderr); m != nil {
			out.Signal = string(m[1])
			out.Error = fmt.Sprintf("worker runtime died on %s", out.Signal)
		} else {
			out.Error = "worker runtime aborted"
		}
	default:
		out.Kind = receipt.OutcomeError
		if kind, ok := harness.KindFromExitCode(exitCode); ok {
			out.ErrorKind = kind.String()
		} else {
			out.Error = fmt.Sprintf("worker exited with status %d", exitCode)
		}
	}
	return out
}
