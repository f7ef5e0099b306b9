// Command accelrun runs compiled accelerator executables.
//
//	accelrun run       [flags] <artifact>     run in this process
//	accelrun supervise [flags] <artifact>     run in a worker subprocess and write a receipt
//	accelrun batch     [flags] <artifact>...  run several artifacts through the node manager
//	accelrun inspect   [flags] <artifact>     print format, digest and tensor specs
//	accelrun quarantine [flags] list|release <digest>
//	accelrun worker    --run-dir <dir>        internal, started by supervise
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"accelrun/worker"
)

// Exit statuses of the command itself. A supervised run that crashed exits with the worker's
// status instead, so callers can tell a native fault from a failed run.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitQuarantined = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	klog.Flush()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runCommand(ctx, rest, stdout, stderr)
	case "supervise":
		return superviseCommand(ctx, rest, stdout, stderr)
	case "batch":
		return batchCommand(ctx, rest, stdout, stderr)
	case "inspect":
		return inspectCommand(ctx, rest, stdout, stderr)
	case "quarantine":
		return quarantineCommand(ctx, rest, stdout, stderr)
	case "worker":
		return worker.Main(ctx, rest, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	}
	fmt.Fprintf(stderr, "accelrun: unknown command %q\n", cmd)
	usage(stderr)
	return exitUsage
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage:
  accelrun run        [flags] <artifact>
  accelrun supervise  [flags] <artifact>
  accelrun batch      [flags] <artifact>...
  accelrun inspect    [flags] <artifact>
  accelrun quarantine [flags] list|release <digest>
  accelrun worker     --run-dir <dir>

Run "accelrun <command> -h" for the flags of a command.`)
}
