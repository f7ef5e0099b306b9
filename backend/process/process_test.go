package process_test

import (
	"context"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accelrun/backend/process"
	"accelrun/core/execution"
	"accelrun/core/receipt"
)

func requireCommand(t *testing.T, path string) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires linux")
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("missing %s", path)
	}
}

func run(t *testing.T, b *process.Backend, args ...string) execution.ExecutionResult {
	t.Helper()
	require.NoError(t, b.Prepare(context.Background()))
	handle, err := b.Start(execution.ExecutionSpec{Args: args})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)
	res, err := b.Wait(handle)
	require.NoError(t, err)
	require.NoError(t, b.Cleanup(handle))
	return res
}

func TestProcessBackendExitCodes(t *testing.T) {
	requireCommand(t, "/bin/true")
	requireCommand(t, "/bin/false")

	cases := []struct {
		name     string
		cmd      []string
		wantCode int
	}{
		{name: "true", cmd: []string{"/bin/true"}, wantCode: 0},
		{name: "false", cmd: []string{"/bin/false"}, wantCode: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := process.New(process.Options{})
			res := run(t, b, tc.cmd...)
			assert.Equal(t, tc.wantCode, res.ExitCode)
			assert.Empty(t, res.Signal)
			assert.Equal(t, receipt.ExecutionInfo{Backend: "process", Isolation: "subprocess"}, b.Metadata())
			assert.NotNil(t, b.ProcessState())
		})
	}
}

func TestProcessBackendReportsSignal(t *testing.T) {
	requireCommand(t, "/bin/sh")
	b := process.New(process.Options{})
	res := run(t, b, "/bin/sh", "-c", "kill -SEGV $$")
	assert.Equal(t, "SIGSEGV", res.Signal)
	assert.Equal(t, 128+11, res.ExitCode)
}

func TestProcessBackendKill(t *testing.T) {
	requireCommand(t, "/bin/sleep")
	b := process.New(process.Options{})
	handle, err := b.Start(execution.ExecutionSpec{Args: []string{"/bin/sleep", "30"}})
	require.NoError(t, err)
	assert.Positive(t, b.ProfilingInfo(handle).Identity.RootPID)

	start := time.Now()
	require.NoError(t, b.Kill(handle))
	res, err := b.Wait(handle)
	require.NoError(t, err)
	assert.Equal(t, "SIGKILL", res.Signal)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessBackendCapturesOutput(t *testing.T) {
	requireCommand(t, "/bin/sh")
	var tee strings.Builder
	b := process.New(process.Options{Stderr: &tee})
	run(t, b, "/bin/sh", "-c", "echo hello; echo err 1>&2")
	assert.Contains(t, string(b.Stdout()), "hello")
	assert.Equal(t, "err\n", string(b.Stderr()))
	assert.Equal(t, "err\n", tee.String())
}

func TestProcessBackendStartErrors(t *testing.T) {
	b := process.New(process.Options{})
	_, err := b.Start(execution.ExecutionSpec{})
	assert.Error(t, err)
	_, err = b.Start(execution.ExecutionSpec{Args: []string{"/nonexistent/accelrun-worker"}})
	assert.Error(t, err)
}
