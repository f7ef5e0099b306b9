package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accelrun/core/harness"
	"accelrun/core/receipt"
	"accelrun/core/tensor"
	"accelrun/driver/sim"
	"accelrun/runner"
)

// cliHelperEnv turns the test binary into accelrun, so supervise can start it as its worker.
const cliHelperEnv = "ACCELRUN_CLI_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(cliHelperEnv) == "1" {
		os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeArtifact(t *testing.T, m sim.Manifest) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), m.Op+".axsim")
	require.NoError(t, os.WriteFile(path, m.Encode(), 0o644))
	return path
}

func requireSubprocess(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("supervised runs need unix signals")
	}
	t.Setenv(cliHelperEnv, "1")
	t.Setenv("ACCELRUN_QUARANTINE_FILE", filepath.Join(t.TempDir(), "quarantine.json"))
}

func TestUsage(t *testing.T) {
	code, _, _ := runCLI(t)
	assert.Equal(t, exitUsage, code)
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "unknown command")
	code, stdout, _ := runCLI(t, "help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "accelrun supervise")

	code, _, stderr = runCLI(t, "run")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "exactly one artifact")
	code, _, _ = runCLI(t, "run", "--input", "x=q9[4]", "model.neff")
	assert.Equal(t, exitUsage, code)
}

func TestRunInProcess(t *testing.T) {
	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	path := writeArtifact(t, sim.Unary(sim.OpReLU, spec))
	outDir := t.TempDir()

	code, stdout, stderr := runCLI(t, "run", "--driver", "sim", "--out-dir", outDir, "--json", path)
	require.Equal(t, exitOK, code, stderr)
	var rec receipt.Receipt
	require.NoError(t, json.Unmarshal([]byte(stdout), &rec))
	assert.Equal(t, receipt.OutcomeCompleted, rec.Outcome.Kind)
	assert.Equal(t, "inprocess", rec.Execution.Isolation)
	require.Len(t, rec.Outputs, 1)
	assert.FileExists(t, filepath.Join(outDir, rec.RunID, rec.Outputs[0].File))
	assert.FileExists(t, filepath.Join(outDir, rec.RunID, runner.ReceiptFile))
}

func TestRunTypedErrorExitStatus(t *testing.T) {
	path := writeArtifact(t, sim.Manifest{Op: sim.OpFail, Status: 1003})
	code, stdout, _ := runCLI(t, "run", path)
	assert.Equal(t, harness.ExecutionError.ExitCode(), code)
	assert.Contains(t, stdout, "ExecutionError")
	assert.Contains(t, stdout, "status 1003")

	code, _, stderr := runCLI(t, "run", filepath.Join(t.TempDir(), "missing.neff"))
	assert.Equal(t, harness.LoadError.ExitCode(), code)
	assert.NotEmpty(t, stderr)
}

func TestRunRejectsBadRunID(t *testing.T) {
	path := writeArtifact(t, sim.Manifest{Op: sim.OpIdentity})
	code, _, stderr := runCLI(t, "run", "--run-id", "../escape", path)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "not a UUID")
}

func TestSuperviseCompleted(t *testing.T) {
	requireSubprocess(t)
	path := writeArtifact(t, sim.Unary(sim.OpSoftmax, tensor.MakeSpec("x", dtypes.Float32, 2, 8)))
	outDir := t.TempDir()
	runID := uuid.NewString()

	code, stdout, stderr := runCLI(t, "supervise", "--out-dir", outDir, "--run-id", runID, path)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "completed")
	assert.Contains(t, stdout, "subprocess")

	rec, err := receipt.Read(filepath.Join(outDir, runID, runner.ReceiptFile))
	require.NoError(t, err)
	assert.Equal(t, runID, rec.RunID)
	assert.Equal(t, receipt.OutcomeCompleted, rec.Outcome.Kind)
}

func TestSuperviseMirrorsCrashAndQuarantines(t *testing.T) {
	requireSubprocess(t)
	path := writeArtifact(t, sim.Manifest{Op: sim.OpFault})
	outDir := t.TempDir()

	code, stdout, _ := runCLI(t, "supervise", "--out-dir", outDir, path)
	assert.Equal(t, 128+11, code, "exit status mirrors SIGSEGV")
	assert.Contains(t, stdout, "crashed")
	assert.Contains(t, stdout, "SIGSEGV")
	assert.Contains(t, stdout, "postmortem")

	code, _, stderr := runCLI(t, "supervise", "--out-dir", outDir, path)
	assert.Equal(t, exitQuarantined, code)
	assert.Contains(t, stderr, "quarantined")

	code, stdout, _ = runCLI(t, "inspect", "--json", path)
	require.Equal(t, exitOK, code)
	var info inspection
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	require.NotNil(t, info.Quarantined)
	assert.Equal(t, "crashed", info.Quarantined.Outcome)

	code, stdout, _ = runCLI(t, "quarantine", "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "crashed")
	code, _, _ = runCLI(t, "quarantine", "release", info.Digest)
	require.Equal(t, exitOK, code)
	code, stdout, _ = runCLI(t, "quarantine", "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "no quarantined artifacts")
}

func TestBatch(t *testing.T) {
	t.Setenv("ACCELRUN_ISOLATION", "inprocess")
	ok := writeArtifact(t, sim.Unary(sim.OpIdentity, tensor.MakeSpec("x", dtypes.Int32, 3)))
	bad := writeArtifact(t, sim.Manifest{Op: sim.OpFail})

	code, stdout, stderr := runCLI(t, "batch", "--concurrency", "2", ok, bad)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "1 of 2 runs did not complete")
	assert.Contains(t, stdout, "completed")
	assert.Contains(t, stdout, "ExecutionError")

	code, stdout, _ = runCLI(t, "batch", "--json", ok, ok)
	require.Equal(t, exitOK, code)
	var receipts []receipt.Receipt
	require.NoError(t, json.Unmarshal([]byte(stdout), &receipts))
	assert.Len(t, receipts, 2)
	assert.NotEqual(t, receipts[0].RunID, receipts[1].RunID)
}

func TestInspect(t *testing.T) {
	spec := tensor.MakeSpec("q", dtypes.Float32, 16, 64)
	path := writeArtifact(t, sim.Manifest{Op: sim.OpAttention, Inputs: []tensor.Spec{spec}, Outputs: []tensor.Spec{spec}})

	code, stdout, _ := runCLI(t, "inspect", path)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "sim")
	assert.Contains(t, stdout, "q=f32[16,64]")

	code, _, _ = runCLI(t, "inspect", filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, harness.LoadError.ExitCode(), code)
}

func TestExitStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no signal numbers")
	}
	for _, tc := range []struct {
		out  receipt.Outcome
		want int
	}{
		{receipt.Outcome{Kind: receipt.OutcomeCompleted}, exitOK},
		{receipt.Outcome{Kind: receipt.OutcomeCrashed, Signal: "SIGSEGV", ExitCode: 2}, 139},
		{receipt.Outcome{Kind: receipt.OutcomeCrashed, Signal: "SIGABRT", ExitCode: 134}, 134},
		{receipt.Outcome{Kind: receipt.OutcomeCrashed, ExitCode: 2}, 2},
		{receipt.Outcome{Kind: receipt.OutcomeTimeout, Signal: "SIGKILL", ExitCode: 137}, 137},
		{receipt.Outcome{Kind: receipt.OutcomeError, ErrorKind: "ShapeMismatch"}, harness.ShapeMismatch.ExitCode()},
		{receipt.Outcome{Kind: receipt.OutcomeError, ExitCode: 1}, 1},
		{receipt.Outcome{Kind: receipt.OutcomeStartFailed}, exitFailure},
	} {
		assert.Equal(t, tc.want, exitStatus(tc.out), "%+v", tc.out)
	}
}
