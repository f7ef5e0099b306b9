package receipt

import (
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accelrun/core/profiling"
	"accelrun/core/tensor"
	"accelrun/core/version"
)

func TestNewReceipt(t *testing.T) {
	start := time.Unix(1700000000, 0)
	obs := NewObserver(profiling.ProfilingHost)
	obs.HandleEvent(profiling.Event{Type: profiling.EventOpen, PID: 10, PPID: 1, Comm: "accelrun", Path: "/models/a.neff"})
	obs.HandleEvent(profiling.Event{Type: profiling.EventOpen, PID: 10, Path: "/runs/x/y.out", Flags: uint32(syscall.O_WRONLY | syscall.O_CREAT)})

	r := New(Meta{
		RunID:       "run-1",
		ExecutionID: "pid:10:start:5",
		Start:       start,
		End:         start.Add(1500 * time.Millisecond),
		Stdout:      []byte("ok"),
		Stderr:      []byte("SIGSEGV: segmentation violation"),
		Outcome:     Outcome{Kind: OutcomeCrashed, ExitCode: 2, Signal: "SIGSEGV"},
		Resources:   Resources{CPUTimeMs: 12, MaxRSSKB: 2048},
		Backend:     ExecutionInfo{Backend: "process", Isolation: "subprocess"},
		Observer:    obs,
	})
	assert.Equal(t, version.ReceiptVersion, r.Version)
	assert.Equal(t, int64(1500), r.Timing.WallMs)
	assert.Equal(t, int64(12), r.Timing.CPUTimeMs)
	assert.Equal(t, Digest([]byte("ok")), r.Streams.StdoutHash)
	assert.Contains(t, r.Streams.StderrTail, "SIGSEGV")
	require.NotNil(t, r.Observation)
	assert.Equal(t, []string{"/models/a.neff"}, r.Observation.Reads)
	assert.Equal(t, []string{"/runs/x/y.out"}, r.Observation.Writes)
	assert.Equal(t, 2, r.Observation.Syscalls["open"])
	assert.True(t, r.Outcome.Kind.Abnormal())
	assert.False(t, OutcomeError.Abnormal())
}

func TestWriteRead(t *testing.T) {
	r := New(Meta{RunID: "run-2", Outcome: Outcome{Kind: OutcomeCompleted}})
	r.SetArtifact("model.neff", "neff", "abc", 3<<20)
	r.Inputs = append(r.Inputs, Tensor(tensor.MakeSpec("x", dtypes.Float32, 4096)))
	path := filepath.Join(t.TempDir(), "receipt.json")
	require.NoError(t, r.Write(path))

	back, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, r.RunID, back.RunID)
	assert.Equal(t, "3.0 MiB", back.Artifact.Size)
	require.Len(t, back.Inputs, 1)
	assert.Equal(t, 16384, back.Inputs[0].Bytes)
	assert.Equal(t, "16 KiB", back.Inputs[0].Size)
	assert.Equal(t, OutcomeCompleted, back.Outcome.Kind)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", Tail([]byte("abc"), 10))
	assert.Equal(t, "bc", Tail([]byte("abc"), 2))
	// "é" is two bytes; a cut through it is moved forward.
	assert.Equal(t, "x", Tail([]byte("éx"), 2))
	assert.True(t, strings.HasSuffix(Tail([]byte(strings.Repeat("a", 10000)+"END"), StderrTailBytes), "END"))
}
