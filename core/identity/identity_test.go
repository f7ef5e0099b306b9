package identity

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionIDRoundTrip(t *testing.T) {
	id := ExecutionID{PID: 4321, StartTime: 987654}
	assert.Equal(t, "pid:4321:start:987654", id.String())
	parsed, err := ParseExecutionID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	for _, bad := range []string{"", "pid:1", "cgroup:12", "pid:x:start:1", "pid:1:begin:2"} {
		_, err := ParseExecutionID(bad)
		assert.Error(t, err, bad)
	}
	assert.Empty(t, ExecutionID{}.String())
}

func TestForProcess(t *testing.T) {
	id := ForProcess(os.Getpid())
	assert.Equal(t, uint32(os.Getpid()), id.PID)
	if runtime.GOOS == "linux" {
		assert.NotZero(t, id.StartTime)
	}
}

func TestRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.NotEqual(t, a, b)
	assert.True(t, ValidRunID(a))
	assert.False(t, ValidRunID("../etc"))
}
