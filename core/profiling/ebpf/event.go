// Package ebpf traces file opens and execs of a worker process tree with eBPF tracepoint
// programs loaded from precompiled objects (fs.o, exec.o).
//
// The programs attach system-wide; a session keeps only events whose pid belongs to the
// target's process tree.
package ebpf

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"

	"accelrun/core/profiling"
)

// EnvObjectDir overrides Config.ObjectDir when that is empty.
const EnvObjectDir = "ACCELRUN_BPF_DIR"

const (
	defaultObjectDir = "ebpf/objects"
	eventSize        = 308
)

// Config locates the eBPF objects.
type Config struct {
	ObjectDir string
}

func (c Config) objectDir() string {
	if c.ObjectDir != "" {
		return c.ObjectDir
	}
	if env := os.Getenv(EnvObjectDir); env != "" {
		return env
	}
	return defaultObjectDir
}

// parseEvent decodes one ring buffer record: type, pid, ppid and flags as little-endian u32,
// 20 bytes of socket fields this tracer ignores, a 16 byte comm and a 256 byte path.
func parseEvent(data []byte) (profiling.Event, error) {
	if len(data) < eventSize {
		return profiling.Event{}, errors.Errorf("short event: %d bytes", len(data))
	}
	return profiling.Event{
		Type:  profiling.EventType(binary.LittleEndian.Uint32(data[0:4])),
		PID:   binary.LittleEndian.Uint32(data[4:8]),
		PPID:  binary.LittleEndian.Uint32(data[8:12]),
		Flags: binary.LittleEndian.Uint32(data[12:16]),
		Comm:  trimNull(data[36:52]),
		Path:  trimNull(data[52:308]),
	}, nil
}

func trimNull(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		b = b[:idx]
	}
	return string(b)
}

// tree tracks the pids descending from a root. Exec events carry the parent pid, which is how
// children join the tree.
type tree struct {
	mu   sync.Mutex
	pids map[uint32]bool
}

func newTree(root int) *tree {
	t := &tree{pids: map[uint32]bool{}}
	if root > 0 {
		t.pids[uint32(root)] = true
	}
	return t
}

// admit reports whether ev belongs to the tree, adding exec'd children as they appear.
func (t *tree) admit(ev profiling.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pids) == 0 {
		return true
	}
	if t.pids[ev.PID] {
		return true
	}
	if ev.Type == profiling.EventExec && t.pids[ev.PPID] {
		t.pids[ev.PID] = true
		return true
	}
	return false
}
