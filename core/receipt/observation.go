package receipt

import (
	"sort"
	"sync"
	"syscall"

	"accelrun/core/profiling"
)

// Observer folds profiling events into an Observation. It is safe for concurrent use.
type Observer struct {
	mode string

	mu        sync.Mutex
	processes map[uint32]ProcessEntry
	reads     map[string]struct{}
	writes    map[string]struct{}
	syscalls  map[string]int
	errors    []string
}

func NewObserver(mode profiling.Mode) *Observer {
	return &Observer{
		mode:      string(mode),
		processes: map[uint32]ProcessEntry{},
		reads:     map[string]struct{}{},
		writes:    map[string]struct{}{},
		syscalls:  map[string]int{},
	}
}

func (o *Observer) HandleEvent(ev profiling.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.processes[ev.PID]
	if !ok {
		entry = ProcessEntry{PID: ev.PID, PPID: ev.PPID, Cmd: ev.Comm}
	} else if entry.PPID == 0 {
		entry.PPID = ev.PPID
	}

	switch ev.Type {
	case profiling.EventExec:
		o.syscalls["execve"]++
		if cmd := ev.Path; cmd != "" && len(cmd) > len(entry.Cmd) {
			entry.Cmd = cmd
		}
	case profiling.EventOpen:
		o.syscalls["open"]++
		if ev.Path != "" {
			if isWriteOpen(ev.Flags) {
				o.writes[ev.Path] = struct{}{}
			} else {
				o.reads[ev.Path] = struct{}{}
			}
		}
	}
	o.processes[ev.PID] = entry
}

// HandleError records a profiler error; profiling errors never fail a run.
func (o *Observer) HandleError(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.errors) < 32 {
		o.errors = append(o.errors, err.Error())
	}
}

// Observation returns a sorted snapshot.
func (o *Observer) Observation() *Observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	processes := make([]ProcessEntry, 0, len(o.processes))
	for _, entry := range o.processes {
		processes = append(processes, entry)
	}
	sort.Slice(processes, func(i, j int) bool { return processes[i].PID < processes[j].PID })
	counts := make(map[string]int, len(o.syscalls))
	for k, v := range o.syscalls {
		counts[k] = v
	}
	return &Observation{
		Mode:      o.mode,
		Processes: processes,
		Reads:     setToSortedSlice(o.reads),
		Writes:    setToSortedSlice(o.writes),
		Syscalls:  counts,
		Errors:    append([]string(nil), o.errors...),
	}
}

func setToSortedSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for value := range set {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func isWriteOpen(flags uint32) bool {
	writeMask := uint32(syscall.O_WRONLY | syscall.O_RDWR | syscall.O_CREAT | syscall.O_TRUNC | syscall.O_APPEND)
	return flags&writeMask != 0
}
