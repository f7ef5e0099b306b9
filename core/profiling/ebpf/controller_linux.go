//go:build linux

package ebpf

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/profiling"
)

// Controller loads the tracepoint programs for every session it starts.
type Controller struct {
	cfg Config
}

func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

func (c *Controller) Capabilities() profiling.Capabilities {
	return profiling.Capabilities{Host: true}
}

// tracepoints lists, per object file, the programs to attach and where.
var tracepoints = map[string][][3]string{
	"fs.o": {
		{"trace_openat", "syscalls", "sys_enter_openat"},
		{"trace_open", "syscalls", "sys_enter_open"},
	},
	"exec.o": {
		{"trace_execve", "syscalls", "sys_enter_execve"},
		{"trace_execveat", "syscalls", "sys_enter_execveat"},
	},
}

// Start loads fs.o (required) and exec.o (optional, needed to follow child processes) and
// starts reading their ring buffers.
func (c *Controller) Start(ctx context.Context, target profiling.Target) (profiling.Session, error) {
	dir := c.cfg.objectDir()
	log := klog.FromContext(ctx).WithValues("bpfDir", dir, "rootPID", target.RootPID)
	s := &session{
		tree:   newTree(target.RootPID),
		events: make(chan profiling.Event, 1024),
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}
	if err := s.load(filepath.Join(dir, "fs.o")); err != nil {
		return nil, err
	}
	if err := s.load(filepath.Join(dir, "exec.o")); err != nil {
		log.Info("exec tracing unavailable, child processes of the worker will not be followed", "err", err)
	}
	for _, r := range s.readers {
		s.wg.Add(1)
		go s.readLoop(ctx, r)
	}
	log.V(1).Info("eBPF profiling attached", "readers", len(s.readers))
	return s, nil
}

type session struct {
	tree    *tree
	events  chan profiling.Event
	errs    chan error
	readers []*ringbuf.Reader
	links   []link.Link
	objs    []*ebpf.Collection
	wg      sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) Events() <-chan profiling.Event { return s.events }
func (s *session) Errors() <-chan error           { return s.errs }

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, r := range s.readers {
			_ = r.Close()
		}
		s.wg.Wait()
		for _, l := range s.links {
			_ = l.Close()
		}
		for _, obj := range s.objs {
			obj.Close()
		}
		close(s.events)
		close(s.errs)
	})
	return nil
}

func (s *session) load(path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(err, "eBPF object missing")
	}
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return errors.Wrapf(err, "load eBPF spec %s", path)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return errors.Wrapf(err, "load eBPF collection %s", path)
	}
	var links []link.Link
	for _, tp := range tracepoints[filepath.Base(path)] {
		l, err := attachTracepoint(coll, tp[0], tp[1], tp[2])
		if err != nil {
			for _, l := range links {
				_ = l.Close()
			}
			coll.Close()
			return err
		}
		links = append(links, l)
	}
	if eventsMap := coll.Maps["events"]; eventsMap != nil {
		r, err := ringbuf.NewReader(eventsMap)
		if err != nil {
			for _, l := range links {
				_ = l.Close()
			}
			coll.Close()
			return errors.Wrapf(err, "open ringbuf %s", path)
		}
		s.readers = append(s.readers, r)
	}
	s.objs = append(s.objs, coll)
	s.links = append(s.links, links...)
	return nil
}

func attachTracepoint(coll *ebpf.Collection, progName, group, name string) (link.Link, error) {
	prog := coll.Programs[progName]
	if prog == nil {
		return nil, errors.Errorf("program %s not found", progName)
	}
	l, err := link.Tracepoint(group, name, prog, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "attach %s/%s", group, name)
	}
	return l, nil
}

func (s *session) readLoop(ctx context.Context, r *ringbuf.Reader) {
	defer s.wg.Done()
	for {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			s.report(err)
			continue
		}
		ev, err := parseEvent(record.RawSample)
		if err != nil {
			s.report(err)
			continue
		}
		if !s.tree.admit(ev) {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) report(err error) {
	select {
	case s.errs <- err:
	case <-s.closed:
	default:
		// Errors are advisory; drop them rather than stall the reader.
	}
}

var (
	_ profiling.Controller = (*Controller)(nil)
	_ profiling.Session    = (*session)(nil)
)
