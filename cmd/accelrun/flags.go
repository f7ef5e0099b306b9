package main

import (
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"accelrun/core/identity"
	"accelrun/core/profiling"
	"accelrun/core/tensor"
	"accelrun/node/config"
	"accelrun/node/manager"
	"accelrun/node/registry"
)

// specList collects repeated --input/--output flags.
type specList []tensor.Spec

func (l *specList) String() string {
	parts := make([]string, len(*l))
	for i, s := range *l {
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}

func (l *specList) Set(value string) error {
	spec, err := tensor.ParseSpec(value)
	if err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	*l = append(*l, spec)
	return nil
}

// fileMap collects repeated name=path flags.
type fileMap map[string]string

func (m fileMap) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ",")
}

func (m fileMap) Set(value string) error {
	name, path, ok := strings.Cut(value, "=")
	if !ok || name == "" || path == "" {
		return errors.Errorf("want name=path, got %q", value)
	}
	m[name] = path
	return nil
}

// options are the flags shared by the subcommands. Not every command uses all of them.
type options struct {
	fs *flag.FlagSet

	configPath  string
	driver      string
	device      int
	timeout     time.Duration
	plugin      string
	profile     string
	outDir      string
	runID       string
	force       bool
	jsonOut     bool
	coreDumps   bool
	concurrency int
	simDevices  int
	inputs      specList
	outputs     specList
	inputFiles  fileMap
}

func newOptions(name string, stderr io.Writer) *options {
	o := &options{fs: flag.NewFlagSet(name, flag.ContinueOnError), inputFiles: fileMap{}}
	fs := o.fs
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&o.driver, "driver", "", "device driver: "+strings.Join(registry.Default().Names(), ", "))
	fs.IntVar(&o.device, "device", 0, "device index")
	fs.DurationVar(&o.timeout, "timeout", 0, "execute timeout, 0 to wait forever")
	fs.StringVar(&o.plugin, "plugin", "", "PJRT plugin name or path")
	fs.StringVar(&o.profile, "profile", "", "profile the worker: disabled or host")
	fs.StringVar(&o.outDir, "out-dir", "", "write receipts and <name>.out outputs under `dir`/<run-id>")
	fs.StringVar(&o.runID, "run-id", "", "run id (a UUID); generated when empty")
	fs.BoolVar(&o.force, "force", false, "run quarantined artifacts")
	fs.BoolVar(&o.jsonOut, "json", false, "print JSON instead of a summary")
	fs.BoolVar(&o.coreDumps, "core-dumps", false, "let crashed workers write core files")
	fs.IntVar(&o.concurrency, "concurrency", 0, "devices to run in parallel (batch)")
	fs.IntVar(&o.simDevices, "sim-devices", 0, "number of simulated devices")
	fs.Var(&o.inputs, "input", "input tensor `name=f32[d0,d1]`, repeatable")
	fs.Var(&o.outputs, "output", "output tensor `name=f32[d0,d1]`, repeatable")
	fs.Var(o.inputFiles, "input-file", "raw bytes for an input, `name=path`, repeatable")
	klog.InitFlags(fs)
	return o
}

// parse parses args and returns the positional arguments. ok is false when the command
// should exit with code.
func (o *options) parse(args []string) (positional []string, code int, ok bool) {
	if err := o.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, exitOK, false
		}
		return nil, exitUsage, false
	}
	return o.fs.Args(), 0, true
}

// config layers the configuration file, ACCELRUN_* variables and the flags that were set.
// A non-empty isolation overrides the configured one.
func (o *options) config(isolation string) (config.Config, error) {
	cfg := config.Defaults()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return cfg, err
	}
	var err error
	o.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "driver":
			cfg.Driver = o.driver
		case "device":
			cfg.DeviceIndex = o.device
		case "timeout":
			cfg.Timeout = o.timeout
		case "plugin":
			cfg.PluginName = o.plugin
		case "out-dir":
			cfg.RunDir = o.outDir
		case "core-dumps":
			cfg.CoreDumps = o.coreDumps
		case "concurrency":
			cfg.Concurrency = o.concurrency
		case "sim-devices":
			cfg.SimDevices = o.simDevices
		case "profile":
			cfg.Profiling, err = profiling.ParseMode(o.profile)
		}
	})
	if err != nil {
		return cfg, err
	}
	if isolation != "" {
		cfg.Isolation = isolation
	}
	return cfg, cfg.Validate()
}

func (o *options) manager(cfg config.Config, stderr io.Writer) (*manager.Manager, error) {
	mgr, err := manager.New(cfg, registry.Default())
	if err != nil {
		return nil, err
	}
	mgr.Progress = newProgress(stderr)
	if klog.V(1).Enabled() {
		mgr.Runner.Stderr = stderr
	}
	return mgr, nil
}

// job builds the job for source from the configuration and the tensor flags.
func (o *options) job(mgr *manager.Manager, source string) (manager.Job, error) {
	req := mgr.Request(source)
	if o.runID != "" {
		if !identity.ValidRunID(o.runID) {
			return manager.Job{}, errors.Errorf("--run-id %q is not a UUID", o.runID)
		}
		req.RunID = o.runID
	}
	req.Inputs = o.inputs
	req.Outputs = o.outputs
	if len(o.inputFiles) > 0 {
		req.InputFiles = o.inputFiles
	}
	req.SaveOutputs = mgr.Config.RunDir != ""
	return manager.Job{Request: req, Force: o.force}, nil
}

func fail(stderr io.Writer, code int, format string, args ...any) int {
	fmt.Fprintf(stderr, "accelrun: "+format+"\n", args...)
	return code
}
