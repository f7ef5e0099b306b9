// Package config holds the node-level settings shared by the CLI and the batch manager.
//
// Values are layered: Defaults, then an optional YAML file (Load), then ACCELRUN_* environment
// variables (ApplyEnv), then command-line flags set by the caller.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"accelrun/core/profiling"
)

// Isolation modes.
const (
	InProcess  = "inprocess"
	Subprocess = "subprocess"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACCELRUN_"

// Config drives how executables are run on this node.
type Config struct {
	// Driver is the registry name of the device driver ("sim", "pjrt", "neuron").
	Driver      string `yaml:"driver"`
	DeviceIndex int    `yaml:"device"`
	// Timeout bounds the wait for the native execute call; 0 waits forever.
	Timeout time.Duration `yaml:"timeout"`
	// SupervisorGrace is added to Timeout before the supervisor kills a worker.
	SupervisorGrace time.Duration `yaml:"supervisor_grace"`
	Isolation       string        `yaml:"isolation"`
	RunDir          string        `yaml:"run_dir"`
	CacheDir        string        `yaml:"cache_dir"`
	PluginName      string        `yaml:"plugin"`
	SimDevices      int           `yaml:"sim_devices"`
	// SimMemory is a human readable size ("64MiB"); empty means unlimited.
	SimMemory      string         `yaml:"sim_memory"`
	CoreDumps      bool           `yaml:"core_dumps"`
	Profiling      profiling.Mode `yaml:"profiling"`
	QuarantineFile string         `yaml:"quarantine_file"`
	Concurrency    int            `yaml:"concurrency"`
}

// Defaults returns the configuration for running on the simulated device in a subprocess.
func Defaults() Config {
	return Config{
		Driver:          "sim",
		Timeout:         time.Minute,
		SupervisorGrace: 30 * time.Second,
		Isolation:       Subprocess,
		SimDevices:      1,
		Profiling:       profiling.ProfilingDisabled,
		Concurrency:     1,
	}
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Driver == "" {
		return errors.New("driver required")
	}
	if c.DeviceIndex < 0 {
		return errors.Errorf("device index must be >= 0, got %d", c.DeviceIndex)
	}
	if c.Timeout < 0 || c.SupervisorGrace < 0 {
		return errors.New("timeouts must not be negative")
	}
	switch c.Isolation {
	case InProcess, Subprocess:
	default:
		return errors.Errorf("isolation must be %q or %q, got %q", InProcess, Subprocess, c.Isolation)
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if c.SimDevices < 0 {
		return errors.New("sim_devices must not be negative")
	}
	if _, err := c.SimMemoryBytes(); err != nil {
		return err
	}
	if _, err := profiling.ParseMode(string(c.Profiling)); err != nil {
		return err
	}
	return nil
}

// SimMemoryBytes parses SimMemory.
func (c Config) SimMemoryBytes() (int64, error) {
	if c.SimMemory == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.SimMemory)
	if err != nil {
		return 0, errors.Wrapf(err, "sim_memory %q", c.SimMemory)
	}
	return int64(n), nil
}

// Load reads path on top of Defaults. Keys missing from the file keep their default.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	mode, err := profiling.ParseMode(string(cfg.Profiling))
	if err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.Profiling = mode
	return cfg, nil
}

// ApplyEnv overrides fields from ACCELRUN_<YAML KEY> variables, e.g. ACCELRUN_DRIVER or
// ACCELRUN_SUPERVISOR_GRACE, using lookup (os.LookupEnv when nil).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) { return lookup(EnvPrefix + key) }
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, key)
			}
			*dst = n
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, key)
			}
			*dst = d
		}
		return nil
	}

	str("DRIVER", &c.Driver)
	str("ISOLATION", &c.Isolation)
	str("RUN_DIR", &c.RunDir)
	str("CACHE_DIR", &c.CacheDir)
	str("PLUGIN", &c.PluginName)
	str("SIM_MEMORY", &c.SimMemory)
	str("QUARANTINE_FILE", &c.QuarantineFile)
	if v, ok := get("PROFILING"); ok {
		mode, err := profiling.ParseMode(v)
		if err != nil {
			return err
		}
		c.Profiling = mode
	}
	if v, ok := get("CORE_DUMPS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sCORE_DUMPS", EnvPrefix)
		}
		c.CoreDumps = b
	}
	for key, dst := range map[string]*int{"DEVICE": &c.DeviceIndex, "SIM_DEVICES": &c.SimDevices, "CONCURRENCY": &c.Concurrency} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	if err := duration("TIMEOUT", &c.Timeout); err != nil {
		return err
	}
	return duration("SUPERVISOR_GRACE", &c.SupervisorGrace)
}
