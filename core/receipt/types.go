package receipt

// OutcomeKind is how a supervised attempt ended.
type OutcomeKind string

const (
	// OutcomeCompleted: the worker ran the executable and exited 0.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeError: the worker reported a typed harness error (see Outcome.ErrorKind).
	OutcomeError OutcomeKind = "error"
	// OutcomeCrashed: the worker died from a signal or a fatal runtime error.
	OutcomeCrashed OutcomeKind = "crashed"
	// OutcomeTimeout: the supervisor killed the worker at its deadline.
	OutcomeTimeout OutcomeKind = "timeout"
	// OutcomeStartFailed: the worker process could not be started.
	OutcomeStartFailed OutcomeKind = "start-failed"
)

// Abnormal reports whether the outcome warrants a post-mortem bundle.
func (k OutcomeKind) Abnormal() bool {
	return k == OutcomeCrashed || k == OutcomeTimeout
}

// Receipt is the JSON record written for every supervised attempt.
type Receipt struct {
	Version     string            `json:"version"`
	CoreVersion string            `json:"core_version"`
	RunID       string            `json:"run_id"`
	ExecutionID string            `json:"execution_id,omitempty"`
	StartTime   string            `json:"start_time,omitempty"`
	EndTime     string            `json:"end_time,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	Artifact    *Artifact     `json:"artifact,omitempty"`
	Device      Device        `json:"device"`
	Inputs      []TensorInfo  `json:"inputs"`
	Outputs     []TensorInfo  `json:"outputs"`
	Outcome     Outcome       `json:"outcome"`
	Timing      Timing        `json:"timing"`
	Execution   ExecutionInfo `json:"execution"`
	Environment Environment   `json:"environment"`

	Resources   *Resources   `json:"resources,omitempty"`
	Streams     Streams      `json:"streams"`
	Observation *Observation `json:"observation,omitempty"`
	// PostMortem is the bundle directory, set for crashed and timed out attempts.
	PostMortem string `json:"post_mortem,omitempty"`
}

type Artifact struct {
	Source    string `json:"source"`
	Format    string `json:"format"`
	Digest    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Size      string `json:"size"`
}

type Device struct {
	Driver string `json:"driver"`
	Index  int    `json:"index"`
	Plugin string `json:"plugin,omitempty"`
}

// TensorInfo describes one input or output. Digest and File are set for outputs the worker
// wrote back.
type TensorInfo struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	Bytes  int    `json:"bytes"`
	Size   string `json:"size"`
	Digest string `json:"sha256,omitempty"`
	File   string `json:"file,omitempty"`
	// ZeroFilled marks inputs uploaded as zeros for lack of data.
	ZeroFilled bool `json:"zero_filled,omitempty"`
}

type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	ExitCode int         `json:"exit_code"`
	Signal   string      `json:"signal,omitempty"`
	// ErrorKind is the harness error kind for OutcomeError.
	ErrorKind    string `json:"error_kind,omitempty"`
	Error        string `json:"error,omitempty"`
	NativeStatus int    `json:"native_status,omitempty"`
}

type Timing struct {
	WallMs    int64 `json:"wall_ms"`
	LoadMs    int64 `json:"load_ms"`
	ExecuteMs int64 `json:"execute_ms"`
	CPUTimeMs int64 `json:"cpu_time_ms"`
}

type Resources struct {
	CPUTimeMs int64 `json:"cpu_time_ms,omitempty"`
	MaxRSSKB  int64 `json:"max_rss_kb,omitempty"`
}

// ExecutionInfo names how the attempt was isolated.
type ExecutionInfo struct {
	Backend   string `json:"backend"`
	Isolation string `json:"isolation"`
}

type Environment struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname,omitempty"`
}

// Streams fingerprints the worker's stdout and stderr and keeps the end of stderr, where
// runtime tracebacks land.
type Streams struct {
	StdoutHash string `json:"stdout_sha256"`
	StderrHash string `json:"stderr_sha256"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// Observation is what the profiler saw the worker process tree do.
type Observation struct {
	Mode      string         `json:"mode"`
	Processes []ProcessEntry `json:"processes"`
	Reads     []string       `json:"reads"`
	Writes    []string       `json:"writes"`
	Syscalls  map[string]int `json:"syscalls"`
	Errors    []string       `json:"errors,omitempty"`
}

type ProcessEntry struct {
	PID  uint32 `json:"pid"`
	PPID uint32 `json:"ppid"`
	Cmd  string `json:"cmd"`
}
