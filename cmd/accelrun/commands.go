package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"accelrun/core/artifact"
	"accelrun/core/harness"
	"accelrun/core/receipt"
	"accelrun/core/tensor"
	"accelrun/node/config"
	"accelrun/node/enforcement"
	"accelrun/node/manager"
)

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return single(ctx, "run", config.InProcess, args, stdout, stderr)
}

func superviseCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return single(ctx, "supervise", config.Subprocess, args, stdout, stderr)
}

func single(ctx context.Context, name, isolation string, args []string, stdout, stderr io.Writer) int {
	o := newOptions(name, stderr)
	positional, code, ok := o.parse(args)
	if !ok {
		return code
	}
	if len(positional) != 1 {
		return fail(stderr, exitUsage, "%s takes exactly one artifact", name)
	}
	cfg, err := o.config(isolation)
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}
	mgr, err := o.manager(cfg, stderr)
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}
	job, err := o.job(mgr, positional[0])
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}

	resp := mgr.Run(ctx, job)
	if resp.Quarantine != nil {
		return fail(stderr, exitQuarantined, "%v (use --force to run it anyway)", resp.Err)
	}
	if resp.Receipt == nil {
		return fail(stderr, exitStatusForError(resp.Err), "%v", resp.Err)
	}
	if o.jsonOut {
		writeJSON(stdout, resp.Receipt)
	} else {
		printLine(stdout, renderReceipt(resp.Receipt, resp.RunDir))
	}
	if resp.Err != nil {
		return fail(stderr, exitFailure, "%v", resp.Err)
	}
	return exitStatus(resp.Receipt.Outcome)
}

// exitStatus maps an outcome to the command's exit status. Crashes and supervisor kills exit
// 128+signal, typed errors exit with the same status a worker would.
func exitStatus(out receipt.Outcome) int {
	switch out.Kind {
	case receipt.OutcomeCompleted:
		return exitOK
	case receipt.OutcomeCrashed, receipt.OutcomeTimeout:
		if n := signalNumber(out.Signal); n > 0 {
			return 128 + n
		}
	case receipt.OutcomeError:
		if kind := harness.ParseKind(out.ErrorKind); kind != harness.KindUnknown {
			return kind.ExitCode()
		}
	}
	if out.ExitCode > 0 {
		return out.ExitCode
	}
	return exitFailure
}

func exitStatusForError(err error) int {
	if kind := harness.KindOf(err); kind != harness.KindUnknown {
		return kind.ExitCode()
	}
	return exitFailure
}

func batchCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o := newOptions("batch", stderr)
	positional, code, ok := o.parse(args)
	if !ok {
		return code
	}
	if len(positional) == 0 {
		return fail(stderr, exitUsage, "batch needs at least one artifact")
	}
	if o.runID != "" {
		return fail(stderr, exitUsage, "--run-id cannot be used with batch")
	}
	cfg, err := o.config("")
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}
	mgr, err := o.manager(cfg, stderr)
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}
	jobs := make([]manager.Job, len(positional))
	for i, source := range positional {
		if jobs[i], err = o.job(mgr, source); err != nil {
			return fail(stderr, exitUsage, "%v", err)
		}
	}

	responses := mgr.RunBatch(ctx, jobs)
	if o.jsonOut {
		receipts := make([]*receipt.Receipt, 0, len(responses))
		for _, resp := range responses {
			if resp.Receipt != nil {
				receipts = append(receipts, resp.Receipt)
			}
		}
		writeJSON(stdout, receipts)
	} else {
		printLine(stdout, renderBatch(responses))
	}
	failed := 0
	for _, resp := range responses {
		if resp.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return fail(stderr, exitFailure, "%d of %d runs did not complete", failed, len(responses))
	}
	return exitOK
}

// inspection is what inspect reports about an artifact.
type inspection struct {
	Source      string             `json:"source"`
	Format      string             `json:"format"`
	Digest      string             `json:"sha256"`
	SizeBytes   int64              `json:"size_bytes"`
	Size        string             `json:"size"`
	Inputs      []tensor.Spec      `json:"inputs"`
	Outputs     []tensor.Spec      `json:"outputs"`
	Quarantined *enforcement.Entry `json:"quarantined,omitempty"`
}

func inspectCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o := newOptions("inspect", stderr)
	positional, code, ok := o.parse(args)
	if !ok {
		return code
	}
	if len(positional) != 1 {
		return fail(stderr, exitUsage, "inspect takes exactly one artifact")
	}
	cfg, err := o.config("")
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}
	exe, err := artifact.Load(ctx, positional[0], artifact.Options{
		CacheDir: cfg.CacheDir,
		Progress: newProgress(stderr),
		Inputs:   o.inputs,
		Outputs:  o.outputs,
	})
	if err != nil {
		return fail(stderr, harness.LoadError.ExitCode(), "%v", err)
	}
	info := inspection{
		Source:    exe.Source,
		Format:    string(exe.Format),
		Digest:    exe.Digest,
		SizeBytes: int64(exe.Size()),
		Size:      humanize.IBytes(uint64(exe.Size())),
		Inputs:    exe.Inputs,
		Outputs:   exe.Outputs,
	}
	if cfg.QuarantineFile != "" {
		q, err := enforcement.NewQuarantine(cfg.QuarantineFile)
		if err != nil {
			return fail(stderr, exitFailure, "%v", err)
		}
		if entry, found, err := q.Quarantined(exe.Digest); err != nil {
			return fail(stderr, exitFailure, "%v", err)
		} else if found {
			info.Quarantined = &entry
		}
	}
	if o.jsonOut {
		writeJSON(stdout, info)
	} else {
		printLine(stdout, renderInspection(info))
	}
	return exitOK
}

func quarantineCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o := newOptions("quarantine", stderr)
	positional, code, ok := o.parse(args)
	if !ok {
		return code
	}
	cfg, err := o.config("")
	if err != nil {
		return fail(stderr, exitUsage, "%v", err)
	}
	if cfg.QuarantineFile == "" {
		return fail(stderr, exitUsage, "no quarantine_file configured (set it in --config or ACCELRUN_QUARANTINE_FILE)")
	}
	q, err := enforcement.NewQuarantine(cfg.QuarantineFile)
	if err != nil {
		return fail(stderr, exitFailure, "%v", err)
	}
	switch {
	case len(positional) == 1 && positional[0] == "list":
		entries, err := q.Entries()
		if err != nil {
			return fail(stderr, exitFailure, "%v", err)
		}
		if o.jsonOut {
			writeJSON(stdout, entries)
		} else {
			printLine(stdout, renderQuarantine(entries))
		}
		return exitOK
	case len(positional) == 2 && positional[0] == "release":
		if err := q.Release(positional[1]); err != nil {
			return fail(stderr, exitFailure, "%v", errors.WithMessage(err, "releasing artifact"))
		}
		return exitOK
	}
	return fail(stderr, exitUsage, "quarantine takes list or release <digest>")
}

func writeJSON(w io.Writer, v any) {
	printLine(w, string(must.M1(json.MarshalIndent(v, "", "  "))))
}

func printLine(w io.Writer, s string) {
	_, _ = io.WriteString(w, s+"\n")
}
