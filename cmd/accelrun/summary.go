package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"accelrun/core/receipt"
	"accelrun/node/enforcement"
	"accelrun/node/manager"
)

var (
	labelStyle       = lipgloss.NewStyle().Width(11).Foreground(lipgloss.Color("8"))
	normalStyle      = lipgloss.NewStyle().Padding(0, 1)
	headerStyle      = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	okStyle          = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	errorStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	crashStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	tableBorderColor = "#705090"
)

func outcomeText(out receipt.Outcome) string {
	text := string(out.Kind)
	style := errorStyle
	switch out.Kind {
	case receipt.OutcomeCompleted:
		style = okStyle
	case receipt.OutcomeCrashed, receipt.OutcomeTimeout:
		style = crashStyle
		var detail []string
		if out.Signal != "" {
			detail = append(detail, out.Signal)
		}
		if out.ExitCode != 0 {
			detail = append(detail, fmt.Sprintf("exit %d", out.ExitCode))
		}
		if len(detail) > 0 {
			text += " (" + strings.Join(detail, ", ") + ")"
		}
	case receipt.OutcomeError:
		if out.ErrorKind != "" {
			text += " " + out.ErrorKind
		}
		if out.NativeStatus != 0 {
			text += fmt.Sprintf(" (status %d)", out.NativeStatus)
		}
	}
	return style.Render(text)
}

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// renderReceipt summarizes a single run.
func renderReceipt(rec *receipt.Receipt, runDir string) string {
	lines := []string{
		field("run", rec.RunID),
		field("outcome", outcomeText(rec.Outcome)),
	}
	if rec.Outcome.Error != "" {
		lines = append(lines, field("error", rec.Outcome.Error))
	}
	if a := rec.Artifact; a != nil {
		desc := a.Source
		if a.Format != "" {
			desc += fmt.Sprintf(" (%s, %s, sha256:%s)", a.Format, a.Size, shortDigest(a.Digest))
		}
		lines = append(lines, field("artifact", desc))
	}
	lines = append(lines,
		field("device", fmt.Sprintf("%s/%d", rec.Device.Driver, rec.Device.Index)),
		field("isolation", rec.Execution.Isolation),
		field("timing", fmt.Sprintf("wall %dms, load %dms, execute %dms", rec.Timing.WallMs, rec.Timing.LoadMs, rec.Timing.ExecuteMs)),
	)
	if r := rec.Resources; r != nil && r.MaxRSSKB > 0 {
		lines = append(lines, field("max rss", humanize.IBytes(uint64(r.MaxRSSKB)*1024)))
	}
	for _, in := range rec.Inputs {
		value := in.Spec
		if in.ZeroFilled {
			value += " (zeros)"
		}
		lines = append(lines, field("input", value))
	}
	for _, out := range rec.Outputs {
		value := out.Spec
		if out.Digest != "" {
			value += " sha256:" + shortDigest(out.Digest)
		}
		if out.File != "" && runDir != "" {
			value += " " + filepath.Join(runDir, out.File)
		}
		lines = append(lines, field("output", value))
	}
	if rec.PostMortem != "" {
		lines = append(lines, field("postmortem", rec.PostMortem))
	}
	if runDir != "" {
		lines = append(lines, field("run dir", runDir))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return normalStyle
		})
}

// renderBatch is one table row per job.
func renderBatch(responses []manager.Response) string {
	t := newTable("artifact", "device", "outcome", "wall", "detail")
	for _, resp := range responses {
		req := resp.Job.Request
		device := fmt.Sprintf("%s/%d", req.Driver, req.Device)
		switch {
		case resp.Quarantine != nil:
			t.Row(req.Artifact, device, crashStyle.Render("quarantined"), "", resp.Quarantine.Outcome+" in run "+resp.Quarantine.RunID)
		case resp.Receipt == nil:
			t.Row(req.Artifact, device, errorStyle.Render("not run"), "", fmt.Sprint(resp.Err))
		default:
			rec := resp.Receipt
			detail := rec.Outcome.Error
			if rec.PostMortem != "" {
				detail = rec.PostMortem
			}
			t.Row(req.Artifact, device, outcomeText(rec.Outcome), fmt.Sprintf("%dms", rec.Timing.WallMs), detail)
		}
	}
	return t.Render()
}

func renderInspection(info inspection) string {
	lines := []string{
		field("artifact", info.Source),
		field("format", info.Format),
		field("sha256", info.Digest),
		field("size", info.Size),
	}
	for _, in := range info.Inputs {
		lines = append(lines, field("input", in.String()))
	}
	for _, out := range info.Outputs {
		lines = append(lines, field("output", out.String()))
	}
	if q := info.Quarantined; q != nil {
		lines = append(lines, field("quarantine", crashStyle.Render(fmt.Sprintf("%s in run %s since %s",
			q.Outcome, q.RunID, humanize.Time(q.Since)))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderQuarantine(entries []enforcement.Entry) string {
	if len(entries) == 0 {
		return "no quarantined artifacts"
	}
	t := newTable("sha256", "outcome", "signal", "run", "since", "source")
	for _, e := range entries {
		t.Row(shortDigest(e.Digest), e.Outcome, e.Signal, e.RunID, humanize.Time(e.Since), e.Source)
	}
	return t.Render()
}
