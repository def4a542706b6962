package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cigate/internal/core"
)

// StatusText styles a run or step status.
func StatusText(s core.Status) string {
	switch s {
	case core.StatusSucceeded:
		return Success(string(s))
	case core.StatusFailed:
		return Error(string(s))
	case core.StatusRunning:
		return Accent(string(s))
	case core.StatusNotRun:
		return Muted("not run")
	default:
		return Muted(string(s))
	}
}

// RenderReport renders a run summary followed by its step table.
func RenderReport(r *core.Report) string {
	var sb strings.Builder

	pairs := []Pair{
		KV("run", r.RunID),
		KV("pipeline", r.Pipeline),
		KV("event", r.Event.String()),
	}
	if r.Event.Commit != "" {
		pairs = append(pairs, KV("commit", r.Event.Commit))
	}
	pairs = append(pairs, KV("status", StatusText(r.Status)))
	if r.FailedStep > 0 {
		if failed := r.FailedStepReport(); failed != nil {
			pairs = append(pairs, KV("failed at", fmt.Sprintf("step %d (%s)", failed.Index, failed.Name)))
		}
	}
	if r.Error != "" {
		pairs = append(pairs, KV("error", r.Error))
	}
	if !r.StartedAt.IsZero() {
		pairs = append(pairs, KV("duration", formatDuration(r.Duration())))
	}
	sb.WriteString(KeyValues("", pairs...))

	rows := make([][]string, 0, len(r.Steps))
	for _, step := range r.Steps {
		exit := ""
		duration := ""
		if step.Status == core.StatusSucceeded || step.Status == core.StatusFailed {
			exit = strconv.Itoa(step.ExitCode)
			duration = formatDuration(step.Duration)
		}
		rows = append(rows, []string{strconv.Itoa(step.Index), step.Name, StatusText(step.Status), exit, duration})
	}
	sb.WriteString(Table([]string{"#", "STEP", "STATUS", "EXIT", "DURATION"}, rows))
	sb.WriteString("\n")
	return sb.String()
}

// RenderRuns renders one row per run.
func RenderRuns(reports []*core.Report) string {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		failed := ""
		if r.FailedStep > 0 {
			failed = strconv.Itoa(r.FailedStep)
		}
		started := ""
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{r.RunID, r.Pipeline, r.Event.String(), StatusText(r.Status), failed, started})
	}
	return Table([]string{"RUN", "PIPELINE", "EVENT", "STATUS", "FAILED STEP", "STARTED"}, rows) + "\n"
}

// Progress prints one line per step transition. It implements
// core.Observer.
type Progress struct {
	Out io.Writer
}

func (p *Progress) RunStarted(r *core.Report) {
	fmt.Fprintln(p.Out, InfoMsg("run %s: %s, %d steps", r.RunID, r.Event.String(), len(r.Steps)))
}

func (p *Progress) StepStarted(r *core.Report, index int) {
	step := r.Steps[index]
	fmt.Fprintf(p.Out, "%s step %d/%d: %s\n", Accent("==>"), step.Index, len(r.Steps), Bold(step.Name))
}

func (p *Progress) StepFinished(r *core.Report, index int) {
	step := r.Steps[index]
	result := Success("ok")
	if step.Status == core.StatusFailed {
		result = Error("failed") + " " + Muted("("+step.Error+")")
	}
	fmt.Fprintf(p.Out, "[pipeline] step %d/%d: %s... %s %s\n",
		step.Index, len(r.Steps), step.Name, result, Muted(formatDuration(step.Duration)))
}

func (p *Progress) RunFinished(r *core.Report) {
	if r.Status == core.StatusSucceeded {
		fmt.Fprintln(p.Out, SuccessMsg("run %s succeeded in %s", r.RunID, formatDuration(r.Duration())))
		return
	}
	if failed := r.FailedStepReport(); failed != nil {
		fmt.Fprintln(p.Out, ErrorMsg("run %s failed at step %d (%s)", r.RunID, failed.Index, failed.Name))
		return
	}
	fmt.Fprintln(p.Out, ErrorMsg("run %s failed: %s", r.RunID, r.Error))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
