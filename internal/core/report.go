package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"cigate/internal/trigger"
)

// Status is the state of a run or of a single step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusNotRun    Status = "not_run" // steps only
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusNotRun
}

// Report is the observable record of one run.
type Report struct {
	RunID      string        `json:"run_id"`
	Pipeline   string        `json:"pipeline"`
	Event      trigger.Event `json:"event"`
	Status     Status        `json:"status"`
	FailedStep int           `json:"failed_step,omitempty"` // 1-indexed, 0 when no step failed
	Error      string        `json:"error,omitempty"`
	Steps      []StepReport  `json:"steps"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// StepReport is the outcome of one step.
type StepReport struct {
	Index    int           `json:"index"` // 1-indexed
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	LogPath  string        `json:"log_path,omitempty"`
	LogHash  string        `json:"log_hash,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// NewReport creates a pending run of p for ev with a fresh run ID.
func NewReport(p *Pipeline, ev trigger.Event) *Report {
	report := &Report{
		RunID:    uuid.NewString(),
		Pipeline: p.Name,
		Event:    ev,
		Status:   StatusPending,
		Steps:    make([]StepReport, len(p.Steps)),
	}
	for i, step := range p.Steps {
		report.Steps[i] = StepReport{Index: i + 1, Name: step.DisplayName(), Status: StatusPending}
	}
	return report
}

// FailedStepReport returns the step the run failed at, if any.
func (r *Report) FailedStepReport() *StepReport {
	if r.FailedStep < 1 || r.FailedStep > len(r.Steps) {
		return nil
	}
	return &r.Steps[r.FailedStep-1]
}

// Duration is the wall time of the run so far.
func (r *Report) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	out := *r
	out.Steps = append([]StepReport(nil), r.Steps...)
	return &out
}

// StepError attributes a run failure to one step.
type StepError struct {
	Index    int // 1-indexed
	Name     string
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
