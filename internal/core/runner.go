package core

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cigate/internal/environment"
	"cigate/internal/ledger"
	"cigate/internal/storage"
	"cigate/internal/telemetry"
	"cigate/internal/trigger"
	"cigate/pkg/utils"
)

// Recorder persists a report every time it changes state.
type Recorder interface {
	RecordRun(ctx context.Context, report *Report) error
}

// Observer is notified as a run progresses. Calls are made from the
// goroutine executing the run.
type Observer interface {
	RunStarted(report *Report)
	StepStarted(report *Report, index int)
	StepFinished(report *Report, index int)
	RunFinished(report *Report)
}

// Runner ties together scheduler, executor, environment, log storage,
// history and ledger.
type Runner struct {
	Provisioner environment.Provisioner
	Scheduler   *Scheduler
	Executor    *Executor

	// Optional collaborators. Failures in any of them are logged and never
	// change the outcome of a run.
	Logs       *storage.LogStorage
	Ledger     *ledger.Ledger
	SigningKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Recorder   Recorder
	Observer   Observer

	Tracer trace.Tracer
	Logger *slog.Logger

	// Output receives the live combined output of every step.
	Output io.Writer
}

// NewRunner returns a runner executing in environments from provisioner.
func NewRunner(provisioner environment.Provisioner) *Runner {
	return &Runner{
		Provisioner: provisioner,
		Scheduler:   NewScheduler(),
		Executor:    NewExecutor(),
		Logger:      slog.Default(),
	}
}

// Dispatch evaluates the pipeline's trigger rules against ev and, on a
// match, creates and executes a run. triggered is false when no rule
// matched; that is not an error and no run exists. A failed run returns
// its report together with a *StepError.
func (r *Runner) Dispatch(ctx context.Context, p *Pipeline, ev trigger.Event) (*Report, bool, error) {
	if !trigger.Match(p.Rules(), ev) {
		r.logger().Info("event does not match any trigger rule, no run created",
			"pipeline", p.Name, "event", ev.String())
		return nil, false, nil
	}
	report := NewReport(p, ev)
	return report, true, r.Execute(ctx, p, report)
}

// Execute runs an already created run to completion: one fresh
// environment, steps in declaration order, stopping at the first failure.
func (r *Runner) Execute(ctx context.Context, p *Pipeline, report *Report) (err error) {
	if report.Status != StatusPending {
		return fmt.Errorf("run %s is %s, not pending", report.RunID, report.Status)
	}

	steps := r.scheduler().Order(p)
	if len(report.Steps) != len(steps) {
		report.Steps = NewReport(p, report.Event).Steps
	}

	logger := r.logger().With("run_id", report.RunID, "pipeline", p.Name)
	report.Status = StatusRunning
	report.StartedAt = time.Now().UTC()
	logger.Info("run started", "event", report.Event.String(), "steps", len(steps))
	r.record(ctx, report)
	if r.Observer != nil {
		r.Observer.RunStarted(report)
	}

	op, terr := telemetry.StartRun(ctx, r.tracer(), report.RunID, runPlan(p, report))
	if terr != nil {
		logger.Warn("tracing disabled for run", "error", terr)
	} else {
		ctx = op.Context()
	}

	defer func() {
		report.FinishedAt = time.Now().UTC()
		if err == nil {
			report.Status = StatusSucceeded
		} else {
			report.Status = StatusFailed
			report.Error = err.Error()
		}
		op.End(err)
		r.record(context.WithoutCancel(ctx), report)
		if r.Observer != nil {
			r.Observer.RunFinished(report)
		}
		logger.Info("run finished", "status", report.Status, "failed_step", report.FailedStep, "duration", report.Duration())
	}()

	if issues := Validate(p); len(issues) > 0 {
		markNotRun(report, 0)
		return fmt.Errorf("invalid pipeline: %s", strings.Join(issues, "; "))
	}

	env, err := r.Provisioner.Provision(ctx, report.RunID)
	if err != nil {
		markNotRun(report, 0)
		return fmt.Errorf("provision environment: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if cerr := env.Close(closeCtx); cerr != nil {
			logger.Warn("cannot discard environment", "error", cerr)
		}
	}()

	vars := runVariables(p, report, env.Workdir())
	for i, step := range steps {
		sr := &report.Steps[i]
		sr.Status = StatusRunning
		r.record(ctx, report)
		if r.Observer != nil {
			r.Observer.StepStarted(report, i)
		}
		logger.Debug("step started", "step", sr.Name, "index", sr.Index)

		var result StepResult
		stepErr := op.RunStep(ctx, sr.Index, func(stepCtx context.Context, span trace.Span) error {
			result = r.executor().RunStep(stepCtx, env, step, vars, r.Output)
			span.SetAttributes(attribute.Int(telemetry.ExitCodeKey, result.ExitCode))
			return result.Err
		})

		sr.ExitCode = result.ExitCode
		sr.Duration = result.Duration
		if stepErr == nil {
			sr.Status = StatusSucceeded
		} else {
			sr.Status = StatusFailed
			sr.Error = stepErr.Error()
		}
		r.storeLog(logger, report, sr, result.Output)
		r.attest(logger, report, sr)
		r.record(ctx, report)
		if r.Observer != nil {
			r.Observer.StepFinished(report, i)
		}

		if stepErr != nil {
			logger.Warn("step failed", "step", sr.Name, "index", sr.Index, "exit_code", sr.ExitCode, "error", stepErr)
			report.FailedStep = sr.Index
			markNotRun(report, i+1)
			return &StepError{Index: sr.Index, Name: sr.Name, ExitCode: sr.ExitCode, Err: stepErr}
		}
		logger.Debug("step succeeded", "step", sr.Name, "duration", sr.Duration)
	}
	return nil
}

// markNotRun marks every step from index on as never executed.
func markNotRun(report *Report, from int) {
	for i := from; i < len(report.Steps); i++ {
		report.Steps[i].Status = StatusNotRun
	}
}

// runVariables returns the variables every step of the run sees: the
// pipeline env overlaid with the run's own variables.
func runVariables(p *Pipeline, report *Report, workdir string) map[string]string {
	return mergeVars(p.Env, map[string]string{
		"CI":                  "true",
		"CIGATE_RUN_ID":       report.RunID,
		"CIGATE_PIPELINE":     p.Name,
		"CIGATE_EVENT":        string(report.Event.Kind),
		"CIGATE_REF":          report.Event.Ref,
		"CIGATE_COMMIT":       report.Event.Commit,
		"CIGATE_BRANCH":       report.Event.TargetBranch(),
		"CIGATE_REPOSITORY":   report.Event.Repository,
		"CIGATE_CHECKOUT_REF": report.Event.CheckoutRef(),
		"CIGATE_WORKSPACE":    workdir,
	})
}

func (r *Runner) storeLog(logger *slog.Logger, report *Report, sr *StepReport, output []byte) {
	sr.LogHash = utils.HashBytes(output)
	if r.Logs == nil {
		return
	}
	path, err := r.Logs.SaveLog(report.RunID, sr.Index-1, sr.Name, output)
	if err != nil {
		logger.Warn("cannot save step log", "step", sr.Name, "error", err)
		return
	}
	sr.LogPath = path
}

func (r *Runner) attest(logger *slog.Logger, report *Report, sr *StepReport) {
	if r.Ledger == nil {
		return
	}
	blk := &ledger.Block{
		RunID:     report.RunID,
		Pipeline:  report.Pipeline,
		StepIndex: sr.Index,
		Step:      sr.Name,
		Status:    string(sr.Status),
		ExitCode:  sr.ExitCode,
		LogPath:   sr.LogPath,
		LogHash:   sr.LogHash,
	}
	if err := r.Ledger.Append(blk, r.SigningKey, r.PublicKey); err != nil {
		logger.Warn("cannot append ledger block", "step", sr.Name, "error", err)
		return
	}
	logger.Debug("ledger block appended", "index", blk.Index, "hash", blk.Hash[:16])
}

func (r *Runner) record(ctx context.Context, report *Report) {
	if r.Recorder == nil {
		return
	}
	if err := r.Recorder.RecordRun(ctx, report); err != nil && !errors.Is(err, context.Canceled) {
		r.logger().Warn("cannot record run", "run_id", report.RunID, "error", err)
	}
}

// runPlan describes the run for its root span.
func runPlan(p *Pipeline, report *Report) telemetry.Plan {
	plan := telemetry.Plan{
		Pipeline: p.Name,
		Trigger:  report.Event.String(),
		Commit:   report.Event.Commit,
		Steps:    make([]telemetry.PlannedStep, 0, len(report.Steps)),
	}
	for i, sr := range report.Steps {
		action := "run"
		if i < len(p.Steps) && p.Steps[i].Uses != "" {
			action = p.Steps[i].Uses
		}
		plan.Steps = append(plan.Steps, telemetry.PlannedStep{Index: sr.Index, Name: sr.Name, Action: action})
	}
	return plan
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return otel.Tracer("cigate/core")
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) scheduler() *Scheduler {
	if r.Scheduler != nil {
		return r.Scheduler
	}
	return NewScheduler()
}

func (r *Runner) executor() *Executor {
	if r.Executor != nil {
		return r.Executor
	}
	return NewExecutor()
}
