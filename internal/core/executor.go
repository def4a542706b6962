package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cigate/internal/environment"
)

// Executor is responsible for running steps inside an environment.
type Executor struct {
	// DefaultTimeout applies to steps without their own timeout. Zero
	// means no limit.
	DefaultTimeout time.Duration
}

func NewExecutor() *Executor {
	return &Executor{}
}

// StepResult captures the outcome of a single step.
type StepResult struct {
	ExitCode int
	Output   []byte
	Duration time.Duration
	Err      error // nil iff the step succeeded
}

// RunStep executes a single step in env. vars are the run-level variables;
// the step's own Env is layered over them. Combined output is captured and
// copied to live as it is produced.
func (e *Executor) RunStep(ctx context.Context, env environment.Environment, step Step, vars map[string]string, live io.Writer) StepResult {
	start := time.Now()

	script, err := step.script()
	if err != nil {
		return StepResult{ExitCode: -1, Duration: time.Since(start), Err: err}
	}

	timeout := e.DefaultTimeout
	if step.Timeout != "" {
		parsed, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return StepResult{ExitCode: -1, Duration: time.Since(start), Err: fmt.Errorf("invalid timeout %q: %w", step.Timeout, err)}
		}
		timeout = parsed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out syncBuffer
	w := io.Writer(&out)
	if live != nil {
		w = io.MultiWriter(&out, live)
	}

	exitCode, err := env.Exec(ctx, environment.Command{
		Script: script,
		Env:    mergeVars(vars, step.Env),
		Stdout: w,
		Stderr: w,
	})
	result := StepResult{ExitCode: exitCode, Output: out.Bytes(), Duration: time.Since(start)}

	switch {
	case err != nil && timeout > 0 && errors.Is(err, context.DeadlineExceeded):
		result.Err = fmt.Errorf("timed out after %s", timeout)
	case err != nil:
		result.Err = err
	case exitCode != 0:
		result.Err = fmt.Errorf("exit code %d", exitCode)
	}
	return result
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
