package core

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"cigate/internal/ledger"
	"cigate/internal/security"
	"cigate/internal/storage"
	"cigate/internal/telemetry"
	"cigate/internal/trigger"
)

func pushTo(branch string) trigger.Event {
	return trigger.Event{Kind: trigger.KindPush, Ref: "refs/heads/" + branch, Commit: "c0ffee", Repository: "https://example.com/crate.git"}
}

func pullRequestInto(base string) trigger.Event {
	return trigger.Event{Kind: trigger.KindPullRequest, Ref: "refs/pull/7/merge", BaseRef: base, HeadRef: "feature/y", Commit: "beef", Repository: "https://example.com/crate.git"}
}

func stepStatuses(report *Report) []Status {
	out := make([]Status, len(report.Steps))
	for i, s := range report.Steps {
		out[i] = s.Status
	}
	return out
}

func repeatStatus(s Status, n int) []Status {
	out := make([]Status, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestRunnerScenarios(t *testing.T) {
	tests := []struct {
		name         string
		event        trigger.Event
		exitCodes    map[string]int
		wantStatus   Status
		wantFailed   int
		wantSteps    []Status
		wantExecuted int
	}{
		{
			name:         "push to main, all checks pass",
			event:        pushTo("main"),
			wantStatus:   StatusSucceeded,
			wantSteps:    repeatStatus(StatusSucceeded, 8),
			wantExecuted: 8,
		},
		{
			name:       "pull request into main with formatting diff",
			event:      pullRequestInto("main"),
			exitCodes:  map[string]int{"cargo fmt": 1},
			wantStatus: StatusFailed,
			wantFailed: 4,
			wantSteps: append(append(repeatStatus(StatusSucceeded, 3), StatusFailed),
				repeatStatus(StatusNotRun, 4)...),
			wantExecuted: 4,
		},
		{
			name:         "pull request into main with failing examples",
			event:        pullRequestInto("main"),
			exitCodes:    map[string]int{"cargo test --examples": 101},
			wantStatus:   StatusFailed,
			wantFailed:   8,
			wantSteps:    append(repeatStatus(StatusSucceeded, 7), StatusFailed),
			wantExecuted: 8,
		},
		{
			name:         "first step fails",
			event:        pushTo("main"),
			exitCodes:    map[string]int{"git fetch": 128},
			wantStatus:   StatusFailed,
			wantFailed:   1,
			wantSteps:    append([]Status{StatusFailed}, repeatStatus(StatusNotRun, 7)...),
			wantExecuted: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &fakeProvisioner{exitCodes: tt.exitCodes}
			runner := NewRunner(prov)

			report, triggered, err := runner.Dispatch(context.Background(), DefaultPipeline(), tt.event)
			if !triggered {
				t.Fatal("expected a run to be created")
			}
			if report.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", report.Status, tt.wantStatus)
			}
			if report.FailedStep != tt.wantFailed {
				t.Errorf("failed step = %d, want %d", report.FailedStep, tt.wantFailed)
			}
			if diff := cmp.Diff(tt.wantSteps, stepStatuses(report)); diff != "" {
				t.Errorf("step statuses mismatch (-want +got):\n%s", diff)
			}
			if got := len(prov.lastEnv().executed()); got != tt.wantExecuted {
				t.Errorf("executed %d steps, want %d", got, tt.wantExecuted)
			}
			if prov.provisioned != 1 {
				t.Errorf("provisioned %d environments, want 1", prov.provisioned)
			}
			if !prov.lastEnv().closed {
				t.Error("environment was not discarded")
			}

			if tt.wantFailed == 0 {
				if err != nil {
					t.Fatalf("Dispatch() error = %v", err)
				}
				return
			}
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("Dispatch() error = %v, want *StepError", err)
			}
			if stepErr.Index != tt.wantFailed {
				t.Errorf("StepError.Index = %d, want %d", stepErr.Index, tt.wantFailed)
			}
			for _, code := range tt.exitCodes {
				if stepErr.ExitCode != code {
					t.Errorf("StepError.ExitCode = %d, want %d", stepErr.ExitCode, code)
				}
			}
			if report.Error == "" {
				t.Error("failed report carries no error")
			}
		})
	}
}

func TestRunnerNoRunForNonMatchingEvents(t *testing.T) {
	events := []trigger.Event{
		pushTo("feature/x"),
		pullRequestInto("develop"),
		{Kind: trigger.KindPush, Ref: "refs/tags/v1.0.0"},
	}
	for _, ev := range events {
		t.Run(ev.String(), func(t *testing.T) {
			prov := &fakeProvisioner{}
			report, triggered, err := NewRunner(prov).Dispatch(context.Background(), DefaultPipeline(), ev)
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if triggered || report != nil {
				t.Fatalf("expected no run, got triggered=%v report=%v", triggered, report)
			}
			if prov.provisioned != 0 {
				t.Errorf("provisioned %d environments, want 0", prov.provisioned)
			}
		})
	}
}

func TestRunnerExecutesStepsInDeclaredOrder(t *testing.T) {
	prov := &fakeProvisioner{}
	p := DefaultPipeline()
	if _, _, err := NewRunner(prov).Dispatch(context.Background(), p, pushTo("main")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	want := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		script, err := step.script()
		if err != nil {
			t.Fatalf("script(%q): %v", step.DisplayName(), err)
		}
		want[i] = script
	}
	if diff := cmp.Diff(want, prov.lastEnv().executed()); diff != "" {
		t.Errorf("executed scripts mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerIdenticalInputsGiveIdenticalOutcomes(t *testing.T) {
	run := func() []StepReport {
		prov := &fakeProvisioner{exitCodes: map[string]int{"cargo clippy": 1}}
		report, _, _ := NewRunner(prov).Dispatch(context.Background(), DefaultPipeline(), pullRequestInto("main"))
		out := make([]StepReport, len(report.Steps))
		for i, s := range report.Steps {
			out[i] = StepReport{Index: s.Index, Name: s.Name, Status: s.Status, ExitCode: s.ExitCode, LogHash: s.LogHash}
		}
		return out
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("outcomes differ between identical runs (-first +second):\n%s", diff)
	}
}

func TestRunnerStepVariables(t *testing.T) {
	prov := &fakeProvisioner{}
	p := &Pipeline{
		Name: "vars",
		Env:  map[string]string{"CARGO_TERM_COLOR": "always", "SHARED": "pipeline"},
		Steps: []Step{
			{Name: "one", Run: "true", Env: map[string]string{"SHARED": "step"}},
			{Name: "two", Run: "true"},
		},
	}
	report, _, err := NewRunner(prov).Dispatch(context.Background(), p, pushTo("main"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	envs := prov.lastEnv().envs
	if len(envs) != 2 {
		t.Fatalf("got %d step environments, want 2", len(envs))
	}
	checks := map[string]string{
		"CI":                  "true",
		"CARGO_TERM_COLOR":    "always",
		"CIGATE_RUN_ID":       report.RunID,
		"CIGATE_COMMIT":       "c0ffee",
		"CIGATE_REF":          "refs/heads/main",
		"CIGATE_BRANCH":       "main",
		"CIGATE_CHECKOUT_REF": "c0ffee",
		"CIGATE_WORKSPACE":    "/workspace",
	}
	for key, want := range checks {
		if got := envs[0][key]; got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if envs[0]["SHARED"] != "step" || envs[1]["SHARED"] != "pipeline" {
		t.Errorf("SHARED = %q/%q, want step/pipeline", envs[0]["SHARED"], envs[1]["SHARED"])
	}
}

func TestRunnerProvisioningFailure(t *testing.T) {
	prov := &fakeProvisioner{provisionErr: errors.New("docker daemon unavailable")}
	report, triggered, err := NewRunner(prov).Dispatch(context.Background(), DefaultPipeline(), pushTo("main"))
	if !triggered {
		t.Fatal("expected a run to be created")
	}
	if err == nil || !strings.Contains(err.Error(), "docker daemon unavailable") {
		t.Fatalf("Dispatch() error = %v, want provisioning error", err)
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		t.Error("provisioning failure must not be attributed to a step")
	}
	if report.Status != StatusFailed || report.FailedStep != 0 {
		t.Errorf("status=%s failed_step=%d, want failed/0", report.Status, report.FailedStep)
	}
	if diff := cmp.Diff(repeatStatus(StatusNotRun, 8), stepStatuses(report)); diff != "" {
		t.Errorf("step statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerRejectsInvalidPipeline(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  string
	}{
		{name: "unknown action", steps: []Step{{Name: "toolchain", Uses: "actions/setup-rust@v1"}, {Name: "test", Run: "cargo test"}}, want: "unknown action"},
		{name: "empty step", steps: []Step{{Name: "nothing"}}, want: "one of run or uses is required"},
		{name: "bad timeout", steps: []Step{{Name: "test", Run: "cargo test", Timeout: "soon"}}, want: "invalid timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &fakeProvisioner{}
			p := &Pipeline{Name: "invalid", Steps: tt.steps}
			report, triggered, err := NewRunner(prov).Dispatch(context.Background(), p, pushTo("main"))
			if !triggered {
				t.Fatal("expected a run to be created")
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Dispatch() error = %v, want %q", err, tt.want)
			}
			if report.Status != StatusFailed {
				t.Errorf("status = %s, want failed", report.Status)
			}
			if diff := cmp.Diff(repeatStatus(StatusNotRun, len(tt.steps)), stepStatuses(report)); diff != "" {
				t.Errorf("step statuses mismatch (-want +got):\n%s", diff)
			}
			if prov.provisioned != 0 {
				t.Errorf("provisioned %d environments for an invalid pipeline", prov.provisioned)
			}
		})
	}
}

func TestRunnerCancelledContextFailsStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prov := &fakeProvisioner{}
	report, _, err := NewRunner(prov).Dispatch(ctx, DefaultPipeline(), pushTo("main"))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch() error = %v, want cancelled step", err)
	}
	if report.FailedStep != 1 {
		t.Errorf("failed step = %d, want 1", report.FailedStep)
	}
}

func TestExecuteRejectsStartedRun(t *testing.T) {
	p := DefaultPipeline()
	report := NewReport(p, pushTo("main"))
	report.Status = StatusSucceeded
	if err := NewRunner(&fakeProvisioner{}).Execute(context.Background(), p, report); err == nil {
		t.Fatal("expected error executing a finished run")
	}
}

type recordingRecorder struct {
	mu        sync.Mutex
	snapshots []*Report
}

func (r *recordingRecorder) RecordRun(_ context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, report.Clone())
	return nil
}

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) RunStarted(r *Report) {
	o.events = append(o.events, "run:"+string(r.Status))
}
func (o *recordingObserver) StepStarted(r *Report, i int) {
	o.events = append(o.events, "start:"+r.Steps[i].Name)
}
func (o *recordingObserver) StepFinished(r *Report, i int) {
	o.events = append(o.events, "finish:"+r.Steps[i].Name+":"+string(r.Steps[i].Status))
}
func (o *recordingObserver) RunFinished(r *Report) {
	o.events = append(o.events, "done:"+string(r.Status))
}

func TestRunnerCollaborators(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	pub, priv, err := security.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	recorder := &recordingRecorder{}
	observer := &recordingObserver{}
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	var live bytes.Buffer

	p := &Pipeline{
		Name: "small",
		Steps: []Step{
			{Name: "build", Run: "make build"},
			{Name: "lint", Run: "make lint"},
			{Name: "test", Run: "make test"},
		},
	}
	runner := NewRunner(&fakeProvisioner{exitCodes: map[string]int{"make lint": 2}})
	runner.Logs = storage.NewLogStorage(filepath.Join(dir, "logs"))
	runner.Ledger = l
	runner.SigningKey = priv
	runner.PublicKey = pub
	runner.Recorder = recorder
	runner.Observer = observer
	runner.Tracer = provider.Tracer("test")
	runner.Output = &live

	report, _, err := runner.Dispatch(context.Background(), p, pushTo("main"))
	if err == nil {
		t.Fatal("expected failure at lint")
	}

	t.Run("logs", func(t *testing.T) {
		lint := report.Steps[1]
		if lint.LogPath == "" || lint.LogHash == "" {
			t.Fatalf("lint log not stored: %+v", lint)
		}
		data, err := storage.ReadLog(lint.LogPath)
		if err != nil {
			t.Fatalf("ReadLog: %v", err)
		}
		if !strings.Contains(string(data), "error: make lint") {
			t.Errorf("log = %q, want lint error output", data)
		}
		if !strings.Contains(live.String(), "$ make build") {
			t.Errorf("live output missing build step: %q", live.String())
		}
		if report.Steps[2].LogPath != "" {
			t.Error("a step that never ran must not have a log")
		}
	})

	t.Run("ledger", func(t *testing.T) {
		blocks := l.Blocks()
		if len(blocks) != 2 {
			t.Fatalf("ledger has %d blocks, want 2 (one per executed step)", len(blocks))
		}
		if blocks[1].Step != "lint" || blocks[1].Status != "failed" || blocks[1].ExitCode != 2 {
			t.Errorf("unexpected lint block: %+v", blocks[1])
		}
		if blocks[1].LogHash != report.Steps[1].LogHash {
			t.Error("ledger log hash differs from report")
		}
		if err := l.VerifyChain(pub); err != nil {
			t.Errorf("VerifyChain: %v", err)
		}
	})

	t.Run("recorder", func(t *testing.T) {
		first := recorder.snapshots[0]
		last := recorder.snapshots[len(recorder.snapshots)-1]
		if first.Status != StatusRunning {
			t.Errorf("first snapshot status = %s, want running", first.Status)
		}
		if last.Status != StatusFailed || last.FailedStep != 2 {
			t.Errorf("last snapshot = %s/%d, want failed/2", last.Status, last.FailedStep)
		}
	})

	t.Run("observer", func(t *testing.T) {
		want := []string{
			"run:running",
			"start:build", "finish:build:succeeded",
			"start:lint", "finish:lint:failed",
			"done:failed",
		}
		if diff := cmp.Diff(want, observer.events); diff != "" {
			t.Errorf("observer events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("spans", func(t *testing.T) {
		ended := spans.Ended()
		if len(ended) != 3 {
			t.Fatalf("ended span count = %d, want 3", len(ended))
		}
		var root, lint sdktrace.ReadOnlySpan
		for _, span := range ended {
			switch span.Name() {
			case "pipeline small":
				root = span
			case "2 lint":
				lint = span
			}
		}
		if root == nil || lint == nil {
			t.Fatal("missing root or lint span")
		}
		if lint.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Error("step span is not a child of the run span")
		}
		if lint.Status().Code != codes.Error || root.Status().Code != codes.Error {
			t.Error("failure not recorded on spans")
		}
		for _, attr := range root.Attributes() {
			if string(attr.Key) == telemetry.TriggerKey && attr.Value.AsString() != "push to main" {
				t.Errorf("root trigger = %q, want push to main", attr.Value.AsString())
			}
		}
	})
}
