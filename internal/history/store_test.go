package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cigate/internal/core"
	"cigate/internal/trigger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleReport() *core.Report {
	p := &core.Pipeline{Name: "rust", Steps: []core.Step{
		{Name: "checkout", Uses: "checkout"},
		{Name: "fmt", Run: "cargo fmt --all -- --check"},
		{Name: "clippy", Run: "cargo clippy --all-features"},
	}}
	ev := trigger.Event{Kind: trigger.KindPullRequest, BaseRef: "main", Commit: "abc123"}
	return core.NewReport(p, ev)
}

func TestRecordRunAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	report := sampleReport()

	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun(pending) error = %v", err)
	}

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report.Status = core.StatusFailed
	report.StartedAt = started
	report.FinishedAt = started.Add(90 * time.Second)
	report.FailedStep = 2
	report.Error = "step 2 (fmt) failed: exit code 1"
	report.Steps[0].Status = core.StatusSucceeded
	report.Steps[0].Duration = 1500 * time.Millisecond
	report.Steps[1].Status = core.StatusFailed
	report.Steps[1].ExitCode = 1
	report.Steps[1].LogHash = "af1349b9"
	report.Steps[1].Error = "exit code 1"
	report.Steps[2].Status = core.StatusNotRun
	if err := store.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun(failed) error = %v", err)
	}

	got, err := store.Get(ctx, report.RunID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(report, got); diff != "" {
		t.Errorf("stored report mismatch (-want +got):\n%s", diff)
	}
}

func TestGetUnknownRun(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		report := sampleReport()
		ids = append(ids, report.RunID)
		if err := store.RecordRun(ctx, report); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}

	// Updating the oldest run keeps its position.
	first, err := store.Get(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	first.Status = core.StatusSucceeded
	if err := store.RecordRun(ctx, first); err != nil {
		t.Fatal(err)
	}

	all, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var gotIDs []string
	for _, r := range all {
		gotIDs = append(gotIDs, r.RunID)
		if len(r.Steps) != 3 {
			t.Errorf("run %s has %d steps, want 3", r.RunID, len(r.Steps))
		}
	}
	if diff := cmp.Diff([]string{ids[2], ids[1], ids[0]}, gotIDs); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	limited, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List(2) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List(2) returned %d runs", len(limited))
	}
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	report := sampleReport()
	if err := store.RecordRun(context.Background(), report); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(context.Background(), report.RunID); err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
}

var _ core.Recorder = (*Store)(nil)
