package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"towerjump/internal/config"
	"towerjump/internal/metrics"
	"towerjump/internal/store"
)

func newTestRunner(t *testing.T, workers, queue int, reg Registry) (*Runner, *store.Store, *metrics.Metrics) {
	t.Helper()
	cfg := config.Config{
		DBPath:        filepath.Join(t.TempDir(), "test.db"),
		JobQueueSize:  queue,
		WorkerCount:   workers,
		JobTimeoutSec: 1,
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	m := metrics.New()
	return NewRunner(cfg, st, reg, m), st, m
}

func noop(context.Context, ExecutionContext, string, map[string]any) error { return nil }

func waitStatus(t *testing.T, st *store.Store, id int64, want string) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(context.Background(), id)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %d never reached status %s", id, want)
	return nil
}

func TestIdempotentEnqueue(t *testing.T) {
	runner, _, _ := newTestRunner(t, 0, 2, Registry{StageAnalyze: noop})
	ctx := context.Background()
	j1, err := runner.Enqueue(ctx, "file1.csv", StageAnalyze, map[string]any{"foo": "bar"})
	if err != nil {
		t.Fatalf("enqueue1: %v", err)
	}
	j2, err := runner.Enqueue(ctx, "file1.csv", StageAnalyze, map[string]any{"foo": "bar"})
	if err != nil {
		t.Fatalf("enqueue2: %v", err)
	}
	if j1.ID != j2.ID {
		t.Fatalf("expected idempotent job, got %d vs %d", j1.ID, j2.ID)
	}
	if n, _ := runner.QueueStats(); n != 1 {
		t.Fatalf("expected a single queued job, got %d", n)
	}
}

func TestEnqueueUnknownStage(t *testing.T) {
	runner, _, _ := newTestRunner(t, 0, 2, Registry{StageAnalyze: noop})
	_, err := runner.Enqueue(context.Background(), "a.csv", StageExport, nil)
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected unknown stage, got %v", err)
	}
}

func TestQueueFullMarksJobFailed(t *testing.T) {
	runner, st, _ := newTestRunner(t, 0, 1, Registry{StageAnalyze: noop})
	ctx := context.Background()
	if _, err := runner.Enqueue(ctx, "a.csv", StageAnalyze, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Enqueue(ctx, "b.csv", StageAnalyze, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	jobs, err := st.ListJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var failed int
	for _, j := range jobs {
		if j.FileID == "b.csv" && j.Status == StatusFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected dropped job to be marked failed: %+v", jobs)
	}
}

func TestWorkerRunsStageAndRecoversPanics(t *testing.T) {
	reg := Registry{
		StageAnalyze: func(_ context.Context, exec ExecutionContext, fileID string, _ map[string]any) error {
			exec.Logf("analyzed %s", fileID)
			return nil
		},
		StageExport: func(context.Context, ExecutionContext, string, map[string]any) error {
			panic("bad export")
		},
	}
	runner, st, m := newTestRunner(t, 2, 4, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)
	defer runner.Stop()

	ok, err := runner.Enqueue(ctx, "a.csv", StageAnalyze, nil)
	if err != nil {
		t.Fatal(err)
	}
	bad, err := runner.Enqueue(ctx, "a.csv", StageExport, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, ok.ID, StatusSucceeded)
	waitStatus(t, st, bad.ID, StatusFailed)

	logs, err := st.JobLogs(ctx, ok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !containsLine(logs, "analyzed a.csv") {
		t.Fatalf("expected stage log, got %v", logs)
	}
	if !containsLine(runner.Logs(bad.ID), "panic recovered: bad export") {
		t.Fatalf("expected panic in logs, got %v", runner.Logs(bad.ID))
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Snapshot().ProcessedJobs < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if snap := m.Snapshot(); snap.ProcessedJobs != 2 || snap.FailedJobs != 1 {
		t.Fatalf("unexpected metrics %+v", snap)
	}
}

func TestJobTimeout(t *testing.T) {
	reg := Registry{StageAnalyze: func(ctx context.Context, _ ExecutionContext, _ string, _ map[string]any) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	runner, st, _ := newTestRunner(t, 1, 1, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)
	defer runner.Stop()

	j, err := runner.Enqueue(ctx, "slow.csv", StageAnalyze, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, j.ID, StatusFailed)
	if !containsLine(runner.Logs(j.ID), "deadline exceeded") {
		t.Fatalf("expected deadline in logs, got %v", runner.Logs(j.ID))
	}
}

func TestFailedJobIsRequeued(t *testing.T) {
	calls := 0
	reg := Registry{StageAnalyze: func(context.Context, ExecutionContext, string, map[string]any) error {
		calls++
		if calls == 1 {
			return errors.New("first attempt")
		}
		return nil
	}}
	runner, st, _ := newTestRunner(t, 1, 2, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)
	defer runner.Stop()

	j1, err := runner.Enqueue(ctx, "retry.csv", StageAnalyze, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, st, j1.ID, StatusFailed)
	j2, err := runner.Enqueue(ctx, "retry.csv", StageAnalyze, nil)
	if err != nil {
		t.Fatal(err)
	}
	if j2.ID != j1.ID {
		t.Fatalf("expected the same job to be requeued")
	}
	waitStatus(t, st, j1.ID, StatusSucceeded)
}

func containsLine(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}
