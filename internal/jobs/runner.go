package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"towerjump/internal/config"
	"towerjump/internal/metrics"
	"towerjump/internal/store"
)

// Status values for jobs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Stage represents pipeline phases.
type Stage string

const (
	StageAnalyze Stage = "ANALYZE"
	StageExport  Stage = "EXPORT"
)

const logBufferSize = 200

var (
	ErrQueueFull    = errors.New("queue full")
	ErrUnknownStage = errors.New("unknown stage")
)

// ExecutionContext bundles dependencies for stage execution.
type ExecutionContext struct {
	Cfg   config.Config
	Store *store.Store
	JobID int64
	Logf  func(format string, args ...any)
}

// StageFunc is a deterministic stage implementation.
type StageFunc func(ctx context.Context, exec ExecutionContext, fileID string, params map[string]any) error

// Registry maps stages to implementations.
type Registry map[Stage]StageFunc

// Runner executes jobs using worker pool.
type Runner struct {
	cfg     config.Config
	store   *store.Store
	reg     Registry
	metrics *metrics.Metrics
	timeout time.Duration
	queue   chan *store.Job
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu        sync.Mutex
	inflight  map[int64]bool
	logBuffer map[int64][]string
}

// NewRunner constructs a runner. m may be nil.
func NewRunner(cfg config.Config, st *store.Store, reg Registry, m *metrics.Metrics) *Runner {
	timeout := time.Duration(cfg.JobTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	size := cfg.JobQueueSize
	if size < 0 {
		size = 0
	}
	return &Runner{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		metrics:   m,
		timeout:   timeout,
		queue:     make(chan *store.Job, size),
		inflight:  make(map[int64]bool),
		logBuffer: make(map[int64][]string),
	}
}

// Start spins worker pool.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.updateQueueMetrics()
	log.Printf("job runner started workers=%d queue=%d timeout=%s", r.cfg.WorkerCount, cap(r.queue), r.timeout)
}

// Stop waits for workers to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// HasStage reports whether a handler is registered for stage.
func (r *Runner) HasStage(stage Stage) bool {
	_, ok := r.reg[stage]
	return ok
}

// QueueStats returns the current queue length and capacity.
func (r *Runner) QueueStats() (int, int) {
	return len(r.queue), cap(r.queue)
}

// Enqueue inserts a job respecting idempotency. A job with the same key
// that succeeded or is still in flight is returned as is; any other is
// queued again.
func (r *Runner) Enqueue(ctx context.Context, fileID string, stage Stage, params map[string]any) (*store.Job, error) {
	if !r.HasStage(stage) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if params == nil {
		params = map[string]any{}
	}
	idem := r.idempotencyKey(fileID, stage, params)
	payload, _ := json.Marshal(params)
	now := config.Now()
	job := &store.Job{
		FileID:         fileID,
		Stage:          string(stage),
		Status:         StatusQueued,
		ParamsJSON:     string(payload),
		IdempotencyKey: idem,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	j, err := r.store.InsertJobIdempotent(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		if j.Status == StatusSucceeded || r.isInflight(j.ID) {
			return j, nil
		}
		if err := r.store.RequeueJob(ctx, j.ID, now); err != nil {
			return nil, err
		}
		j.Status = StatusQueued
		j.StartedAt, j.FinishedAt = nil, nil
	} else if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.inflight[j.ID] = true
	r.mu.Unlock()
	select {
	case r.queue <- j:
		r.updateQueueMetrics()
		return j, nil
	default:
		r.release(j.ID)
		r.appendLog(j.ID, "dropped: queue full")
		_ = r.store.MarkJobFinished(ctx, j.ID, StatusFailed, config.Now())
		return nil, ErrQueueFull
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			r.updateQueueMetrics()
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *store.Job) {
	start := time.Now()
	stage := Stage(job.Stage)
	fn, ok := r.reg[stage]
	if !ok {
		r.finish(ctx, job, start, fmt.Errorf("%w: %q", ErrUnknownStage, stage))
		return
	}
	_ = r.store.MarkJobStarted(ctx, job.ID, config.Now())
	r.appendLog(job.ID, fmt.Sprintf("started stage=%s file=%s", stage, job.FileID))

	params := map[string]any{}
	_ = json.Unmarshal([]byte(job.ParamsJSON), &params)
	exec := ExecutionContext{
		Cfg:   r.cfg,
		Store: r.store,
		JobID: job.ID,
		Logf: func(format string, args ...any) {
			r.appendLog(job.ID, fmt.Sprintf(format, args...))
		},
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.run(jobCtx, fn, exec, job.FileID, params)
	cancel()
	r.finish(ctx, job, start, err)
}

func (r *Runner) run(ctx context.Context, fn StageFunc, exec ExecutionContext, fileID string, params map[string]any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic recovered: %v", p)
		}
	}()
	return fn(ctx, exec, fileID, params)
}

func (r *Runner) finish(ctx context.Context, job *store.Job, start time.Time, err error) {
	r.release(job.ID)
	status := StatusSucceeded
	switch {
	case err == nil:
		r.appendLog(job.ID, "done")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		status = StatusCancelled
		r.appendLog(job.ID, "cancelled: "+err.Error())
	default:
		status = StatusFailed
		r.appendLog(job.ID, "error: "+err.Error())
	}
	// the worker context may already be cancelled; the final status is still recorded
	_ = r.store.MarkJobFinished(context.WithoutCancel(ctx), job.ID, status, config.Now())
	if r.metrics != nil {
		r.metrics.RecordJobCompletion(job.Stage, err)
	}
	log.Printf("job=%d stage=%s file=%s duration_ms=%d status=%s", job.ID, job.Stage, job.FileID, time.Since(start).Milliseconds(), status)
}

func (r *Runner) isInflight(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[id]
}

func (r *Runner) release(id int64) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

func (r *Runner) updateQueueMetrics() {
	if r.metrics != nil {
		r.metrics.UpdateQueue(len(r.queue), cap(r.queue), r.cfg.WorkerCount)
	}
}

func (r *Runner) appendLog(jobID int64, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := config.Now()
	_ = r.store.AppendJobLog(context.Background(), jobID, msg, ts)
	buf := append(r.logBuffer[jobID], fmt.Sprintf("%s %s", ts.Format(time.RFC3339), msg))
	if len(buf) > logBufferSize {
		buf = buf[len(buf)-logBufferSize:]
	}
	r.logBuffer[jobID] = buf
}

// Logs returns the in-memory log buffer of a job.
func (r *Runner) Logs(jobID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logBuffer[jobID]...)
}

func (r *Runner) idempotencyKey(fileID string, stage Stage, params map[string]any) string {
	payload, _ := json.Marshal(params)
	h := sha256.Sum256([]byte(fileID + string(stage) + string(payload)))
	return hex.EncodeToString(h[:])
}
