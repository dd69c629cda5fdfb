package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"towerjump/internal/config"
	"towerjump/internal/jobs"
	"towerjump/internal/pipeline"
	"towerjump/internal/store"
)

// Enqueuer accepts analysis jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, fileID string, stage jobs.Stage, params map[string]any) (*store.Job, error)
}

// settleDelay is how long a path must stay quiet before it is queued.
var settleDelay = 300 * time.Millisecond

// Watcher monitors UPLOAD_DIR for new or rewritten CSV files and enqueues
// analyze jobs.
type Watcher struct {
	cfg    config.Config
	store  *store.Store
	runner Enqueuer

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func New(cfg config.Config, st *store.Store, runner Enqueuer) *Watcher {
	return &Watcher{cfg: cfg, store: st, runner: runner, pending: make(map[string]*time.Timer)}
}

// Start begins watching until ctx is done. It returns once the watch is
// registered.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		log.Println("watcher disabled")
		return nil
	}
	if err := os.MkdirAll(w.cfg.UploadDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.cfg.UploadDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.cfg.UploadDir, err)
	}
	log.Printf("watching %s", w.cfg.UploadDir)
	go func() {
		defer watcher.Close()
		defer w.stopTimers()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && eligible(evt.Name) {
					w.schedule(ctx, evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("watcher error: %v", err)
			}
		}
	}()
	return nil
}

// schedule coalesces the burst of events a single copy produces into one
// handle call once the path has been quiet for settleDelay.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() == nil {
			w.handle(ctx, path)
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if !eligible(path) {
		return
	}
	// a Rename event also fires for the old name of a file moved away
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	fileID := filepath.Base(path)
	// uploads recorded as queued already have a job from the HTTP handler
	if up, err := w.store.GetUpload(ctx, fileID); err == nil && up.Status == store.UploadQueued {
		return
	}
	job, err := w.runner.Enqueue(ctx, fileID, jobs.StageAnalyze, pipeline.FileParams(info.ModTime(), info.Size()))
	if err != nil {
		log.Printf("watcher enqueue %s: %v", fileID, err)
		return
	}
	log.Printf("watcher queued file=%s job=%d", fileID, job.ID)
}
