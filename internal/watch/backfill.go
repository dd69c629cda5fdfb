package watch

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"towerjump/internal/ingest"
	"towerjump/internal/jobs"
	"towerjump/internal/pipeline"
	"towerjump/internal/store"
)

// Candidate is an upload-dir file considered for backfill.
type Candidate struct {
	FileID    string
	ModTime   time.Time
	SizeBytes int64
	Status    string
}

// Summary captures backfill execution metrics.
type Summary struct {
	TotalCandidates    int `json:"total"`
	AlreadyProcessed   int `json:"already_processed"`
	Unprocessed        int `json:"unprocessed"`
	Selected           int `json:"selected"`
	EnqueueSucceeded   int `json:"enqueued"`
	EnqueueDroppedFull int `json:"dropped_full"`
	EnqueueFailed      int `json:"failed"`
}

// SelectPending returns up to limit candidates, newest first, that have not
// been fully processed.
func SelectPending(candidates []Candidate, limit int) ([]Candidate, Summary) {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ModTime.After(sorted[j].ModTime)
	})

	summary := Summary{TotalCandidates: len(sorted)}
	pending := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		if c.Status == store.UploadDone {
			summary.AlreadyProcessed++
			continue
		}
		pending = append(pending, c)
	}
	summary.Unprocessed = len(pending)
	if limit >= 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	summary.Selected = len(pending)
	return pending, summary
}

// ListCandidates lists the CSV files in dir with their recorded status.
func ListCandidates(ctx context.Context, dir string, st *store.Store) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	statuses, err := st.UploadStatuses(ctx)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, e := range entries {
		if e.IsDir() || !eligible(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Candidate{
			FileID:    e.Name(),
			ModTime:   info.ModTime(),
			SizeBytes: info.Size(),
			Status:    statuses[e.Name()],
		})
	}
	return out, nil
}

// Backfill enqueues analysis for CSV files already present in the upload
// dir that have no finished report.
func (w *Watcher) Backfill(ctx context.Context) (Summary, error) {
	candidates, err := ListCandidates(ctx, w.cfg.UploadDir, w.store)
	if err != nil {
		return Summary{}, err
	}
	selected, summary := SelectPending(candidates, w.cfg.BackfillLimit)
	for _, c := range selected {
		_, err := w.runner.Enqueue(ctx, c.FileID, jobs.StageAnalyze, pipeline.FileParams(c.ModTime, c.SizeBytes))
		switch {
		case err == nil:
			summary.EnqueueSucceeded++
		case errors.Is(err, jobs.ErrQueueFull):
			summary.EnqueueDroppedFull++
		default:
			summary.EnqueueFailed++
			log.Printf("backfill enqueue %s: %v", c.FileID, err)
		}
	}
	log.Printf("backfill summary: total=%d unprocessed=%d selected=%d enqueued=%d dropped_full=%d already_processed=%d",
		summary.TotalCandidates, summary.Unprocessed, summary.Selected, summary.EnqueueSucceeded, summary.EnqueueDroppedFull, summary.AlreadyProcessed)
	return summary, nil
}

func eligible(path string) bool {
	base := filepath.Base(path)
	return ingest.IsCSV(base) && base[0] != '.'
}
