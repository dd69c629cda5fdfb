package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"towerjump/internal/config"
	"towerjump/internal/jobs"
	"towerjump/internal/report"
	"towerjump/internal/service"
	"towerjump/internal/sink"
	"towerjump/internal/store"
)

// ParamSHA256 carries the content hash of a file that was written
// atomically, so the analyze stage need not wait for it to settle.
const ParamSHA256 = "sha256"

// ParamModTime and ParamSize identify a version of a dropped file, so a
// file rewritten under the same name gets a new job.
const (
	ParamModTime = "mtime"
	ParamSize    = "size"
)

// FileParams returns ANALYZE params for a file found on disk.
func FileParams(modTime time.Time, size int64) map[string]any {
	return map[string]any{ParamModTime: modTime.UnixNano(), ParamSize: size}
}

var (
	stableInterval = 500 * time.Millisecond
	stableChecks   = 2
)

// BuildRegistry wires the stage functions. csv may be nil, in which case
// EXPORT is not available.
func BuildRegistry(cfg config.Config, st *store.Store, svc *service.Service, csv *sink.CSVDir) jobs.Registry {
	reg := jobs.Registry{
		jobs.StageAnalyze: analyzeStage(cfg, st, svc),
	}
	if csv != nil {
		reg[jobs.StageExport] = exportStage(st, csv)
	}
	return reg
}

func analyzeStage(cfg config.Config, st *store.Store, svc *service.Service) jobs.StageFunc {
	var locks sync.Map
	return func(ctx context.Context, exec jobs.ExecutionContext, fileID string, params map[string]any) error {
		mu, _ := locks.LoadOrStore(fileID, &sync.Mutex{})
		mu.(*sync.Mutex).Lock()
		defer mu.(*sync.Mutex).Unlock()

		src := filepath.Join(cfg.UploadDir, filepath.Base(fileID))
		if _, ok := params[ParamSHA256].(string); !ok {
			if _, err := waitForStableSize(ctx, src, stableInterval, stableChecks); err != nil {
				return markFailed(ctx, st, fileID, err)
			}
		}
		size, sum, err := hashFile(src)
		if err != nil {
			return markFailed(ctx, st, fileID, err)
		}

		prev, err := st.GetUpload(ctx, fileID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if prev != nil && prev.Status == store.UploadDone && prev.SHA256 == sum && prev.ReportName != nil {
			exec.Logf("unchanged since report %s; skipping", *prev.ReportName)
			return nil
		}

		now := config.Now()
		up := store.Upload{FileID: fileID, Filename: filepath.Base(src), SizeBytes: size, SHA256: sum, Status: store.UploadProcessing, LastStage: string(jobs.StageAnalyze), CreatedAt: now, UpdatedAt: now}
		if err := st.UpsertUpload(ctx, up); err != nil {
			return err
		}
		exec.Logf("analyzing %s (%s)", up.Filename, humanize.Bytes(uint64(size)))

		f, err := os.Open(src)
		if err != nil {
			return markFailed(ctx, st, fileID, err)
		}
		defer f.Close()
		rep, err := svc.Process(ctx, up.Filename, f)
		if err != nil {
			return markFailed(ctx, st, fileID, err)
		}
		if err := st.SetUploadReport(ctx, fileID, rep.Name, config.Now()); err != nil {
			return err
		}
		exec.Logf("report %s intervals=%d jumps=%d mean_confidence=%.2f", rep.Name, len(rep.Intervals), rep.JumpCount, rep.MeanConfidence)
		return st.UpdateUploadStage(ctx, fileID, string(jobs.StageAnalyze), store.UploadDone, nil, config.Now())
	}
}

func exportStage(st *store.Store, csv *sink.CSVDir) jobs.StageFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, name string, _ map[string]any) error {
		h, err := st.GetReport(ctx, name)
		if err != nil {
			return fmt.Errorf("report %s: %w", name, err)
		}
		intervals, err := st.ListIntervals(ctx, name)
		if err != nil {
			return err
		}
		if err := csv.Push(ctx, report.FromStore(*h, intervals)); err != nil {
			return err
		}
		exec.Logf("exported %s to %s", name, csv.Path(name))
		return nil
	}
}

func markFailed(ctx context.Context, st *store.Store, fileID string, cause error) error {
	msg := cause.Error()
	if err := st.UpdateUploadStage(context.WithoutCancel(ctx), fileID, string(jobs.StageAnalyze), store.UploadError, &msg, config.Now()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// waitForStableSize polls path until its size is non-zero and unchanged for
// the required number of consecutive checks.
func waitForStableSize(ctx context.Context, path string, interval time.Duration, required int) (int64, error) {
	var last int64 = -1
	stable := 0
	for {
		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("stat: %w", err)
		}
		size := info.Size()
		if size > 0 && size == last {
			stable++
			if stable >= required {
				return size, nil
			}
		} else {
			stable = 0
		}
		last = size
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for %s to settle: %w", filepath.Base(path), ctx.Err())
		case <-time.After(interval):
		}
	}
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
