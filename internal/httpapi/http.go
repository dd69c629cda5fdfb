package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"

	"towerjump/internal/analysis"
	"towerjump/internal/config"
	"towerjump/internal/ingest"
	"towerjump/internal/jobs"
	"towerjump/internal/metrics"
	"towerjump/internal/pipeline"
	"towerjump/internal/report"
	"towerjump/internal/service"
	"towerjump/internal/store"
	"towerjump/internal/watch"
)

// Router builds HTTP handlers for the analysis, /api and /ops surfaces.
type Router struct {
	cfg     config.Config
	store   *store.Store
	runner  *jobs.Runner
	svc     *service.Service
	watcher *watch.Watcher
	metrics *metrics.Metrics
}

func NewRouter(cfg config.Config, st *store.Store, runner *jobs.Runner, svc *service.Service, w *watch.Watcher, m *metrics.Metrics) *Router {
	return &Router{cfg: cfg, store: st, runner: runner, svc: svc, watcher: w, metrics: m}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", r.liveness)
	mux.HandleFunc("POST /process", r.process)
	mux.HandleFunc("POST /upload", r.upload)

	mux.HandleFunc("GET /api/reports", r.reports)
	mux.HandleFunc("GET /api/reports/{name}", r.reportDetail)
	mux.HandleFunc("GET /api/reports/{name}/csv", r.reportCSV)
	mux.HandleFunc("GET /api/uploads", r.uploads)

	mux.HandleFunc("GET /ops/health", r.health)
	mux.HandleFunc("GET /ops/status", r.status)
	mux.HandleFunc("GET /ops/jobs", r.jobs)
	mux.HandleFunc("GET /ops/jobs/{id}", r.jobDetail)
	mux.HandleFunc("GET /ops/jobs/{id}/logs", r.jobLogs)
	mux.HandleFunc("POST /ops/jobs/enqueue", r.enqueue)
	mux.HandleFunc("POST /ops/reports/{name}/export", r.export)
	mux.HandleFunc("POST /ops/backfill", r.backfill)

	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics.Handler())
	}
}

func (r *Router) liveness(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// process analyzes the uploaded file synchronously and returns its intervals.
func (r *Router) process(w http.ResponseWriter, req *http.Request) {
	file, name, ok := r.formFile(w, req)
	if !ok {
		return
	}
	defer file.Close()
	log.Printf("process request file=%s", name)
	rep, err := r.svc.Process(req.Context(), name, file)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, rep.Intervals)
}

// upload stores the file in the upload dir and queues it for analysis. The
// upload row is written before the file becomes visible, so the watcher
// leaves it to this handler.
func (r *Router) upload(w http.ResponseWriter, req *http.Request) {
	file, name, ok := r.formFile(w, req)
	if !ok {
		return
	}
	defer file.Close()
	tmp, size, sum, err := r.writeTemp(file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer os.Remove(tmp)

	ctx := req.Context()
	now := config.Now()
	up := store.Upload{FileID: name, Filename: name, SizeBytes: size, SHA256: sum, Status: store.UploadQueued, LastStage: string(jobs.StageAnalyze), CreatedAt: now, UpdatedAt: now}
	if err := r.store.UpsertUpload(ctx, up); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(r.cfg.UploadDir, name)); err != nil {
		r.failUpload(ctx, name, err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	job, err := r.runner.Enqueue(ctx, name, jobs.StageAnalyze, map[string]any{pipeline.ParamSHA256: sum})
	if err != nil {
		r.failUpload(ctx, name, err)
		respondError(w, enqueueStatus(err), err)
		return
	}
	log.Printf("upload stored file=%s size=%s job=%d", name, humanize.Bytes(uint64(size)), job.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"file_id": name, "sha256": sum, "job": job})
}

func (r *Router) failUpload(ctx context.Context, name string, cause error) {
	msg := cause.Error()
	if err := r.store.UpdateUploadStage(context.WithoutCancel(ctx), name, string(jobs.StageAnalyze), store.UploadError, &msg, config.Now()); err != nil {
		log.Printf("upload %s: record failure: %v", name, err)
	}
}

func (r *Router) formFile(w http.ResponseWriter, req *http.Request) (io.ReadCloser, string, bool) {
	if r.cfg.MaxUploadBytes > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, r.cfg.MaxUploadBytes)
	}
	file, header, err := req.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %s", humanize.Bytes(uint64(tooLarge.Limit))))
			return nil, "", false
		}
		respondError(w, http.StatusBadRequest, fmt.Errorf("missing multipart field \"file\": %w", err))
		return nil, "", false
	}
	name := filepath.Base(header.Filename)
	if err := ingest.CheckFilename(name); err != nil || name[0] == '.' {
		file.Close()
		if err == nil {
			err = fmt.Errorf("%w: hidden file names are not accepted", analysis.ErrInvalidInputFormat)
		}
		respondError(w, http.StatusBadRequest, err)
		return nil, "", false
	}
	return file, name, true
}

// writeTemp copies src into a hidden temp file in the upload dir, which the
// watcher ignores, and returns its path, size and sha256.
func (r *Router) writeTemp(src io.Reader) (string, int64, string, error) {
	if err := os.MkdirAll(r.cfg.UploadDir, 0o755); err != nil {
		return "", 0, "", err
	}
	tmp, err := os.CreateTemp(r.cfg.UploadDir, ".upload-*.tmp")
	if err != nil {
		return "", 0, "", err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, "", err
	}
	return tmp.Name(), n, hex.EncodeToString(h.Sum(nil)), nil
}

func (r *Router) reports(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListReports(req.Context(), queryLimit(req, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, emptyIfNil(list))
}

func (r *Router) loadReport(ctx context.Context, name string) (*report.Report, error) {
	h, err := r.store.GetReport(ctx, name)
	if err != nil {
		return nil, err
	}
	intervals, err := r.store.ListIntervals(ctx, name)
	if err != nil {
		return nil, err
	}
	return report.FromStore(*h, intervals), nil
}

func (r *Router) reportDetail(w http.ResponseWriter, req *http.Request) {
	rep, err := r.loadReport(req.Context(), req.PathValue("name"))
	if err != nil {
		respondError(w, storeStatus(err), err)
		return
	}
	respondJSON(w, rep)
}

func (r *Router) reportCSV(w http.ResponseWriter, req *http.Request) {
	rep, err := r.loadReport(req.Context(), req.PathValue("name"))
	if err != nil {
		respondError(w, storeStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.Name+".csv"))
	if err := report.WriteCSV(w, rep.Intervals); err != nil {
		log.Printf("write csv: %v", err)
	}
}

func (r *Router) uploads(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListUploads(req.Context(), queryLimit(req, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, emptyIfNil(list))
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	uploads, _ := r.store.ListUploads(ctx, 5)
	jobList, _ := r.store.ListJobs(ctx, 10)
	payload := map[string]any{
		"uploads": emptyIfNil(uploads),
		"jobs":    emptyIfNil(jobList),
		"workers": r.cfg.WorkerCount,
		"analysis": map[string]any{
			"window_minutes":         r.cfg.Analysis.WindowMinutes,
			"jump_threshold_minutes": r.cfg.Analysis.JumpThresholdMinutes,
			"jump_policy":            r.cfg.Analysis.JumpPolicy,
		},
	}
	if r.metrics != nil {
		payload["metrics"] = r.metrics.Snapshot()
	}
	respondJSON(w, payload)
}

func (r *Router) jobs(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListJobs(req.Context(), queryLimit(req, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, emptyIfNil(list))
}

func (r *Router) jobDetail(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid job id: %w", err))
		return
	}
	job, err := r.store.GetJob(req.Context(), id)
	if err != nil {
		respondError(w, storeStatus(err), err)
		return
	}
	respondJSON(w, job)
}

func (r *Router) jobLogs(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid job id: %w", err))
		return
	}
	logs := r.runner.Logs(id)
	if len(logs) == 0 {
		// jobs from an earlier process only have persisted lines
		if logs, err = r.store.JobLogs(req.Context(), id); err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
	}
	respondJSON(w, emptyIfNil(logs))
}

func (r *Router) enqueue(w http.ResponseWriter, req *http.Request) {
	var body struct {
		FileID string         `json:"file_id"`
		Stage  jobs.Stage     `json:"stage"`
		Params map[string]any `json:"params"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if body.FileID == "" {
		respondError(w, http.StatusBadRequest, errors.New("file_id is required"))
		return
	}
	job, err := r.runner.Enqueue(req.Context(), body.FileID, body.Stage, body.Params)
	if err != nil {
		respondError(w, enqueueStatus(err), err)
		return
	}
	respondJSON(w, job)
}

func (r *Router) export(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	if _, err := r.store.GetReport(req.Context(), name); err != nil {
		respondError(w, storeStatus(err), err)
		return
	}
	job, err := r.runner.Enqueue(req.Context(), name, jobs.StageExport, map[string]any{"requested_at": config.Now().Unix()})
	if err != nil {
		respondError(w, enqueueStatus(err), err)
		return
	}
	respondJSON(w, job)
}

func (r *Router) backfill(w http.ResponseWriter, req *http.Request) {
	if r.watcher == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("backfill unavailable"))
		return
	}
	summary, err := r.watcher.Backfill(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, summary)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, analysis.ErrInvalidInputFormat):
		return http.StatusBadRequest
	case errors.Is(err, analysis.ErrMissingColumn), errors.Is(err, analysis.ErrEmptyDataset):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func storeStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrUnknownStage):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(req *http.Request, fallback int) int {
	if v, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		return v
	}
	return fallback
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func respondError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()}); encErr != nil {
		log.Printf("write json: %v", encErr)
	}
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}
