package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"towerjump/internal/analysis"
	"towerjump/internal/config"
	"towerjump/internal/events"
	"towerjump/internal/httpapi"
	"towerjump/internal/jobs"
	"towerjump/internal/metrics"
	"towerjump/internal/pipeline"
	"towerjump/internal/service"
	"towerjump/internal/sink"
	"towerjump/internal/store"
	"towerjump/internal/watch"
)

// App wires the data plane components together.
type App struct {
	cfg     config.Config
	store   *store.Store
	metrics *metrics.Metrics
	service *service.Service
	runner  *jobs.Runner
	watcher *watch.Watcher
	mux     *http.ServeMux
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	engine := analysis.NewEngine(cfg.Analysis.Engine(), events.LogSink{Logger: log.Default()})
	csv := sink.NewCSVDir(cfg.ReportDir)
	sinks := []sink.Sink{sink.NewSQLite(st), csv}
	if len(cfg.WebhookURLs) > 0 {
		sinks = append(sinks, sink.NewWebhook(cfg.WebhookURLs, nil))
	}
	svc := service.New(engine, m, sinks)
	registry := pipeline.BuildRegistry(cfg, st, svc, csv)
	runner := jobs.NewRunner(cfg, st, registry, m)
	watcher := watch.New(cfg, st, runner)
	mux := http.NewServeMux()
	router := httpapi.NewRouter(cfg, st, runner, svc, watcher, m)
	router.Register(mux)
	return &App{cfg: cfg, store: st, metrics: m, service: svc, runner: runner, watcher: watcher, mux: mux}, nil
}

// Run starts workers, watcher, and HTTP server and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.runner.Start(ctx)
	defer a.runner.Stop()
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	if a.cfg.EnableWatcher {
		go func() {
			if _, err := a.watcher.Backfill(ctx); err != nil {
				log.Printf("backfill failed: %v", err)
			}
		}()
	}
	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("http listening on %s", a.cfg.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// EnqueueStage exposes pipeline stage for tests/control plane.
func (a *App) EnqueueStage(ctx context.Context, fileID string, stage jobs.Stage, params map[string]any) (*store.Job, error) {
	return a.runner.Enqueue(ctx, fileID, stage, params)
}

func (a *App) Runner() *jobs.Runner     { return a.runner }
func (a *App) Store() *store.Store       { return a.store }
func (a *App) Service() *service.Service { return a.service }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Mux() *http.ServeMux       { return a.mux }
