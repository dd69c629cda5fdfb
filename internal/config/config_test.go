package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"towerjump/internal/analysis"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestBackfillLimitClamp(t *testing.T) {
	isolate(t)
	t.Setenv("BACKFILL_LIMIT", "2000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BackfillLimit != maxBackfillLimit {
		t.Fatalf("expected backfill limit %d, got %d", maxBackfillLimit, cfg.BackfillLimit)
	}
}

func TestQueueSizeDefaultsRespectWorkers(t *testing.T) {
	isolate(t)
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("JOB_QUEUE_SIZE", "4")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.WorkerCount != 8 {
		t.Fatalf("expected worker count 8, got %d", cfg.WorkerCount)
	}
	if cfg.JobQueueSize < cfg.WorkerCount {
		t.Fatalf("queue size should be at least workers, got %d", cfg.JobQueueSize)
	}
}

func TestHTTPPortDefaultFormatting(t *testing.T) {
	isolate(t)
	t.Setenv("HTTP_PORT", "9000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPPort != ":9000" {
		t.Fatalf("expected HTTP_PORT to include colon, got %s", cfg.HTTPPort)
	}
}

func TestAnalysisDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	eng := cfg.Analysis.Engine()
	if eng.Window != 10*time.Minute || eng.JumpThreshold != 5*time.Minute {
		t.Fatalf("unexpected engine config %+v", eng)
	}
	if eng.Policy != analysis.PolicyNeighborOnly {
		t.Fatalf("expected neighbor-only default, got %s", eng.Policy)
	}
	if cfg.DBPath != filepath.Join(defaultWorkDir, defaultDBFile) {
		t.Fatalf("unexpected db path %s", cfg.DBPath)
	}
}

func TestYAMLFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "upload_dir: /data/in\nenable_watcher: false\nanalysis:\n  window_minutes: 15\n  jump_policy: current-aware\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("JUMP_THRESHOLD_MINUTES", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.UploadDir != "/data/in" || cfg.EnableWatcher {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	eng := cfg.Analysis.Engine()
	if eng.Window != 15*time.Minute || eng.JumpThreshold != 3*time.Minute || eng.Policy != analysis.PolicyCurrentAware {
		t.Fatalf("unexpected engine config %+v", eng)
	}
}

func TestStrictConfigRejectsBadPolicy(t *testing.T) {
	isolate(t)
	t.Setenv("JUMP_POLICY", "sideways")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("non-strict load should not fail: %v", err)
	}
	if cfg.Analysis.JumpPolicy != string(analysis.PolicyNeighborOnly) {
		t.Fatalf("expected fallback policy, got %s", cfg.Analysis.JumpPolicy)
	}

	t.Setenv("STRICT_CONFIG", "true")
	t.Setenv("CONFIG_PATH", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http_port: \"8081\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected strict load to fail on bad policy")
	}
}

func TestWebhookURLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("webhook_urls:\n  - http://a.example/hook\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.WebhookURLs) != 1 || cfg.WebhookURLs[0] != "http://a.example/hook" {
		t.Fatalf("file webhooks not applied: %v", cfg.WebhookURLs)
	}

	t.Setenv("WEBHOOK_URLS", " http://b.example/x, ,http://c.example/y")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.WebhookURLs) != 2 || cfg.WebhookURLs[1] != "http://c.example/y" {
		t.Fatalf("env webhooks not applied: %v", cfg.WebhookURLs)
	}
}
