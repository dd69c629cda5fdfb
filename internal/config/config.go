package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"towerjump/internal/analysis"
)

// Config holds service configuration derived from the config file and environment.
type Config struct {
	HTTPPort       string
	UploadDir      string
	WorkDir        string
	ReportDir      string
	DBPath         string
	WorkerCount    int
	JobQueueSize   int
	JobTimeoutSec  int
	EnableWatcher  bool
	BackfillLimit  int
	MaxUploadBytes int64
	StrictConfig   bool
	WebhookURLs    []string
	Analysis       AnalysisConfig
}

// AnalysisConfig carries the engine parameters in minutes.
type AnalysisConfig struct {
	WindowMinutes        int
	JumpThresholdMinutes int
	JumpPolicy           string
}

// Engine converts the settings into engine parameters.
func (a AnalysisConfig) Engine() analysis.Config {
	policy, err := analysis.ParseJumpPolicy(a.JumpPolicy)
	if err != nil {
		policy = analysis.PolicyNeighborOnly
	}
	return analysis.Config{
		Window:        time.Duration(a.WindowMinutes) * time.Minute,
		JumpThreshold: time.Duration(a.JumpThresholdMinutes) * time.Minute,
		Policy:        policy,
	}
}

type fileConfig struct {
	HTTPPort      string             `json:"http_port" yaml:"http_port"`
	UploadDir     string             `json:"upload_dir" yaml:"upload_dir"`
	WorkDir       string             `json:"work_dir" yaml:"work_dir"`
	ReportDir     string             `json:"report_dir" yaml:"report_dir"`
	DBPath        string             `json:"db_path" yaml:"db_path"`
	EnableWatcher *bool              `json:"enable_watcher" yaml:"enable_watcher"`
	WebhookURLs   []string           `json:"webhook_urls" yaml:"webhook_urls"`
	Analysis      analysisFileConfig `json:"analysis" yaml:"analysis"`
}

type analysisFileConfig struct {
	WindowMinutes        *int   `json:"window_minutes" yaml:"window_minutes"`
	JumpThresholdMinutes *int   `json:"jump_threshold_minutes" yaml:"jump_threshold_minutes"`
	JumpPolicy           string `json:"jump_policy" yaml:"jump_policy"`
}

const (
	defaultPort          = ":8000"
	defaultUploadDir     = "runtime/uploads"
	defaultWorkDir       = "runtime/work"
	defaultReportDir     = "runtime/reports"
	defaultDBFile        = "towerjump.db"
	minQueueSize         = 1
	defaultQueueSize     = 100
	maxQueueSize         = 1024
	defaultWorkerCount   = 4
	defaultJobTimeoutSec = 60
	defaultBackfillLimit = 50
	maxBackfillLimit     = 500
	defaultMaxUploadMB   = 64
)

func defaultAnalysisConfig() AnalysisConfig {
	def := analysis.DefaultConfig()
	return AnalysisConfig{
		WindowMinutes:        int(def.Window / time.Minute),
		JumpThresholdMinutes: int(def.JumpThreshold / time.Minute),
		JumpPolicy:           string(def.Policy),
	}
}

// Load reads configuration from .env, the config file and environment
// variables and applies sane defaults. Invalid values fall back to defaults unless
// STRICT_CONFIG is set.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Config{
		JobQueueSize:  defaultQueueSize,
		WorkerCount:   defaultWorkerCount,
		JobTimeoutSec: defaultJobTimeoutSec,
		BackfillLimit: defaultBackfillLimit,
		StrictConfig:  parseBoolEnv("STRICT_CONFIG"),
		Analysis:      defaultAnalysisConfig(),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		log.Printf("config load failed (%s): %v (using defaults)", configPath, fileErr)
	}

	cfg.Analysis = applyAnalysisOverrides(cfg.Analysis, fileCfg.Analysis)

	cfg.UploadDir = firstNonEmpty(os.Getenv("UPLOAD_DIR"), fileCfg.UploadDir, defaultUploadDir)
	cfg.WorkDir = firstNonEmpty(os.Getenv("WORK_DIR"), fileCfg.WorkDir, defaultWorkDir)
	cfg.ReportDir = firstNonEmpty(os.Getenv("REPORT_DIR"), fileCfg.ReportDir, defaultReportDir)
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	} else if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	} else {
		cfg.DBPath = filepath.Join(cfg.WorkDir, defaultDBFile)
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if legacyPort := os.Getenv("PORT"); legacyPort != "" && cfg.HTTPPort == defaultPort {
		cfg.HTTPPort = legacyPort
	}
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	cfg.EnableWatcher = true
	if fileCfg.EnableWatcher != nil {
		cfg.EnableWatcher = *fileCfg.EnableWatcher
	}
	cfg.EnableWatcher = parseBoolEnvDefault("ENABLE_WATCHER", cfg.EnableWatcher)

	cfg.WebhookURLs = fileCfg.WebhookURLs
	if v := os.Getenv("WEBHOOK_URLS"); v != "" {
		cfg.WebhookURLs = splitList(v)
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid WORKER_COUNT=%q, using default %d", v, defaultWorkerCount)
			n = defaultWorkerCount
		}
		if n <= 0 {
			log.Printf("WORKER_COUNT must be positive, using default %d", defaultWorkerCount)
			n = defaultWorkerCount
		}
		cfg.WorkerCount = n
	}

	if v := os.Getenv("JOB_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("invalid JOB_QUEUE_SIZE=%q, using default %d", v, defaultQueueSize)
			n = defaultQueueSize
		}
		if n < minQueueSize {
			log.Printf("JOB_QUEUE_SIZE raised to minimum %d (was %d)", minQueueSize, n)
			n = minQueueSize
		}
		if n > maxQueueSize {
			log.Printf("JOB_QUEUE_SIZE capped at %d (was %d)", maxQueueSize, n)
			n = maxQueueSize
		}
		cfg.JobQueueSize = n
	}

	if cfg.JobQueueSize < cfg.WorkerCount {
		log.Printf("JOB_QUEUE_SIZE must be >= WORKER_COUNT; using default %d", defaultQueueSize)
		cfg.JobQueueSize = max(defaultQueueSize, cfg.WorkerCount)
	}

	if v := os.Getenv("JOB_TIMEOUT_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid JOB_TIMEOUT_SEC: %w", err)
		}
		if n <= 0 {
			return cfg, fmt.Errorf("JOB_TIMEOUT_SEC must be positive")
		}
		cfg.JobTimeoutSec = n
	}

	if v, ok, err := parseIntEnv("BACKFILL_LIMIT"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid BACKFILL_LIMIT: %w", err)
		}
		log.Printf("invalid BACKFILL_LIMIT: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.BackfillLimit = min(v, maxBackfillLimit)
	}

	cfg.MaxUploadBytes = defaultMaxUploadMB << 20
	if v, ok, err := parseIntEnv("MAX_UPLOAD_MB"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid MAX_UPLOAD_MB: %w", err)
		}
		log.Printf("invalid MAX_UPLOAD_MB: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.MaxUploadBytes = int64(v) << 20
	}

	if v, ok, err := parseIntEnv("WINDOW_MINUTES"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid WINDOW_MINUTES: %w", err)
		}
		log.Printf("invalid WINDOW_MINUTES: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.Analysis.WindowMinutes = v
	}
	if v, ok, err := parseIntEnv("JUMP_THRESHOLD_MINUTES"); err != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("invalid JUMP_THRESHOLD_MINUTES: %w", err)
		}
		log.Printf("invalid JUMP_THRESHOLD_MINUTES: %v (using default)", err)
	} else if ok && v > 0 {
		cfg.Analysis.JumpThresholdMinutes = v
	}
	if v := strings.TrimSpace(os.Getenv("JUMP_POLICY")); v != "" {
		cfg.Analysis.JumpPolicy = v
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Printf("config validation failed: %v (continuing)", err)
		if _, perr := analysis.ParseJumpPolicy(cfg.Analysis.JumpPolicy); perr != nil {
			cfg.Analysis.JumpPolicy = string(analysis.PolicyNeighborOnly)
		}
	}

	log.Printf("config: upload_dir=%s work_dir=%s db=%s workers=%d window_min=%d jump_threshold_min=%d policy=%s webhooks=%d",
		cfg.UploadDir, cfg.WorkDir, cfg.DBPath, cfg.WorkerCount, cfg.Analysis.WindowMinutes, cfg.Analysis.JumpThresholdMinutes, cfg.Analysis.JumpPolicy, len(cfg.WebhookURLs))
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.UploadDir) == "" {
		return errors.New("UPLOAD_DIR is required")
	}
	if strings.TrimSpace(cfg.HTTPPort) == "" {
		return errors.New("HTTP_PORT is required")
	}
	if cfg.Analysis.WindowMinutes <= 0 {
		return errors.New("analysis window minutes must be positive")
	}
	if cfg.Analysis.JumpThresholdMinutes <= 0 {
		return errors.New("analysis jump threshold minutes must be positive")
	}
	if _, err := analysis.ParseJumpPolicy(cfg.Analysis.JumpPolicy); err != nil {
		return err
	}
	return nil
}

func applyAnalysisOverrides(base AnalysisConfig, override analysisFileConfig) AnalysisConfig {
	if override.WindowMinutes != nil && *override.WindowMinutes > 0 {
		base.WindowMinutes = *override.WindowMinutes
	}
	if override.JumpThresholdMinutes != nil && *override.JumpThresholdMinutes > 0 {
		base.JumpThresholdMinutes = *override.JumpThresholdMinutes
	}
	if strings.TrimSpace(override.JumpPolicy) != "" {
		base.JumpPolicy = strings.TrimSpace(override.JumpPolicy)
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return defaultVal
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
