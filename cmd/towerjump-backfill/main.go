// Command towerjump-backfill asks a running towerjumpd to analyze every CSV
// in the upload directory that has no finished report yet.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"towerjump/internal/config"
	"towerjump/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	dir := flag.String("dir", cfg.UploadDir, "directory holding CSV uploads")
	base := flag.String("url", os.Getenv("SERVICE_BASE_URL"), "towerjumpd base URL")
	parallel := flag.Int("parallel", 8, "concurrent enqueue requests")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	files, err := listCSVFiles(*dir)
	if err != nil {
		log.Fatalf("scan %s: %v", *dir, err)
	}
	if len(files) == 0 {
		log.Println("no csv files found")
		return
	}

	baseURL := normalizeBaseURL(*base, cfg.HTTPPort)
	client := &http.Client{Timeout: 30 * time.Second}
	statuses, err := fetchStatuses(ctx, client, baseURL)
	if err != nil {
		log.Fatalf("fetch upload statuses: %v", err)
	}
	pending := filterPending(files, statuses)
	log.Printf("found %d csv files, %d without a report", len(files), len(pending))
	if len(pending) == 0 {
		return
	}
	queued, failed := enqueueAll(ctx, client, baseURL, pending, *parallel)
	log.Printf("queued=%d failed=%d", queued, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func normalizeBaseURL(raw, port string) string {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "http://localhost" + port
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	return raw
}

func listCSVFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.ToLower(filepath.Ext(name)) != ".csv" {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func fetchStatuses(ctx context.Context, client *http.Client, baseURL string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/uploads?limit=1000", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list uploads: %s", resp.Status)
	}
	var uploads []store.Upload
	if err := json.NewDecoder(resp.Body).Decode(&uploads); err != nil {
		return nil, err
	}
	statuses := make(map[string]string, len(uploads))
	for _, u := range uploads {
		statuses[u.FileID] = u.Status
	}
	return statuses, nil
}

func filterPending(files []string, statuses map[string]string) []string {
	var pending []string
	for _, f := range files {
		if statuses[f] != store.UploadDone {
			pending = append(pending, f)
		}
	}
	return pending
}

func enqueueAll(ctx context.Context, client *http.Client, baseURL string, files []string, parallel int) (int, int) {
	if parallel < 1 {
		parallel = 1
	}
	var queued, failed atomic.Int64
	var wg sync.WaitGroup
	slots := make(chan struct{}, parallel)
	for _, f := range files {
		wg.Add(1)
		slots <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-slots }()
			if err := enqueueOne(ctx, client, baseURL, name); err != nil {
				log.Printf("enqueue %s: %v", name, err)
				failed.Add(1)
				return
			}
			log.Printf("queued %s", name)
			queued.Add(1)
		}(f)
	}
	wg.Wait()
	return int(queued.Load()), int(failed.Load())
}

func enqueueOne(ctx context.Context, client *http.Client, baseURL, fileID string) error {
	body, err := json.Marshal(map[string]string{"file_id": fileID, "stage": "ANALYZE"})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/ops/jobs/enqueue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}
