package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"towerjump/internal/report"
)

// Summary is the payload posted to webhook endpoints once a report is written.
type Summary struct {
	Name           string    `json:"name"`
	SourceFile     string    `json:"source_file"`
	CreatedAt      time.Time `json:"created_at"`
	IntervalCount  int       `json:"interval_count"`
	JumpCount      int       `json:"jump_count"`
	MeanConfidence float64   `json:"mean_confidence"`
	RowsRetained   int       `json:"rows_retained"`
	RowsDropped    int       `json:"rows_dropped"`
}

// Webhook notifies external endpoints about finished reports. Delivery is
// best effort: failures are logged and never fail the analysis.
type Webhook struct {
	endpoints []string
	client    *http.Client
}

func NewWebhook(endpoints []string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{endpoints: endpoints, client: client}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Push(ctx context.Context, r *report.Report) error {
	if len(w.endpoints) == 0 {
		return nil
	}
	buf, err := json.Marshal(Summary{
		Name:           r.Name,
		SourceFile:     r.SourceFile,
		CreatedAt:      r.CreatedAt,
		IntervalCount:  len(r.Intervals),
		JumpCount:      r.JumpCount,
		MeanConfidence: r.MeanConfidence,
		RowsRetained:   r.Stats.Retained,
		RowsDropped:    r.Stats.Dropped(),
	})
	if err != nil {
		return err
	}
	for _, endpoint := range w.endpoints {
		if err := w.post(ctx, endpoint, buf); err != nil {
			log.Printf("webhook %s report=%s: %v", endpoint, r.Name, err)
		}
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
