package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"towerjump/internal/analysis"
)

// Report is the persisted header of an analysis report.
type Report struct {
	Name           string              `json:"name"`
	SourceFile     string              `json:"source_file"`
	CreatedAt      time.Time           `json:"created_at"`
	Stats          analysis.CleanStats `json:"stats"`
	IntervalCount  int                 `json:"interval_count"`
	JumpCount      int                 `json:"jump_count"`
	MeanConfidence float64             `json:"mean_confidence"`
	Bounds         orb.Bound           `json:"bounds"`
}

// SaveReport writes the report header and its intervals in one transaction,
// replacing any report stored under the same name.
func (s *Store) SaveReport(ctx context.Context, r Report, intervals []analysis.IntervalSummary) error {
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM report_intervals WHERE report_name=?`, r.Name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO reports(name, source_file, created_at, stats_json, interval_count, jump_count, mean_confidence, min_lon, min_lat, max_lon, max_lat)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET source_file=excluded.source_file, created_at=excluded.created_at, stats_json=excluded.stats_json,
			interval_count=excluded.interval_count, jump_count=excluded.jump_count, mean_confidence=excluded.mean_confidence,
			min_lon=excluded.min_lon, min_lat=excluded.min_lat, max_lon=excluded.max_lon, max_lat=excluded.max_lat`,
		r.Name, r.SourceFile, r.CreatedAt, string(stats), len(intervals), r.JumpCount, r.MeanConfidence,
		r.Bounds.Min.Lon(), r.Bounds.Min.Lat(), r.Bounds.Max.Lon(), r.Bounds.Max.Lat())
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO report_intervals(report_name, seq, start_time, end_time, state, tower_jump, confidence) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, iv := range intervals {
		if _, err := stmt.ExecContext(ctx, r.Name, i, iv.StartISO(), iv.EndISO(), iv.DominantState, iv.TowerJump, iv.Confidence); err != nil {
			return fmt.Errorf("insert interval %d: %w", i, err)
		}
	}
	return tx.Commit()
}

const reportColumns = `name, source_file, created_at, stats_json, interval_count, jump_count, mean_confidence, min_lon, min_lat, max_lon, max_lat`

func scanReport(row scanner) (Report, error) {
	var r Report
	var source, stats sql.NullString
	var minLon, minLat, maxLon, maxLat sql.NullFloat64
	if err := row.Scan(&r.Name, &source, &r.CreatedAt, &stats, &r.IntervalCount, &r.JumpCount, &r.MeanConfidence, &minLon, &minLat, &maxLon, &maxLat); err != nil {
		return r, err
	}
	r.SourceFile = source.String
	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &r.Stats); err != nil {
			return r, fmt.Errorf("report %s stats: %w", r.Name, err)
		}
	}
	r.Bounds = orb.Bound{
		Min: orb.Point{minLon.Float64, minLat.Float64},
		Max: orb.Point{maxLon.Float64, maxLat.Float64},
	}
	return r, nil
}

// GetReport returns the named report header or ErrNotFound.
func (s *Store) GetReport(ctx context.Context, name string) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE name=?`, name)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReports returns report headers, newest first.
func (s *Store) ListReports(ctx context.Context, limit int) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports ORDER BY created_at DESC, name DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListIntervals returns the intervals of a report in their original order.
func (s *Store) ListIntervals(ctx context.Context, name string) ([]analysis.IntervalSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start_time, end_time, state, tower_jump, confidence FROM report_intervals WHERE report_name=? ORDER BY seq ASC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []analysis.IntervalSummary
	for rows.Next() {
		var start, end string
		var iv analysis.IntervalSummary
		if err := rows.Scan(&start, &end, &iv.DominantState, &iv.TowerJump, &iv.Confidence); err != nil {
			return nil, err
		}
		if iv.WindowStart, err = analysis.ParseISO(start); err != nil {
			return nil, fmt.Errorf("interval start: %w", err)
		}
		if iv.WindowEnd, err = analysis.ParseISO(end); err != nil {
			return nil, fmt.Errorf("interval end: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}
