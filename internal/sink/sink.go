package sink

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"towerjump/internal/report"
	"towerjump/internal/store"
)

// Sink is the minimal interface all report sinks must implement.
type Sink interface {
	Name() string
	Push(ctx context.Context, r *report.Report) error
}

type sqliteSink struct {
	st *store.Store
}

// NewSQLite persists reports and their intervals into the store.
func NewSQLite(st *store.Store) Sink {
	return &sqliteSink{st: st}
}

func (s *sqliteSink) Name() string { return "sqlite" }

func (s *sqliteSink) Push(ctx context.Context, r *report.Report) error {
	if err := s.st.SaveReport(ctx, r.Header(), r.Intervals); err != nil {
		return fmt.Errorf("save report %s: %w", r.Name, err)
	}
	return nil
}

// CSVDir writes each report to <dir>/<name>.csv.
type CSVDir struct {
	dir string
}

func NewCSVDir(dir string) *CSVDir {
	return &CSVDir{dir: dir}
}

func (c *CSVDir) Name() string { return "csv" }

// Path returns the file a report with the given name is written to.
func (c *CSVDir) Path(name string) string {
	return filepath.Join(c.dir, name+".csv")
}

func (c *CSVDir) Push(ctx context.Context, r *report.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, "."+r.Name+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := report.WriteCSV(tmp, r.Intervals); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", r.Name, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	dst := c.Path(r.Name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	log.Printf("report written path=%s intervals=%d size=%s", dst, len(r.Intervals), humanize.Bytes(uint64(info.Size())))
	return nil
}
