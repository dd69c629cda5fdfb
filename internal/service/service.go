package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"towerjump/internal/analysis"
	"towerjump/internal/config"
	"towerjump/internal/ingest"
	"towerjump/internal/metrics"
	"towerjump/internal/report"
	"towerjump/internal/sink"
)

// Service turns uploaded CSV files into reports and hands them to sinks.
type Service struct {
	engine  *analysis.Engine
	metrics *metrics.Metrics
	sinks   []sink.Sink
	now     func() time.Time
	newName func(time.Time) string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the report creation clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNamer overrides report name generation.
func WithNamer(fn func(time.Time) string) Option {
	return func(s *Service) { s.newName = fn }
}

// New builds a service. m may be nil.
func New(engine *analysis.Engine, m *metrics.Metrics, sinks []sink.Sink, opts ...Option) *Service {
	s := &Service{
		engine:  engine,
		metrics: m,
		sinks:   sinks,
		now:     config.Now,
		newName: report.NewName,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine exposes the analysis engine.
func (s *Service) Engine() *analysis.Engine { return s.engine }

// Analyze decodes and analyzes one file without persisting the result.
func (s *Service) Analyze(filename string, r io.Reader) (*report.Report, error) {
	if err := ingest.CheckFilename(filename); err != nil {
		return nil, err
	}
	cr := &countingReader{r: r}
	start := time.Now()
	rep, err := s.analyze(filename, cr)
	elapsed := time.Since(start)
	if err != nil {
		log.Printf("analysis failed file=%s size=%s err=%v", filename, humanize.Bytes(uint64(cr.n)), err)
		return nil, err
	}
	log.Printf("analysis done file=%s size=%s rows=%d retained=%d intervals=%d jumps=%d took=%s",
		filename, humanize.Bytes(uint64(cr.n)), rep.Stats.InputRows, rep.Stats.Retained, len(rep.Intervals), rep.JumpCount, elapsed)
	return rep, nil
}

func (s *Service) analyze(filename string, r io.Reader) (*report.Report, error) {
	tbl, err := ingest.DecodeCSV(r)
	if err != nil {
		s.record(0, analysis.Result{}, err)
		return nil, err
	}
	start := time.Now()
	res, err := s.engine.Run(tbl)
	if err != nil {
		s.record(time.Since(start), res, err)
		return nil, fmt.Errorf("analyze %s: %w", filepath.Base(filename), err)
	}
	s.record(time.Since(start), res, nil)
	created := s.now()
	return report.Build(s.newName(created), filepath.Base(filename), created, res), nil
}

// Process analyzes a file and pushes the report to every sink. The first
// sink error aborts the push.
func (s *Service) Process(ctx context.Context, filename string, r io.Reader) (*report.Report, error) {
	rep, err := s.Analyze(filename, r)
	if err != nil {
		return nil, err
	}
	if err := s.Publish(ctx, rep); err != nil {
		return rep, err
	}
	return rep, nil
}

// Publish pushes an existing report to every sink.
func (s *Service) Publish(ctx context.Context, rep *report.Report) error {
	for _, sk := range s.sinks {
		if err := sk.Push(ctx, rep); err != nil {
			return fmt.Errorf("sink %s: %w", sk.Name(), err)
		}
	}
	if s.metrics != nil && len(s.sinks) > 0 {
		s.metrics.RecordReportWritten()
	}
	return nil
}

func (s *Service) record(d time.Duration, res analysis.Result, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordAnalysis(metrics.AnalysisOutcome{
		Duration: d,
		Retained: res.Stats.Retained,
		Dropped:  res.Stats.Dropped(),
		Jumps:    res.JumpCount(),
		Err:      err,
	})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
