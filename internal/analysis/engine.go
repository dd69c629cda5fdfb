package analysis

import (
	"errors"
	"time"

	"towerjump/internal/events"
)

var errLengthMismatch = errors.New("analysis: assemble length mismatch")

// Assemble zips records with their window and jump results into summaries,
// one per record and in record order. halfWidth sets the reported window bounds.
func Assemble(records []Record, windows []WindowResult, jumps []bool, halfWidth time.Duration) ([]IntervalSummary, error) {
	if len(windows) != len(records) || len(jumps) != len(records) {
		return nil, errLengthMismatch
	}
	w := halfWidth
	out := make([]IntervalSummary, len(records))
	for i, r := range records {
		out[i] = IntervalSummary{
			WindowStart:   r.Timestamp.Add(-w),
			WindowEnd:     r.Timestamp.Add(w),
			DominantState: windows[i].DominantState,
			Confidence:    windows[i].Confidence,
			TowerJump:     jumps[i],
		}
	}
	return out, nil
}

// Result is the output of one engine run.
type Result struct {
	Records   []Record
	Summaries []IntervalSummary
	Stats     CleanStats
}

// JumpCount counts flagged summaries.
func (r Result) JumpCount() int {
	n := 0
	for _, s := range r.Summaries {
		if s.TowerJump {
			n++
		}
	}
	return n
}

// Engine runs clean -> window -> jumps -> assemble over one dataset. It keeps
// no state between runs and may be shared across goroutines.
type Engine struct {
	cfg     Config
	sink    events.Sink
	cleaner *Cleaner
	windows *WindowAnalyzer
	jumps   *JumpDetector
}

func NewEngine(cfg Config, sink events.Sink) *Engine {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = events.Discard
	}
	return &Engine{
		cfg:     cfg,
		sink:    sink,
		cleaner: NewCleaner(sink),
		windows: NewWindowAnalyzer(cfg.Window, sink),
		jumps:   NewJumpDetector(cfg.JumpThreshold, cfg.Policy, sink),
	}
}

// Config returns the effective parameters.
func (e *Engine) Config() Config { return e.cfg }

// Run analyzes t. On error no summaries are returned; Stats is filled as
// far as cleaning got.
func (e *Engine) Run(t Table) (Result, error) {
	records, stats, err := e.cleaner.Clean(t)
	if err != nil {
		return Result{Stats: stats}, err
	}
	windows := e.windows.Analyze(records)
	jumps := e.jumps.Detect(records)
	summaries, err := Assemble(records, windows, jumps, e.cfg.Window)
	if err != nil {
		return Result{Stats: stats}, err
	}
	res := Result{Records: records, Summaries: summaries, Stats: stats}
	e.sink.Emit(events.Event{Stage: "analysis", Name: "analysis.completed", Fields: map[string]any{
		"records":   len(records),
		"intervals": len(summaries),
		"jumps":     res.JumpCount(),
		"dropped":   stats.Dropped(),
	}})
	return res, nil
}
