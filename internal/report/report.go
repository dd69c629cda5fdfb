package report

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat"

	"towerjump/internal/analysis"
	"towerjump/internal/store"
)

// Report is one finished analysis of an uploaded dataset.
type Report struct {
	Name           string                     `json:"name"`
	SourceFile     string                     `json:"source_file"`
	CreatedAt      time.Time                  `json:"created_at"`
	Stats          analysis.CleanStats        `json:"stats"`
	Intervals      []analysis.IntervalSummary `json:"intervals"`
	JumpCount      int                        `json:"jump_count"`
	MeanConfidence float64                    `json:"mean_confidence"`
	Bounds         orb.Bound                  `json:"bounds"`
}

// CSVHeader is the column order of the CSV rendering.
var CSVHeader = []string{"start_time", "end_time", "State", "tower_jump", "confidence"}

// NewName returns report_<UTC yyyymmdd_hhmmss>_<8 hex chars>.
func NewName(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "report_" + now.UTC().Format("20060102_150405") + "_" + id[:8]
}

// Build summarizes an engine result.
func Build(name, source string, created time.Time, res analysis.Result) *Report {
	r := &Report{
		Name:       name,
		SourceFile: source,
		CreatedAt:  created,
		Stats:      res.Stats,
		Intervals:  res.Summaries,
		JumpCount:  res.JumpCount(),
	}
	r.MeanConfidence = meanConfidence(res.Summaries)
	if len(res.Records) > 0 {
		mp := make(orb.MultiPoint, len(res.Records))
		for i, rec := range res.Records {
			mp[i] = rec.Point()
		}
		r.Bounds = mp.Bound()
	}
	return r
}

func meanConfidence(intervals []analysis.IntervalSummary) float64 {
	if len(intervals) == 0 {
		return 0
	}
	conf := make([]float64, len(intervals))
	for i, iv := range intervals {
		conf[i] = iv.Confidence
	}
	return stat.Mean(conf, nil)
}

// Header returns the persisted form of the report without its intervals.
func (r *Report) Header() store.Report {
	return store.Report{
		Name:           r.Name,
		SourceFile:     r.SourceFile,
		CreatedAt:      r.CreatedAt,
		Stats:          r.Stats,
		IntervalCount:  len(r.Intervals),
		JumpCount:      r.JumpCount,
		MeanConfidence: r.MeanConfidence,
		Bounds:         r.Bounds,
	}
}

// FromStore rebuilds a report from its stored header and intervals.
func FromStore(h store.Report, intervals []analysis.IntervalSummary) *Report {
	return &Report{
		Name:           h.Name,
		SourceFile:     h.SourceFile,
		CreatedAt:      h.CreatedAt,
		Stats:          h.Stats,
		Intervals:      intervals,
		JumpCount:      h.JumpCount,
		MeanConfidence: h.MeanConfidence,
		Bounds:         h.Bounds,
	}
}

// WriteCSV writes intervals as CSV with CSVHeader.
func WriteCSV(w io.Writer, intervals []analysis.IntervalSummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, iv := range intervals {
		row := []string{iv.StartISO(), iv.EndISO(), iv.DominantState, iv.JumpLabel(), formatConfidence(iv.Confidence)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes intervals as an indented JSON array.
func WriteJSON(w io.Writer, intervals []analysis.IntervalSummary) error {
	if intervals == nil {
		intervals = []analysis.IntervalSummary{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(intervals)
}

// formatConfidence keeps one decimal on whole values (1.0, not 1).
func formatConfidence(c float64) string {
	s := strconv.FormatFloat(c, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
