package report

import (
	"bytes"
	"regexp"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerjump/internal/analysis"
)

var base = time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)

func sampleResult() analysis.Result {
	return analysis.Result{
		Records: []analysis.Record{
			{Timestamp: base, Latitude: 40.7, Longitude: -74.0, State: "NY"},
			{Timestamp: base.Add(time.Minute), Latitude: 40.9, Longitude: -74.2, State: "NJ"},
		},
		Summaries: []analysis.IntervalSummary{
			{WindowStart: base.Add(-10 * time.Minute), WindowEnd: base.Add(10 * time.Minute), DominantState: "NY", Confidence: 1},
			{WindowStart: base.Add(-9 * time.Minute), WindowEnd: base.Add(11 * time.Minute), DominantState: "NY", Confidence: 0.5, TowerJump: true},
		},
		Stats: analysis.CleanStats{InputRows: 3, Retained: 2, BlankRows: 1},
	}
}

func TestNewName(t *testing.T) {
	name := NewName(base)
	assert.Regexp(t, regexp.MustCompile(`^report_20240105_100000_[0-9a-f]{8}$`), name)
	assert.NotEqual(t, name, NewName(base))
}

func TestBuild(t *testing.T) {
	r := Build("r1", "trip.csv", base, sampleResult())
	assert.Equal(t, 1, r.JumpCount)
	assert.InDelta(t, 0.75, r.MeanConfidence, 1e-9)
	assert.Equal(t, orb.Bound{Min: orb.Point{-74.2, 40.7}, Max: orb.Point{-74.0, 40.9}}, r.Bounds)
	assert.Equal(t, 2, r.Header().IntervalCount)

	back := FromStore(r.Header(), r.Intervals)
	assert.Equal(t, r, back)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleResult().Summaries))
	want := "start_time,end_time,State,tower_jump,confidence\n" +
		"2024-01-05T09:50:00,2024-01-05T10:10:00,NY,no,1.0\n" +
		"2024-01-05T09:51:00,2024-01-05T10:11:00,NY,yes,0.5\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteJSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}
