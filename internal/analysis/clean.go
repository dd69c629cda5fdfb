package analysis

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"towerjump/internal/events"
)

// Cleaner validates raw rows and turns them into time-ordered records.
type Cleaner struct {
	sink events.Sink
}

func NewCleaner(sink events.Sink) *Cleaner {
	if sink == nil {
		sink = events.Discard
	}
	return &Cleaner{sink: sink}
}

type cleanColumns struct {
	lat, lon, ts, state int
	tsName              string
}

func resolveColumns(t Table) (cleanColumns, error) {
	idx, err := t.columnIndex()
	if err != nil {
		return cleanColumns{}, err
	}
	var cols cleanColumns
	var missing []string
	lookup := func(name string) int {
		i, ok := idx[name]
		if !ok {
			missing = append(missing, name)
			return -1
		}
		return i
	}
	cols.lat = lookup(ColLatitude)
	cols.lon = lookup(ColLongitude)
	if i, ok := idx[ColLocalDateTime]; ok {
		cols.ts, cols.tsName = i, ColLocalDateTime
	} else if i, ok := idx[ColUTCDateTime]; ok {
		cols.ts, cols.tsName = i, ColUTCDateTime
	} else {
		missing = append(missing, ColLocalDateTime+"|"+ColUTCDateTime)
	}
	cols.state = lookup(ColState)
	if len(missing) > 0 {
		return cleanColumns{}, &MissingColumnError{Columns: missing}
	}
	return cols, nil
}

// Clean returns the usable records sorted by timestamp (stable), together
// with per-reason drop counts. Column-structure problems fail the whole table
// and no records are returned; a row whose field count differs from the
// header is dropped like any other unusable row.
func (c *Cleaner) Clean(t Table) ([]Record, CleanStats, error) {
	stats := CleanStats{InputRows: len(t.Rows)}
	cols, err := resolveColumns(t)
	if err != nil {
		return nil, stats, err
	}
	stats.TimestampColumn = cols.tsName

	out := make([]Record, 0, len(t.Rows))
	for _, row := range t.Rows {
		if len(row) != len(t.Columns) {
			stats.MalformedRows++
			continue
		}
		if blankRow(row) {
			stats.BlankRows++
			continue
		}
		lat, errLat := parseCoordinate(row[cols.lat])
		lon, errLon := parseCoordinate(row[cols.lon])
		if errLat != nil || errLon != nil {
			stats.InvalidCoordinates++
			continue
		}
		ts, err := parseTimestamp(row[cols.ts])
		if err != nil {
			stats.InvalidTimestamps++
			continue
		}
		// whitespace-only State counts as missing; any other text is kept verbatim
		state := row[cols.state]
		if strings.TrimSpace(state) == "" {
			stats.MissingState++
			continue
		}
		out = append(out, Record{Timestamp: ts, Latitude: lat, Longitude: lon, State: state})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	stats.Retained = len(out)

	c.sink.Emit(events.Event{Stage: "clean", Name: "clean.completed", Fields: map[string]any{
		"input_rows":          stats.InputRows,
		"malformed_rows":      stats.MalformedRows,
		"retained":            stats.Retained,
		"blank_rows":          stats.BlankRows,
		"invalid_coordinates": stats.InvalidCoordinates,
		"invalid_timestamps":  stats.InvalidTimestamps,
		"missing_state":       stats.MissingState,
		"timestamp_column":    stats.TimestampColumn,
	}})

	if len(out) == 0 {
		return nil, stats, fmt.Errorf("%w: %d rows dropped", ErrEmptyDataset, stats.Dropped())
	}
	return out, stats, nil
}

// parseCoordinate accepts finite, non-zero numbers. Zero is the device's
// "no fix" sentinel.
func parseCoordinate(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrParse, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
		return 0, fmt.Errorf("%w: coordinate %q out of domain", ErrParse, raw)
	}
	return v, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	ts, err := time.Parse(TimestampLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrParse, raw)
	}
	return ts, nil
}
