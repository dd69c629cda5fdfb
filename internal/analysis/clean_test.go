package analysis

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerjump/internal/events"
)

var stdHeader = []string{"  LocalDateTime ", "Latitude", " Longitude", "State  ", "Carrier"}

func table(header []string, rows ...[]string) Table {
	return Table{Columns: header, Rows: rows}
}

func at(minute int) time.Time {
	return time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC).Add(time.Duration(minute) * time.Minute)
}

func TestCleanDropsInvalidRowsAndSorts(t *testing.T) {
	rec := &events.Recorder{}
	c := NewCleaner(rec)
	in := table(stdHeader,
		[]string{"01/05/24 10:02", "40.1", "-74.2", "NJ", "x"},
		[]string{"", "", "", "", ""},
		[]string{"01/05/24 10:00", "0", "-74.2", "NJ", "x"},
		[]string{"01/05/24 10:01", "40.1", "abc", "NJ", "x"},
		[]string{"2024-01-05 10:01", "40.1", "-74.2", "NY", "x"},
		[]string{"1/5/24 9:59", " 40.3 ", "-74.0", "NY", "x"},
		[]string{"01/05/24 10:03", "40.1", "-74.2", "   ", "x"},
		[]string{"01/05/24 10:04", "NaN", "-74.2", "NY", "x"},
	)

	records, stats, err := c.Clean(in)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "NY", records[0].State)
	assert.Equal(t, 40.3, records[0].Latitude)
	assert.True(t, records[0].Timestamp.Equal(at(-1)))
	assert.Equal(t, "NJ", records[1].State)
	assert.True(t, records[1].Timestamp.Equal(at(2)))

	assert.Equal(t, CleanStats{
		InputRows:          8,
		BlankRows:          1,
		InvalidCoordinates: 3,
		InvalidTimestamps:  1,
		MissingState:       1,
		Retained:           2,
		TimestampColumn:    ColLocalDateTime,
	}, stats)
	assert.Equal(t, stats.InputRows, stats.Retained+stats.Dropped())

	ev, ok := rec.Find("clean.completed")
	require.True(t, ok)
	assert.Equal(t, 2, ev.Fields["retained"])
}

func TestCleanExcludesZeroCoordinates(t *testing.T) {
	in := table(stdHeader,
		[]string{"01/05/24 10:00", "0", "10", "A", ""},
		[]string{"01/05/24 10:01", "10", "0.0", "A", ""},
		[]string{"01/05/24 10:02", "10", "10", "A", ""},
	)
	records, _, err := NewCleaner(nil).Clean(in)
	require.NoError(t, err)
	require.Len(t, records, 1)
	for _, r := range records {
		assert.NotZero(t, r.Latitude)
		assert.NotZero(t, r.Longitude)
	}
}

func TestCleanFallsBackToUTCDateTime(t *testing.T) {
	in := table([]string{"UTCDateTime", "Latitude", "Longitude", "State"},
		[]string{"01/05/24 10:00", "1", "2", "A"},
	)
	records, stats, err := NewCleaner(nil).Clean(in)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ColUTCDateTime, stats.TimestampColumn)
}

func TestCleanPrefersLocalDateTime(t *testing.T) {
	in := table([]string{"UTCDateTime", "LocalDateTime", "Latitude", "Longitude", "State"},
		[]string{"01/05/24 15:00", "01/05/24 10:00", "1", "2", "A"},
		[]string{"01/05/24 15:01", "", "1", "2", "A"},
	)
	records, stats, err := NewCleaner(nil).Clean(in)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Timestamp.Equal(at(0)))
	assert.Equal(t, 1, stats.InvalidTimestamps)
}

func TestCleanMissingColumns(t *testing.T) {
	tests := []struct {
		name    string
		header  []string
		missing []string
	}{
		{"no datetime", []string{"Latitude", "Longitude", "State"}, []string{"LocalDateTime|UTCDateTime"}},
		{"no state", []string{"LocalDateTime", "Latitude", "Longitude"}, []string{"State"}},
		{"no coordinates", []string{"LocalDateTime", "State"}, []string{"Latitude", "Longitude"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := make([]string, len(tt.header))
			for i := range row {
				row[i] = "1"
			}
			records, _, err := NewCleaner(nil).Clean(table(tt.header, row))
			require.Error(t, err)
			assert.Nil(t, records)
			assert.True(t, errors.Is(err, ErrMissingColumn))
			var mce *MissingColumnError
			require.True(t, errors.As(err, &mce))
			assert.Equal(t, tt.missing, mce.Columns)
		})
	}
}

func TestCleanEmptyDataset(t *testing.T) {
	in := table(stdHeader,
		[]string{"01/05/24 10:00", "0", "0", "A", ""},
		[]string{"", "", "", "", ""},
	)
	records, stats, err := NewCleaner(nil).Clean(in)
	assert.ErrorIs(t, err, ErrEmptyDataset)
	assert.Nil(t, records)
	assert.Equal(t, 2, stats.Dropped())
}

func TestCleanDropsRaggedRows(t *testing.T) {
	in := table(stdHeader,
		[]string{"01/05/24 10:00", "40.1", "-74.1", "NY", ""},
		[]string{"01/05/24 10:01", "40.2", "-74.2"},
		[]string{"01/05/24 10:02", "40.3", "-74.3", "NJ", "", "extra"},
		[]string{"01/05/24 10:03", "40.4", "-74.4", "NJ", ""},
	)
	records, stats, err := NewCleaner(nil).Clean(in)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "NY", records[0].State)
	assert.Equal(t, "NJ", records[1].State)
	assert.Equal(t, 2, stats.MalformedRows)
	assert.Equal(t, 2, stats.Dropped())
	assert.Equal(t, stats.InputRows, stats.Retained+stats.Dropped())

	_, stats, err = NewCleaner(nil).Clean(table(stdHeader, []string{"01/05/24 10:00", "1", "2"}))
	assert.ErrorIs(t, err, ErrEmptyDataset)
	assert.Equal(t, 1, stats.MalformedRows)
}

func TestCleanRejectsDuplicateColumns(t *testing.T) {
	dup := []string{"State", "LocalDateTime", "Latitude", "Longitude", " State"}
	_, _, err := NewCleaner(nil).Clean(table(dup, []string{"A", "01/05/24 10:00", "1", "2", "B"}))
	assert.ErrorIs(t, err, ErrInvalidInputFormat)
}

func TestCleanStableForEqualTimestamps(t *testing.T) {
	in := table(stdHeader,
		[]string{"01/05/24 10:01", "1", "1", "late", ""},
		[]string{"01/05/24 10:00", "1", "1", "first", ""},
		[]string{"01/05/24 10:00", "1", "1", "second", ""},
		[]string{"01/05/24 10:00", "1", "1", "third", ""},
	)
	records, _, err := NewCleaner(nil).Clean(in)
	require.NoError(t, err)
	var states []string
	for _, r := range records {
		states = append(states, r.State)
	}
	assert.Equal(t, []string{"first", "second", "third", "late"}, states)
}

func TestCleanIsIdempotent(t *testing.T) {
	in := table(stdHeader,
		[]string{"01/05/24 10:02", "40.123456789", "-74.2", "NJ", ""},
		[]string{"01/05/24 10:00", "40.1", "-74.25", "NY", ""},
		[]string{"01/05/24 10:00", "40.2", "-74.25", "PA", ""},
		[]string{"12/31/99 23:59", "-33.5", "151.2", "NSW", ""},
	)
	c := NewCleaner(nil)
	first, _, err := c.Clean(in)
	require.NoError(t, err)
	second, stats, err := c.Clean(RecordsTable(first))
	require.NoError(t, err)
	assert.Zero(t, stats.Dropped())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("re-cleaning changed records (-first +second):\n%s", diff)
	}
}

func TestCleanOutputIsSorted(t *testing.T) {
	var rows [][]string
	for i := 30; i >= 0; i-- {
		rows = append(rows, []string{at(i * 7 % 31).Format(TimestampLayout), "1", "1", "A", ""})
	}
	records, _, err := NewCleaner(nil).Clean(table(stdHeader, rows...))
	require.NoError(t, err)
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].Timestamp.Before(records[i-1].Timestamp), "index %d out of order", i)
	}
}

func TestCleanKeepsStateTextVerbatim(t *testing.T) {
	in := table(stdHeader,
		[]string{"01/05/24 10:00", "40.1", "-74.1", " NY ", ""},
		[]string{"01/05/24 10:01", "40.1", "-74.1", "\t", ""},
	)
	records, stats, err := NewCleaner(nil).Clean(in)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, " NY ", records[0].State)
	assert.Equal(t, 1, stats.MissingState)
}
