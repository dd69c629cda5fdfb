package analysis

import (
	"fmt"
	"strconv"
	"strings"
)

// Table is a decoded tabular dataset: a header and rows of string fields.
type Table struct {
	Columns []string
	Rows    [][]string
}

// columnIndex maps trimmed column names to positions. Duplicate names after
// trimming make the table ambiguous and are rejected.
func (t Table) columnIndex() (map[string]int, error) {
	idx := make(map[string]int, len(t.Columns))
	for i, name := range t.Columns {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := idx[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidInputFormat, name)
		}
		idx[name] = i
	}
	return idx, nil
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// RecordsTable renders cleaned records back into the input shape. Cleaning
// the result yields the same records.
func RecordsTable(records []Record) Table {
	t := Table{
		Columns: []string{ColLocalDateTime, ColLatitude, ColLongitude, ColState},
		Rows:    make([][]string, 0, len(records)),
	}
	for _, r := range records {
		t.Rows = append(t.Rows, []string{
			r.Timestamp.Format(TimestampLayout),
			strconv.FormatFloat(r.Latitude, 'g', -1, 64),
			strconv.FormatFloat(r.Longitude, 'g', -1, 64),
			r.State,
		})
	}
	return t
}
