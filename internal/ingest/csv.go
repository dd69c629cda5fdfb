package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"towerjump/internal/analysis"
)

const utf8BOM = "\ufeff"

// IsCSV reports whether name carries a .csv extension.
func IsCSV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".csv")
}

// CheckFilename rejects uploads that are not CSV files.
func CheckFilename(name string) error {
	if !IsCSV(name) {
		return fmt.Errorf("%w: only CSV files are allowed (got %q)", analysis.ErrInvalidInputFormat, filepath.Base(name))
	}
	return nil
}

// DecodeCSV reads a header row followed by data rows. Rows may have any
// number of fields; the cleaner drops those that do not match the header.
func DecodeCSV(r io.Reader) (analysis.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return analysis.Table{}, fmt.Errorf("%w: empty file", analysis.ErrInvalidInputFormat)
	}
	if err != nil {
		return analysis.Table{}, fmt.Errorf("%w: header: %v", analysis.ErrInvalidInputFormat, err)
	}
	header[0] = strings.TrimPrefix(header[0], utf8BOM)

	t := analysis.Table{Columns: header}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return analysis.Table{}, fmt.Errorf("%w: %v", analysis.ErrInvalidInputFormat, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
