package analysis

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidInputFormat reports a table that is not well formed.
	ErrInvalidInputFormat = errors.New("invalid input format")
	// ErrMissingColumn reports a required column absent from the header.
	ErrMissingColumn = errors.New("missing required column")
	// ErrEmptyDataset reports that cleaning left no usable records.
	ErrEmptyDataset = errors.New("no usable records after cleaning")
	// ErrParse marks a row-level coercion failure. Rows failing to parse are
	// dropped and counted; Clean never returns this error.
	ErrParse = errors.New("parse error")
)

// MissingColumnError lists the absent columns. For the timestamp it names
// both alternatives joined by "|".
type MissingColumnError struct {
	Columns []string
}

func (e *MissingColumnError) Error() string {
	return ErrMissingColumn.Error() + ": " + strings.Join(e.Columns, ", ")
}

func (e *MissingColumnError) Is(target error) bool {
	return target == ErrMissingColumn
}
