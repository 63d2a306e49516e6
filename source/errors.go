package source

import (
	"errors"
	"fmt"
	"strings"

	"schooldata/internal/utils"
)

var (
	// ErrYearUnavailable is returned for an end year a state has not published.
	ErrYearUnavailable = errors.New("year not available")

	// ErrUnknownState is returned when no package is registered for a state code.
	ErrUnknownState = errors.New("unknown state")

	// ErrMissingColumn is returned when a data file lacks a required column.
	ErrMissingColumn = errors.New("required column missing")

	// ErrInvalidCount is returned for a count cell that is not a whole number.
	ErrInvalidCount = errors.New("invalid count")

	// ErrInvalidID is returned for a district or school code that cannot be normalised.
	ErrInvalidID = errors.New("invalid identifier")
)

// ParseError locates a problem in a state data file.
type ParseError struct {
	State  string
	Line   int
	Column string
	Value  string
	Err    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s data line %d", e.State, e.Line)
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, " value %q", e.Value)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

func yearUnavailable(state string, year int) error {
	return utils.WrapWithSuggestion(
		fmt.Errorf("%s %d: %w", state, year, ErrYearUnavailable),
		fmt.Sprintf("Run 'schooldata years %s' to list the years on record", strings.ToLower(state)),
	)
}

func unknownState(code string) error {
	return utils.WrapWithSuggestion(
		fmt.Errorf("%w: %q", ErrUnknownState, code),
		fmt.Sprintf("Supported states: %s", strings.Join(States(), ", ")),
	)
}
