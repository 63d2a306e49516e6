package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// SuggestionFor returns the suggestion carried anywhere in err's chain.
func SuggestionFor(err error) string {
	var ews *ErrorWithSuggestion
	if errors.As(err, &ews) {
		return ews.Suggestion
	}
	return ""
}

// ErrInvalidYear returns an error for a year argument that is not a number.
func ErrInvalidYear(raw string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid year: %s", raw),
		Suggestion: "Give the school year by its end year, e.g. 2024 for 2023-24",
	}
}

// ErrSourceOffline returns an error when a state data server is unreachable.
func ErrSourceOffline(state string, cause error) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%s data source unreachable: %w", state, cause),
		Suggestion: getSmartSuggestion(cause.Error()),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "deadline exceeded") {
		return "The server may be slow or unreachable. Try again later"
	}

	if strings.Contains(lowerReason, "429") || strings.Contains(lowerReason, "rate limit") {
		return "The server is throttling requests. Wait a few minutes and retry"
	}

	return "Check your internet connection and try again"
}
