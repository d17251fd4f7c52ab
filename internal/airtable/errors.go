// Package airtable provides the Airtable REST client used as the remote store
// for CRM synchronization.
package airtable

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies API failures so callers can branch on the category
// instead of matching message strings.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindInvalidFormula ErrorKind = "invalid_formula"
	KindNotFound       ErrorKind = "not_found"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindNetwork        ErrorKind = "network"
	KindAPI            ErrorKind = "api"
)

// APIError is the tagged error returned for every failed Airtable operation.
type APIError struct {
	Kind       ErrorKind
	StatusCode int // zero for network errors
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("airtable: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("airtable: %s: %s", e.Kind, e.Message)
}

// IsInvalidFormula reports whether err is a filter-formula rejection, the
// signal for change detection to fall back to client-side comparison.
func IsInvalidFormula(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindInvalidFormula
}

// IsNotFound reports whether err is a 404 for a single record.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// IsRateLimited reports whether err is a 429 rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited
}

// IsRetryable reports whether the failed operation may succeed on retry.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

func classify(statusCode int, message string) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Message:    message,
		Kind:       KindAPI,
	}
	switch {
	case statusCode == 429:
		apiErr.Kind = KindRateLimited
		apiErr.Retryable = true
	case statusCode == 404:
		apiErr.Kind = KindNotFound
	case statusCode == 401 || statusCode == 403:
		apiErr.Kind = KindUnauthorized
	case statusCode == 422 && containsFold(message, "formula"):
		apiErr.Kind = KindInvalidFormula
	case statusCode >= 500:
		apiErr.Retryable = true
	}
	return apiErr
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
