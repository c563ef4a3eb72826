package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types for classifying backend failures.

// HTTPError is returned when the backend answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, body)
}

// TransportError represents a failure to reach the backend or read its reply.
type TransportError struct {
	err error
}

func (e *TransportError) Error() string {
	return e.err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.err
}

// NewTransportError wraps an error as a transport failure.
func NewTransportError(err error) error {
	return &TransportError{err: err}
}

// DecodeError represents a response body that could not be parsed.
type DecodeError struct {
	err error
}

func (e *DecodeError) Error() string {
	return e.err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.err
}

// NewDecodeError wraps an error as a decode failure.
func NewDecodeError(err error) error {
	return &DecodeError{err: err}
}

// ValidationError is a locally rejected input. It never reaches the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsAuth returns true for 401/403 responses. The credential must be treated as invalid.
func IsAuth(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsServer returns true for non-2xx responses other than auth failures.
func IsServer(err error) bool {
	code := StatusCode(err)
	return code != 0 && !IsAuth(err)
}

// IsTransport returns true if the backend could not be reached.
func IsTransport(err error) bool {
	var transport *TransportError
	return errors.As(err, &transport)
}

// IsDecode returns true if a response body was malformed.
func IsDecode(err error) bool {
	var decode *DecodeError
	return errors.As(err, &decode)
}

// IsValidation returns true if the input was rejected locally.
func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}

// Reason maps an error to a short message suitable for display.
// The raw error stays available to callers for diagnostics.
func Reason(err error) string {
	var validation *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return validation.Error()
	case IsAuth(err):
		return "Your session has expired. Please log in again."
	case IsTransport(err):
		return "Could not reach the server. Check your connection."
	case IsDecode(err):
		return "The server sent a response we could not read."
	case IsServer(err):
		return fmt.Sprintf("Server error (%d).", StatusCode(err))
	default:
		return "Something went wrong."
	}
}
