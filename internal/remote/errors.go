package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the failure shape returned by every Resource call.
type Error struct {
	StatusCode int
	StatusText string
	// Network is true when no HTTP response was received.
	Network bool
	Message string
	Method  string
	URL     string
	cause   error
}

func (e *Error) Error() string {
	if e.Network {
		return fmt.Sprintf("remote: %s %s: %s: %v", e.Method, e.URL, e.Message, e.cause)
	}
	return fmt.Sprintf("remote: %s %s: %s", e.Method, e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Message extracts the human-readable message of a remote failure. Errors that do not carry a
// remote failure yield fallback.
func Message(err error, fallback string) string {
	var remoteErr *Error
	if errors.As(err, &remoteErr) && remoteErr.Message != "" {
		return remoteErr.Message
	}
	return fallback
}

func networkError(method, url string, cause error) *Error {
	return &Error{
		StatusCode: 0,
		Network:    true,
		Message:    translateStatus(0, ""),
		Method:     method,
		URL:        url,
		cause:      cause,
	}
}

func statusError(method, url string, statusCode int, statusText string) *Error {
	return &Error{
		StatusCode: statusCode,
		StatusText: statusText,
		Message:    translateStatus(statusCode, statusText),
		Method:     method,
		URL:        url,
	}
}

func translateStatus(statusCode int, statusText string) string {
	switch statusCode {
	case 0:
		return "no connection to the server, check your network"
	case http.StatusBadRequest:
		return "invalid request, check the submitted data"
	case http.StatusNotFound:
		return "resource not found"
	case http.StatusInternalServerError:
		return "internal server error, try again later"
	default:
		return fmt.Sprintf("error %d: %s", statusCode, statusText)
	}
}

// NewStatusError builds the failure reported for a non-2xx response.
func NewStatusError(method, url string, statusCode int) *Error {
	return statusError(method, url, statusCode, http.StatusText(statusCode))
}
