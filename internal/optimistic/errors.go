package optimistic

import "fmt"

// StoreError carries a stable "<operation>.<reason>" code, the human-readable message shown to
// users and the underlying cause.
type StoreError struct {
	code    string
	message string
	err     error
}

// NewStoreError builds a StoreError for operation and reason.
func NewStoreError(operation, reason, message string, cause error) *StoreError {
	return &StoreError{
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

// Message returns the text meant for users.
func (e *StoreError) Message() string {
	if e.message != "" {
		return e.message
	}
	return e.Error()
}
