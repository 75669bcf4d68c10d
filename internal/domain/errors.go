package domain

import "errors"

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")

	ErrMissingField         = errors.New("missing required field")
	ErrInvalidAddressFormat = errors.New("invalid push address format")
	ErrGatewayTransport     = errors.New("push gateway transport error")
	ErrPersistence          = errors.New("persistence error")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// MissingFieldError reports a required parameter the caller omitted.
// It matches ErrMissingField under errors.Is.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return e.Field + ": " + ErrMissingField.Error()
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

// MissingField returns a MissingFieldError for the named field.
func MissingField(field string) error {
	return &MissingFieldError{Field: field}
}
