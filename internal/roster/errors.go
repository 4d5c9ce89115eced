package roster

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a referenced class or user absent at read time.
	ErrNotFound = errors.New("not found")
	// ErrPrecondition marks an optimistic-concurrency clash that survived
	// internal retries.
	ErrPrecondition = errors.New("precondition failed")
	// ErrNotEnrolled is the distinct rejection for a scanned identity that
	// does not belong to the open class. Never a silent no-op.
	ErrNotEnrolled = errors.New("student not enrolled in this class")
)

// FieldError pins a validation failure to one input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries the reason an action was rejected.
type ValidationError struct {
	Reason string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s (%s: %s)", e.Reason, e.Fields[0].Field, e.Fields[0].Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(reason string, fields ...FieldError) error {
	return &ValidationError{Reason: reason, Fields: fields}
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
