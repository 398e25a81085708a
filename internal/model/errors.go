package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups addressing an id or name path that is
// not part of the tree.
var ErrNotFound = errors.New("entity not found")

// ErrReadOnly rejects control writes to values whose permission excludes
// writing.
var ErrReadOnly = errors.New("value is read-only")

type ValidationKind string

const (
	OutOfRange ValidationKind = "out_of_range"
	TooLong    ValidationKind = "too_long"
	WrongType  ValidationKind = "wrong_type"
	MissingID  ValidationKind = "missing_id"
)

// ValidationError rejects a write before it reaches the network.
type ValidationError struct {
	Kind   ValidationKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Kind, e.Reason)
}

func validationErrorf(kind ValidationKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError, returning it.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
