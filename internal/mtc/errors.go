package mtc

import (
	"errors"
	"fmt"
)

// ErrOutOfRange reports a time code field outside its legal range. Every
// [DecodeError] wraps it.
var ErrOutOfRange = errors.New("mtc: value out of range")

// DecodeError indicates a malformed or non-compliant MTC field. The
// decoder state is left untouched when one is returned.
type DecodeError struct {
	Field string
	Value int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mtc: decode %s: %d out of range", e.Field, e.Value)
}

func (e *DecodeError) Unwrap() error {
	return ErrOutOfRange
}
