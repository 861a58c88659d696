package stereo

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is returned when two images that must line up do not.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	ErrNotANumber  = errors.New("not a number")
	ErrNotPositive = errors.New("must be strictly positive")
	ErrNotNormal   = errors.New("must be a normal float")
)

// ArgumentError reports a malformed or out-of-range user supplied value.
type ArgumentError struct {
	Arg   string // name of the argument, e.g. "size"
	Value string
	Err   error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("bad argument: %s %q: %v", e.Arg, e.Value, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

func argError(arg, value string, err error) error {
	return &ArgumentError{Arg: arg, Value: value, Err: err}
}
