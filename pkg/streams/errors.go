package streams

import (
	"errors"
	"fmt"
)

var (
	ErrParse                  = errors.New("stream parse failed")
	ErrMissingFrame           = errors.New("stream frame missing")
	ErrUnsupportedCompression = errors.New("unsupported compression")
	ErrUnsupportedType        = errors.New("unsupported sample type")
	ErrShapeMismatch          = errors.New("sample buffer does not match shape")
	ErrChannelOutOfRange      = errors.New("spectrum channel out of range")
	ErrWrongKind              = errors.New("stream kind mismatch")
)

// ParseError describes why a stream payload could not be decoded.
type ParseError struct {
	// Kind is the kind tag the parser expected.
	Kind string

	// Err is the underlying error.
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s stream: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is makes every ParseError match ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

func parseErr(kind string, err error) error {
	return &ParseError{Kind: kind, Err: err}
}
