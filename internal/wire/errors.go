package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds the
	// configured maximum. The stream cannot be resynchronised after it.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

	// ErrEmptyFrame is wrapped in a DecodeError for zero-length frames.
	ErrEmptyFrame = errors.New("wire: empty frame")

	// ErrMissingCommand is wrapped in a DecodeError for records without cmd.
	ErrMissingCommand = errors.New("wire: record has no cmd field")
)

// DecodeError reports a complete frame whose payload could not be parsed.
// Frame boundaries are intact, so the next Decode call continues with the
// following frame.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: malformed record: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err left the stream usable.
func IsRecoverable(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
