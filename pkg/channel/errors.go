package channel

import (
	"errors"
	"fmt"
)

// ErrRead matches any *ReadError via errors.Is.
var ErrRead = errors.New("channel read failed")

// ReadError is returned when a channel could not be read.
type ReadError struct {
	Channel string
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read channel %s: %v", e.Channel, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Is(target error) bool { return target == ErrRead }
