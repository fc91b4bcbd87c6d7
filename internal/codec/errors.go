package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks input bytes that are not a usable image.
	ErrDecode = errors.New("decode error")

	// ErrShape marks input whose size or layout does not match what a model expects.
	ErrShape = errors.New("shape error")
)

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

type ShapeError struct {
	Want int
	Got  int
	What string
}

func (e *ShapeError) Error() string {
	if e.Want == 0 && e.Got == 0 {
		return e.What
	}
	return fmt.Sprintf("expected %d %s, got %d", e.Want, e.What, e.Got)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }
