package model

import (
	"errors"
	"fmt"
	"path/filepath"
)

var (
	ErrModelNotFound = errors.New("model artifact not found")
	ErrInference     = errors.New("inference failed")
	ErrReleased      = errors.New("model handle already released")
)

// ModelNotFoundError is fatal for the request. The artifact does not
// regenerate itself, so callers must not retry.
type ModelNotFoundError struct {
	Kind Kind
	Path string
}

// Error names only the artifact file; Path stays available for server logs.
func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("%s model artifact %s not found", e.Kind, filepath.Base(e.Path))
}

func (e *ModelNotFoundError) Is(target error) bool { return target == ErrModelNotFound }

type InferenceError struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s %s pass failed: %v", e.Kind, e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func (e *InferenceError) Is(target error) bool { return target == ErrInference }
