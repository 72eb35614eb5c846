// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package device

import (
	"errors"
	"fmt"
)

// ErrNoMemory means that an allocation failed because the
// backing pool is exhausted.
// The caller may retry after destroying resources and
// letting their submissions retire.
var ErrNoMemory = errors.New("device: out of pool memory")

// ErrInvalidHandle means that a destroyed, stale or
// foreign handle was used.
// This is a programmer error and is reported immediately.
var ErrInvalidHandle = errors.New("device: invalid handle")

// ErrInvalidState means that an operation was attempted
// on an encoder that already finished recording.
var ErrInvalidState = errors.New("device: encoder not recording")

// ErrDeviceLost means that the underlying driver failed
// unrecoverably. Every in-flight and future submission
// fails; the Device must be re-created.
var ErrDeviceLost = errors.New("device: device lost")

// ErrTimedOut means that a wait operation reached its
// timeout before the awaited submission retired.
var ErrTimedOut = errors.New("device: wait timed out")

// ValidationError means that a recorded command is
// inconsistent with the current encoder state, such as a
// vertex buffer whose offset does not match the bound
// pipeline's input layout.
// It aborts only the recording that caused it.
type ValidationError struct {
	// Op names the encoder method that failed.
	Op string
	// Detail describes the mismatch.
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("device: %s: %s", e.Op, e.Detail)
}

// validationErr creates a ValidationError.
func validationErr(op, format string, args ...any) error {
	return &ValidationError{Op: op, Detail: fmt.Sprintf(format, args...)}
}
