// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

var ErrValidation = errors.New("validation failed")
var ErrNotFound = errors.New("not found")
var ErrWrongState = errors.New("operation not valid in current state")
var ErrStaleRecovery = errors.New("stale recovery resolution")
var ErrSessionActive = errors.New("session already active")
var ErrSessionConflict = errors.New("teach and execute sessions are mutually exclusive")
var ErrUnknownActionKind = errors.New("unknown action kind")

// Validationf wraps ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// CaptureError reports that the screen image was unavailable.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return "screen capture failed: " + e.Err.Error()
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Temporary marks capture failures as retryable.
func (e *CaptureError) Temporary() bool { return true }

type temporary interface {
	Temporary() bool
}

// IsTransient reports whether err is a retryable failure of an external
// collaborator (capture or transport).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
