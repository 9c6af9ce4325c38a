// SPDX-License-Identifier: Apache-2.0

package storeclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/adiadia/visual-replay/internal/domain"
)

// Error is the outcome of a failed store call. Retryable is true for
// network failures, 429 and 5xx.
type Error struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("store %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Temporary() bool { return e.Retryable }

func statusError(op string, status int, body string) *Error {
	var err error
	switch {
	case status == http.StatusNotFound:
		err = domain.ErrNotFound
	case body != "":
		err = errors.New(body)
	default:
		err = errors.New(http.StatusText(status))
	}
	return &Error{
		Op:         op,
		StatusCode: status,
		Retryable:  status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
		Err:        err,
	}
}
