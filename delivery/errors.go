// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"fmt"
	"net/http"
)

// CodeUnknown is the Matrix error code surfaced by the delivery core.
// The code travels in the response body alongside the HTTP status.
const CodeUnknown = "M_UNKNOWN"

// Error is a client-visible request failure: a Matrix error code, a
// human-readable message, and the HTTP status it maps to. Server-side
// failures (store errors, replication failures) are not Errors — they
// are wrapped and propagated as plain errors and surface as a generic
// 500 at the transport.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status the error maps to. Transports
// discover it through an interface check, keeping them independent of
// this package.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// badRequest is shorthand for the common 400 M_UNKNOWN failure shape.
func badRequest(format string, args ...any) *Error {
	return &Error{
		StatusCode: http.StatusBadRequest,
		Code:       CodeUnknown,
		Message:    fmt.Sprintf(format, args...),
	}
}
