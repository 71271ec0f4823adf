// Copyright 2025 Microsoft Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"fmt"
)

// Error kinds. Kinds are stable strings intended to be matched
// programmatically; messages are for display.
const (
	ErrorKindAuthFailed          = "AuthFailed"
	ErrorKindNetworkError        = "NetworkError"
	ErrorKindMetadataFetchFailed = "MetadataFetchFailed"
	ErrorKindEntityError         = "EntityError"
	ErrorKindActionError         = "ActionError"
	ErrorKindLabelError          = "LabelError"
	ErrorKindNotFound            = "NotFound"
	ErrorKindConflict            = "Conflict"
	ErrorKindReadOnlyEntity      = "ReadOnlyEntity"
	ErrorKindKeyMismatch         = "KeyMismatch"
	ErrorKindValidationFailed    = "ValidationFailed"
	ErrorKindCacheUnavailable    = "CacheUnavailable"
	ErrorKindSyncAlreadyRunning  = "SyncAlreadyRunning"
	ErrorKindSyncCancelled       = "SyncCancelled"
	ErrorKindSyncFailed          = "SyncFailed"
)

// maxBodyExcerpt caps how much of a response body an Error retains.
const maxBodyExcerpt = 2048

// Error is the typed error surfaced by every component of the client.
type Error struct {
	// Kind is one of the ErrorKind constants.
	Kind string

	// Target names what the error applies to: an entity set, an action
	// name, a label ID or a sync phase.
	Target string

	// StatusCode is the HTTP status that produced the error, if any.
	StatusCode int

	// Body is an excerpt of the response body, if any.
	Body string

	// Message describes the error, suitable for display.
	Message string

	cause error
}

func (e *Error) Error() string {
	out := e.Kind
	if e.Target != "" {
		out += ": " + e.Target
	}
	if e.StatusCode != 0 {
		out += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		out += ": " + e.Message
	}
	return out
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError returns a new Error of the given kind.
func NewError(kind, target, format string, a ...any) *Error {
	return &Error{
		Kind:    kind,
		Target:  target,
		Message: fmt.Sprintf(format, a...),
	}
}

// NewHTTPError returns a new Error carrying the HTTP status and a body
// excerpt.
func NewHTTPError(kind, target string, statusCode int, body string) *Error {
	if len(body) > maxBodyExcerpt {
		body = body[:maxBodyExcerpt]
	}
	return &Error{
		Kind:       kind,
		Target:     target,
		StatusCode: statusCode,
		Body:       body,
	}
}

// WrapError returns a new Error of the given kind wrapping cause.
func WrapError(kind, target string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Target:  target,
		Message: cause.Error(),
		cause:   cause,
	}
}

// IsKind reports whether err is or wraps an *Error of the given kind.
func IsKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
