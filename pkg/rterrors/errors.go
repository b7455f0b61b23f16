/*
SPDX-License-Identifier: Apache-2.0
*/

// Package rterrors defines the error taxonomy of the runtime core (spec §7):
// TransportError, DesyncError, AuthError, DecodeError and QueueError. Each
// wraps an underlying cause in the same shape as the teacher's
// pkg/types.RetriableError, but classifies instead of carrying a retry delay.
package rterrors

import "fmt"

// TransportError indicates network I/O, TLS or connection-reset failure. It
// is retried with backoff inside the Watcher and never surfaces to a
// Controller's output stream on its own.
type TransportError struct {
	err error
}

func NewTransportError(err error) TransportError {
	return TransportError{err: err}
}

func (e TransportError) Error() string { return fmt.Sprintf("transport error: %s", e.err) }
func (e TransportError) Unwrap() error { return e.err }
func (e TransportError) Cause() error  { return e.err }

// DesyncError indicates HTTP 410 Gone or an expired resourceVersion. The
// Watcher recovers by relisting and emitting Init on the next bootstrap.
type DesyncError struct {
	err error
}

func NewDesyncError(err error) DesyncError {
	return DesyncError{err: err}
}

func (e DesyncError) Error() string { return fmt.Sprintf("desync error: %s", e.err) }
func (e DesyncError) Unwrap() error { return e.err }
func (e DesyncError) Cause() error  { return e.err }

// AuthError indicates a 401/403 or token refresh failure; the Watcher also
// wraps malformed-request responses (400 Bad Request, 422 Invalid) in it. It
// is fatal to the affected watch stream and is surfaced upward rather than
// retried.
type AuthError struct {
	err error
}

func NewAuthError(err error) AuthError {
	return AuthError{err: err}
}

func (e AuthError) Error() string { return fmt.Sprintf("auth error: %s", e.err) }
func (e AuthError) Unwrap() error { return e.err }
func (e AuthError) Cause() error  { return e.err }

// DecodeError indicates a malformed object or unknown schema. Individual
// events with a DecodeError are logged and skipped; a DecodeError affecting
// list pagination metadata is fatal to that bootstrap attempt.
type DecodeError struct {
	err      error
	listMeta bool
}

func NewDecodeError(err error, listMeta bool) DecodeError {
	return DecodeError{err: err, listMeta: listMeta}
}

func (e DecodeError) Error() string { return fmt.Sprintf("decode error: %s", e.err) }
func (e DecodeError) Unwrap() error { return e.err }
func (e DecodeError) Cause() error  { return e.err }

// FatalToList reports whether this DecodeError affects list pagination
// metadata and should therefore abort the current bootstrap attempt rather
// than merely skip one event.
func (e DecodeError) FatalToList() bool { return e.listMeta }

// QueueError indicates a scheduler or runner internal failure. It is always
// fatal.
type QueueError struct {
	err error
}

func NewQueueError(err error) QueueError {
	return QueueError{err: err}
}

func (e QueueError) Error() string { return fmt.Sprintf("queue error: %s", e.err) }
func (e QueueError) Unwrap() error { return e.err }
func (e QueueError) Cause() error  { return e.err }

// Retriable reports whether err is one of the kinds the Watcher absorbs
// internally (TransportError, DesyncError) rather than one that must be
// surfaced as fatal (AuthError) or per-event skipped (DecodeError).
func Retriable(err error) bool {
	switch err.(type) {
	case TransportError, DesyncError:
		return true
	default:
		return false
	}
}

// Fatal reports whether err must end the watch stream rather than be
// retried or skipped.
func Fatal(err error) bool {
	switch e := err.(type) {
	case AuthError, QueueError:
		return true
	case DecodeError:
		return e.FatalToList()
	default:
		return false
	}
}
