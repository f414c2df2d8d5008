// Package syncerr defines the engine's error taxonomy. Classification decides
// the outbox retry policy and what surfaces to the caller: network errors are
// retried internally, auth and validation errors are fatal for the specific
// operation, conflict errors are dropped and logged, channel errors trigger a
// resubscribe plus a consistency poll and never reach the user.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// NetworkError is a transient transport failure (timeout, connection loss).
// Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the session is no longer valid. Fatal; surfaced to the
// caller so it can re-authenticate. Never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// ValidationError is a caller mistake (e.g. empty content). Fatal,
// non-retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConflictError marks a duplicate correlation id. Dropped silently by the
// caller, logged.
type ConflictError struct {
	CorrelationID string
}

func (e *ConflictError) Error() string {
	return "conflict: duplicate correlation id " + e.CorrelationID
}

// ChannelError reports a dropped or failed realtime subscription. Handled by
// resubscribing with backoff and kicking a consistency poll; not surfaced.
type ChannelError struct {
	Topic string
	Err   error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel %s: %v", e.Topic, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

// Retryable reports whether an operation that failed with err may be retried.
// Only transient transport conditions qualify; anything unclassified is
// treated as fatal so a bug cannot turn into a retry storm.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Fatal reports whether err must not be retried and should be surfaced via
// the store (deliveryState=failed) for the specific operation.
func Fatal(err error) bool {
	return err != nil && !Retryable(err)
}
