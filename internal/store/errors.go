package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks operations against entities that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied marks authorization failures. Never retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrClosed marks use of an adapter or handle after Close.
	ErrClosed = errors.New("store closed")
)

// NotFound wraps ErrNotFound naming the entity, e.g. "shape s1: not found".
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// PermissionDenied wraps ErrPermissionDenied with the actor and entity.
func PermissionDenied(actorID, kind, id string) error {
	return fmt.Errorf("user %s on %s %s: %w", actorID, kind, id, ErrPermissionDenied)
}

// IsTransient reports whether an error is worth a transport-level retry.
// Authorization failures, missing entities, closed handles and caller
// cancellation are terminal; everything else (network, timeouts inside
// the store) is assumed transient.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
