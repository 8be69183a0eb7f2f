package service

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. It is raised before anything is
// hashed or persisted and is never retried.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports a missing product, event or ledger transaction.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ErrAnchorPending is returned when a re-anchor is requested while the
// event's current submission is still awaiting confirmation.
var ErrAnchorPending = errors.New("anchor confirmation pending")

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}
