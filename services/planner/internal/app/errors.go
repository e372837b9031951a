package app

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated means no session could be resolved.
	ErrUnauthenticated = errors.New("no active session")
	// ErrBusy rejects a generation or refinement while one is in flight.
	ErrBusy = errors.New("plan generation already in progress")
	// ErrNoPlan means a refinement was requested without a displayed plan.
	ErrNoPlan = errors.New("no plan to refine")
	// ErrResetUnavailable means reset was requested outside a document context.
	ErrResetUnavailable = errors.New("reset is only available for a document")
)

// Messages shown to users.
const (
	msgAnalysisMissing = "Archive analysis not found. Start from dashboard."
	msgUserMissing     = "User not found. Please register."
	msgEmailTaken      = "Email already exists"
)

// NotFoundError reports a missing resource with a user-facing message.
type NotFoundError struct {
	Resource string
	Message  string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports bad input. No state is changed when it is returned.
type ValidationError struct {
	Field   string
	Message string
	// Conflict marks input rejected because it clashes with existing data.
	Conflict bool
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func notFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
