// Package errs defines the typed error taxonomy shared by every tether
// component.
//
// Each failure class has a sentinel that callers match with errors.Is, and
// most classes also have a struct type carrying context (ids, statuses,
// attempt counts) for errors.As. Code maps an error to a stable wire code so
// that the HTTP gateway and the CLI client keep the classes apart.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrExpired            = errors.New("approval request expired")
	ErrNotApproved        = errors.New("approval request not approved")
	ErrExecutionFailed    = errors.New("execution failed")
	ErrSystemStopped      = errors.New("system stopped")
	ErrSystemPaused       = errors.New("system paused")
	ErrHaltBudgetExceeded = errors.New("restart budget exceeded")
	ErrRateLimited        = errors.New("rate limited")
	// ErrConflict reports a lost compare-and-swap in the store.
	ErrConflict = errors.New("concurrent modification")
)

// Wire codes returned by Code.
const (
	CodeValidation         = "validation"
	CodeNotFound           = "not_found"
	CodeInvalidTransition  = "invalid_transition"
	CodeExpired            = "expired"
	CodeNotApproved        = "not_approved"
	CodeExecutionFailed    = "execution_failed"
	CodeSystemStopped      = "system_stopped"
	CodeSystemPaused       = "system_paused"
	CodeHaltBudgetExceeded = "halt_budget_exceeded"
	CodeRateLimited        = "rate_limited"
	CodeConflict           = "conflict"
	CodeInternal           = "internal"
)

var codeTable = []struct {
	code     string
	sentinel error
}{
	{CodeValidation, ErrValidation},
	{CodeNotFound, ErrNotFound},
	{CodeInvalidTransition, ErrInvalidTransition},
	{CodeExpired, ErrExpired},
	{CodeNotApproved, ErrNotApproved},
	{CodeExecutionFailed, ErrExecutionFailed},
	{CodeSystemStopped, ErrSystemStopped},
	{CodeSystemPaused, ErrSystemPaused},
	{CodeHaltBudgetExceeded, ErrHaltBudgetExceeded},
	{CodeRateLimited, ErrRateLimited},
	{CodeConflict, ErrConflict},
}

// ValidationError reports malformed input rejected before any state change.
type ValidationError struct {
	Field   string
	Message string
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown request or agent id.
type NotFoundError struct {
	Resource string
	ID       string
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError reports an operation the state machine does not allow from
// the subject's current state.
type TransitionError struct {
	Subject string
	From    string
	Op      string
}

// Transition builds a TransitionError.
func Transition(subject, from, op string) *TransitionError {
	return &TransitionError{Subject: subject, From: from, Op: op}
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s %s from %s", e.Op, e.Subject, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ExpiredError reports a decision attempted after the request's expiry.
type ExpiredError struct {
	RequestID string
	ExpiresAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("approval request %s expired at %s", e.RequestID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

// ExecutionError is returned by action handlers and by the engine once every
// attempt for a unit has failed.
type ExecutionError struct {
	RequestID string
	Attempts  int
	// Permanent marks failures that retrying cannot fix.
	Permanent bool
	Cause     error
}

// Permanent wraps cause as a non-retryable execution failure.
func Permanent(cause error) *ExecutionError {
	return &ExecutionError{Permanent: true, Cause: cause}
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString("execution failed")
	if e.RequestID != "" {
		b.WriteString(" for ")
		b.WriteString(e.RequestID)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailed }

// IsRetryable reports whether the engine may retry after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Permanent {
		return false
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound)
}

// IsCallerError reports whether err was caused by bad input from the caller
// rather than by the system or the action itself.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotApproved)
}

// Code returns the wire code for err, CodeInternal when unclassified.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds an error from a wire code so errors.Is keeps working on
// the far side of an HTTP hop.
func FromCode(code, message string) error {
	for _, entry := range codeTable {
		if entry.code == code {
			return &remoteError{sentinel: entry.sentinel, message: message}
		}
	}
	if message == "" {
		message = "request failed"
	}
	return errors.New(message)
}

type remoteError struct {
	sentinel error
	message  string
}

func (e *remoteError) Error() string {
	if e.message == "" {
		return e.sentinel.Error()
	}
	return e.message
}

func (e *remoteError) Is(target error) bool { return target == e.sentinel }
