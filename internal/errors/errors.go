// Package errors defines the observable error taxonomy of the workflow
// engine (spec §7). Each kind is a distinct type so callers can
// distinguish them with errors.As rather than string matching.
package errors

import (
	"errors"
	"fmt"
)

// Wrap adds context to err, returning nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is and As re-export the standard library for convenience at call sites
// that already import this package for the typed errors below.
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }

// WorkflowNotFoundError: a Handle or API call referenced an unknown workflow id.
type WorkflowNotFoundError struct {
	ID string
}

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow not found: %s", e.ID)
}

// StillRunningError: result() was called before the workflow reached a terminal state.
type StillRunningError struct {
	ID string
}

func (e *StillRunningError) Error() string {
	return fmt.Sprintf("workflow %s is still running", e.ID)
}

// WorkflowExecutionError: the workflow is FAILED and result() surfaces the cause.
type WorkflowExecutionError struct {
	WorkflowID string
	Source     string // "WORKFLOW" or "ACTIVITY"
	Activity   string
	Message    string
}

func (e *WorkflowExecutionError) Error() string {
	if e.Activity != "" {
		return fmt.Sprintf("workflow %s failed: source=%s activity=%s message=%s", e.WorkflowID, e.Source, e.Activity, e.Message)
	}
	return fmt.Sprintf("workflow %s failed: source=%s message=%s", e.WorkflowID, e.Source, e.Message)
}

// ActivityPermanentlyFailedError: an activity exhausted its retry budget.
// The workflow Context returns this when replay reaches the activity's
// ACTIVITY_FAILED event (written by the dispatcher); the replay engine then
// marks the workflow FAILED, and clients see a WorkflowExecutionError.
type ActivityPermanentlyFailedError struct {
	Activity string
	Cause    error
}

func (e *ActivityPermanentlyFailedError) Error() string {
	return fmt.Sprintf("activity %s permanently failed: %v", e.Activity, e.Cause)
}

func (e *ActivityPermanentlyFailedError) Unwrap() error { return e.Cause }

// CancelledError: result() observed a CANCELED workflow.
type CancelledError struct {
	WorkflowID string
	Reason     string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("workflow %s was cancelled: %s", e.WorkflowID, e.Reason)
}

// NonDeterministicError: history disagreed with code at a decision point.
// Always fatal to the workflow; never auto-repaired (spec §7, §9).
type NonDeterministicError struct {
	WorkflowID string
	Detail     string
}

func (e *NonDeterministicError) Error() string {
	return fmt.Sprintf("non-deterministic workflow %s: %s", e.WorkflowID, e.Detail)
}

// TerminalWorkflowError: an operation that requires a RUNNING workflow
// (signal, append_event, create_signal) was attempted on a terminal one.
type TerminalWorkflowError struct {
	WorkflowID string
	Status     string
}

func (e *TerminalWorkflowError) Error() string {
	return fmt.Sprintf("workflow %s is terminal (%s)", e.WorkflowID, e.Status)
}

// ValidationError: a definition-surface registration constraint was violated (spec §4.G).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}
