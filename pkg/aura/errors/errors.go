// Package errors defines the failure taxonomy shared by the execution core.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used across the core.
var (
	// ErrCancelled indicates a tasklet was cancelled, either while waiting
	// for admission or during execution.
	ErrCancelled = errors.New("tasklet cancelled")

	// ErrTimeout indicates the tasklet deadline was exceeded.
	ErrTimeout = errors.New("tasklet deadline exceeded")

	// ErrUnknownPlan indicates the requested plan is not registered.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrUnknownTask indicates the requested task does not exist in the plan.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownAction indicates a step referenced an unregistered action.
	ErrUnknownAction = errors.New("unknown action")

	// ErrUnknownService indicates an action required an unregistered service.
	ErrUnknownService = errors.New("unknown service")

	// ErrSchedulerStopped indicates an entry point was called while the
	// scheduler was not running.
	ErrSchedulerStopped = errors.New("scheduler is not running")
)

// FailureKind classifies a task failure for hook dispatch and the TFR.
type FailureKind string

const (
	FailureTimeout        FailureKind = "TIMEOUT"
	FailureCancelled      FailureKind = "CANCELLED"
	FailurePlanningFailed FailureKind = "PLANNING_FAILED"
	FailureOther          FailureKind = "OTHER"
)

// Classify maps an error to its failure kind.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrTimeout):
		return FailureTimeout
	case errors.Is(err, ErrCancelled):
		return FailureCancelled
	case IsPlanningError(err):
		return FailurePlanningFailed
	default:
		return FailureOther
	}
}

// ValidationError reports a request rejected before admission: unknown
// plan/task, missing or ill-typed inputs, or bad template syntax.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidation creates a ValidationError for the given field.
func NewValidation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ActionError wraps a failure raised by an action during step execution.
type ActionError struct {
	Action string
	Step   string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed in step %q: %v", e.Action, e.Step, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// PlanningError indicates the state planner could not bring the system into
// the required precondition state.
type PlanningError struct {
	Target  string
	Replans int
	Reason  string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("state planning failed for target %q after %d replans: %s",
		e.Target, e.Replans, e.Reason)
}

// IsPlanningError reports whether err is a PlanningError.
func IsPlanningError(err error) bool {
	var pe *PlanningError
	return errors.As(err, &pe)
}

// RenderError reports a template rendering failure, including unknown
// identifier references.
type RenderError struct {
	Expr    string
	Message string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %q: %s", e.Expr, e.Message)
}

// PermissionError reports a sandboxed file operation that attempted to
// escape the plan root.
type PermissionError struct {
	Path string
	Root string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("path %q resolves outside plan root %q", e.Path, e.Root)
}

// FatalStartupError prevents the scheduler from starting: dependency cycles,
// duplicate plugin ids, or malformed manifests.
type FatalStartupError struct {
	Reason string
	Cycle  []string
}

func (e *FatalStartupError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("fatal startup error: %s (cycle: %s)",
			e.Reason, strings.Join(e.Cycle, " -> "))
	}
	return "fatal startup error: " + e.Reason
}

// IsFatalStartup reports whether err is a FatalStartupError.
func IsFatalStartup(err error) bool {
	var fe *FatalStartupError
	return errors.As(err, &fe)
}
