package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvariant marks an internal inconsistency: a node reached Running while
// one of its upstream nodes was not complete. Resolver order makes this
// unreachable; seeing it means a bug, not a bad input.
var ErrInvariant = errors.New("scheduler invariant violated")

// ErrIncompleteOutputs is wrapped by StageExecutionError when an adapter
// returned without producing every declared output.
var ErrIncompleteOutputs = errors.New("adapter did not produce all declared outputs")

// ConfigurationError reports a malformed identity, a missing parameter or an
// invalid pipeline definition. Always surfaced before any node runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CyclicDependencyError reports a cycle in the requires graph. Cycle lists the
// participants in traversal order, with the first element repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return "dependency cycle detected"
	}
	return "dependency cycle detected: " + strings.Join(e.Cycle, " -> ")
}

// InputNotFoundError reports that raw input resolution matched zero or more
// than one file for a subject.
type InputNotFoundError struct {
	Subject string
	Key     string
	Pattern string
	Matches []string
}

func (e *InputNotFoundError) Error() string {
	if len(e.Matches) == 0 {
		return fmt.Sprintf("input %q for subject %s: no file matches %s", e.Key, e.Subject, e.Pattern)
	}
	return fmt.Sprintf("input %q for subject %s: %d files match %s (%s)",
		e.Key, e.Subject, len(e.Matches), e.Pattern, strings.Join(e.Matches, ", "))
}

// StageExecutionError reports that a stage adapter failed or returned without
// producing all of its declared outputs.
type StageExecutionError struct {
	Node    NodeID
	Missing []string
	Err     error
}

func (e *StageExecutionError) Error() string {
	reason := "unknown failure"
	if e.Err != nil {
		reason = e.Err.Error()
	}
	if len(e.Missing) > 0 {
		reason = fmt.Sprintf("%s (missing: %s)", reason, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("stage %q failed at %s: %s", e.Node.Stage, e.Node, reason)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// TimeoutError is the StageExecutionError raised when a caller-supplied stage
// timeout expires. errors.As finds both *TimeoutError and *StageExecutionError.
type TimeoutError struct {
	StageExecutionError
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %q timed out after %s at %s", e.Node.Stage, e.Limit, e.Node)
}

func (e *TimeoutError) Unwrap() error { return &e.StageExecutionError }
