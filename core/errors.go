package core

import (
	"errors"
	"fmt"
)

// DenyReason identifies why a statement was rejected by policy
// evaluation. Reasons are stable codes surfaced verbatim to callers.
type DenyReason string

const (
	DenyMutationsDisabled      DenyReason = "mutations_disabled"
	DenyOperationAlwaysBlocked DenyReason = "operation_always_blocked"
	DenyTableNotAllowlisted    DenyReason = "table_not_allowlisted"
	DenyUnparsableStatement    DenyReason = "unparsable_statement"
)

// Denial is returned when policy evaluation rejects a statement before
// execution. It is deterministic for a given statement and policy and
// must never be retried.
type Denial struct {
	Reason DenyReason
	// Detail carries the human readable explanation, e.g. the table
	// or verb that triggered the denial.
	Detail string
}

func (d *Denial) Error() string {
	if d.Detail != "" {
		return d.Detail
	}
	return string(d.Reason)
}

// ExecutionError wraps the database engine error for a statement that
// passed policy but failed to execute.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query execution failed: %s", e.Message)
}

// AsDenial returns the Denial wrapped in err, if any.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// AsExecutionError returns the ExecutionError wrapped in err, if any.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
