package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Typed errors below match these through errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrRemote     = errors.New("remote collaborator failed")
)

// ValidationError rejects a mutation; state is left unchanged.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is matches ErrValidation.
func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError is returned when an operation references a missing record.
type NotFoundError struct {
	Entity EntityType
	ID     any
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// RemoteError wraps a catalog, history, or persistence collaborator failure.
type RemoteError struct {
	Op  string
	Err error
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e RemoteError) Unwrap() error { return e.Err }

// Is matches ErrRemote.
func (e RemoteError) Is(target error) bool { return target == ErrRemote }

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("transaction blocked by rule %s: %s", v.Rule, v.Message)
		}
	}
	return "transaction blocked by rules"
}

// Is matches ErrValidation; a blocked transaction is a rejected mutation.
func (e RuleViolationError) Is(target error) bool { return target == ErrValidation }
