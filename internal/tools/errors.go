package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed tool call. The kind is shown to the
// model alongside the message so it can decide whether to retry,
// rephrase or give up.
type ErrorKind string

const (
	// InvalidArguments means the call did not match the tool's schema,
	// or named a tool that does not exist.
	InvalidArguments ErrorKind = "InvalidArguments"
	// PolicyViolation means the sandbox refused an operation.
	PolicyViolation ErrorKind = "PolicyViolation"
	// ExecutionTimeout means a sandbox execution ran out of time.
	ExecutionTimeout ErrorKind = "ExecutionTimeout"
	// NotFound means a referenced record does not exist.
	NotFound ErrorKind = "NotFound"
	// InternalToolError is any other handler failure.
	InternalToolError ErrorKind = "InternalToolError"
)

// Error is a classified tool failure. Handlers return it (or wrap it)
// to choose the kind the model sees.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrHardFailure marks an error that breaks a durability or isolation
// guarantee (task storage write failed, sandbox could not run). Such a
// result aborts the turn instead of being handed to the model.
var ErrHardFailure = errors.New("hard failure")

// Hard wraps err as a hard failure.
func Hard(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHardFailure, err)
}
