// Package failure defines the closed set of failure kinds surfaced by the
// warehouse, catalog and assistant components.
package failure

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	// ConnectionFailure covers bad credentials, host or path, and network errors.
	ConnectionFailure Kind = "connection_failure"
	// QueryFailure covers statement errors such as a missing catalog or denied permission.
	QueryFailure Kind = "query_failure"
	// AgentFailure covers LLM call errors and malformed responses.
	AgentFailure Kind = "agent_failure"
)

// Error wraps an underlying error with its kind and a human-friendly message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *Error             { return &Error{Kind: kind, Message: msg} }

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, true
	}
	return "", false
}

func Is(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}
