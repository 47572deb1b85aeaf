package provider

import (
	"errors"
	"fmt"
)

// ErrorKind tags the sub-kind of a provider failure. All kinds are
// fallback-eligible; the orchestrator treats them uniformly.
type ErrorKind string

const (
	ErrKindAuth       ErrorKind = "auth"
	ErrKindConnection ErrorKind = "connection"
	ErrKindAPI        ErrorKind = "api"
	ErrKindUnknown    ErrorKind = "unknown"
)

// Error is a failure raised by a provider adapter.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int // HTTP status when applicable, 0 otherwise
	Message  string
	Err      error

	// FallbackAttempted is set by the orchestrator when the error is
	// surfaced after a fallback pass was tried and exhausted.
	FallbackAttempted bool
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s error (%d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged provider error wrapping cause.
func NewError(provider string, kind ErrorKind, status int, message string, cause error) *Error {
	return &Error{Provider: provider, Kind: kind, Status: status, Message: message, Err: cause}
}

// AsProviderError unwraps err to a *Error if one is in the chain.
func AsProviderError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// InvalidRequestError is malformed caller input. It is never retried and
// never falls back.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// IsInvalidRequest reports whether err is caller-input malformation.
func IsInvalidRequest(err error) bool {
	var ire *InvalidRequestError
	return errors.As(err, &ire)
}

// NoProviderError means a model or provider name could not be mapped to any
// configured adapter. Nothing to fall back to.
type NoProviderError struct {
	Model    string
	Provider string
}

func (e *NoProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("no configured provider %q", e.Provider)
	}
	return fmt.Sprintf("no provider serves model %q", e.Model)
}

// NoModelError means selection produced an empty candidate set even after
// relaxation. Only possible with zero configured providers.
type NoModelError struct {
	Reason string
}

func (e *NoModelError) Error() string {
	return "no suitable model: " + e.Reason
}
