// Package provider defines the typed error taxonomy for LLM provider calls.
package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider call failure.
type ErrorKind string

const (
	KindRateLimit     ErrorKind = "rate_limit"
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network_error"
	KindAPI           ErrorKind = "api_error"
	KindAuth          ErrorKind = "auth_failed"
	KindInvalid       ErrorKind = "invalid_request"
	KindContextLength ErrorKind = "context_length_exceeded"
	KindUnavailable   ErrorKind = "provider_unavailable"
	KindUnknown       ErrorKind = "unknown_error"
)

// Retryable reports whether a failure of this kind is worth retrying.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindNetwork, KindAPI:
		return true
	}
	return false
}

// Error is a classified provider call failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a classified provider error.
func NewError(kind ErrorKind, providerName string, err error) *Error {
	return &Error{Kind: kind, Provider: providerName, Err: err}
}

// Classify returns the error kind of err. Unclassified errors are
// reported as unknown_error (not retryable).
func Classify(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried by the retry manager.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
