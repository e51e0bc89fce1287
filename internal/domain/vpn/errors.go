package vpn

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an adapter failure by how the engine must react.
type ErrorKind string

const (
	// KindUnavailable: panel unreachable or timed out. Retryable with
	// backoff; the remote state is unknown.
	KindUnavailable ErrorKind = "unavailable"
	// KindRejected: panel refused the request (capacity, quota,
	// duplicate). Not retryable on the same server; triggers server
	// reselection.
	KindRejected ErrorKind = "rejected"
	// KindAuthFailed: panel credentials invalid. Fatal, surfaces to
	// the operator without retry.
	KindAuthFailed ErrorKind = "auth_failed"
)

// AdapterError wraps a remote panel failure with its classification.
type AdapterError struct {
	Kind     ErrorKind
	Protocol Protocol
	Op       string
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter %s: %s: %v", e.Protocol, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s adapter %s: %s", e.Protocol, e.Op, e.Kind)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewUnavailable wraps a retryable transport failure.
func NewUnavailable(protocol Protocol, op string, err error) *AdapterError {
	return &AdapterError{Kind: KindUnavailable, Protocol: protocol, Op: op, Err: err}
}

// NewRejected wraps a non-retryable panel refusal.
func NewRejected(protocol Protocol, op string, err error) *AdapterError {
	return &AdapterError{Kind: KindRejected, Protocol: protocol, Op: op, Err: err}
}

// NewAuthFailed wraps a fatal credential failure.
func NewAuthFailed(protocol Protocol, op string, err error) *AdapterError {
	return &AdapterError{Kind: KindAuthFailed, Protocol: protocol, Op: op, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// IsUnavailable reports whether err is a retryable panel failure.
func IsUnavailable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnavailable
}

// IsRejected reports whether err is a non-retryable panel refusal.
func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRejected
}

// IsAuthFailed reports whether err is a fatal credential failure.
func IsAuthFailed(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuthFailed
}
