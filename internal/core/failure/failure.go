// Package failure defines the closed error taxonomy shared by the
// reconnection controller and the send pipeline. Raw transport errors are
// converted into *Error at the boundary (internal/transport/ws); everything
// above that layer branches on Kind only.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the classified failure category.
type Kind int

const (
	Unknown Kind = iota
	AuthInvalid
	TargetNotFound
	RateLimited
	Timeout
	SessionNotEstablished
	InvalidInput
	ResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case AuthInvalid:
		return "auth_invalid"
	case TargetNotFound:
		return "target_not_found"
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	case SessionNotEstablished:
		return "session_not_established"
	case InvalidInput:
		return "invalid_input"
	case ResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// StatusSuperseded is the gateway close code for a session taken over by
// another client instance. It is not a Kind of its own: the controller
// checks IsSuperseded before consulting the Kind.
const StatusSuperseded = 440

// Error is a classified failure. StatusCode carries the raw gateway status
// when one was present.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// Unknown; nil is not a valid input.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsSuperseded reports whether the error signals that another client
// instance took over the session. Such a disconnect is terminal.
func IsSuperseded(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.StatusCode == StatusSuperseded {
			return true
		}
	}
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "replaced") || strings.Contains(s, "conflict")
}

// FromStatus classifies a gateway status code. This is the first stage of
// classification; message heuristics apply only when the code is ambiguous.
func FromStatus(code int, msg string) *Error {
	e := &Error{StatusCode: code, Message: msg}
	switch {
	case code == 401:
		e.Kind = AuthInvalid
	case code == 403:
		e.Kind = RateLimited
	case code == 404:
		e.Kind = TargetNotFound
	case code == 408:
		e.Kind = Timeout
	case code == 429:
		e.Kind = RateLimited
	case code == StatusSuperseded:
		e.Kind = Unknown
	default:
		e.Kind = ClassifyMessage(msg)
	}
	return e
}

// ClassifyMessage maps a raw error string onto a Kind. Deterministic:
// patterns are checked in a fixed priority order.
func ClassifyMessage(msg string) Kind {
	s := strings.ToLower(msg)
	switch {
	case strings.Contains(s, "logged out") || strings.Contains(s, "unauthorized"):
		return AuthInvalid
	case strings.Contains(s, "not found") || strings.Contains(s, "not registered") ||
		strings.Contains(s, "not on the network"):
		return TargetNotFound
	case strings.Contains(s, "not authorized") || strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests"):
		return RateLimited
	case strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "connection reset") || strings.Contains(s, "connection refused") ||
		strings.Contains(s, "broken pipe"):
		return Timeout
	case strings.Contains(s, "no session") || strings.Contains(s, "no matching session") ||
		strings.Contains(s, "session not established"):
		return SessionNotEstablished
	default:
		return Unknown
	}
}

// Classify converts any error into a classified *Error, preserving an
// existing classification if one is present in the chain.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: ClassifyMessage(err.Error()), Err: err}
}
