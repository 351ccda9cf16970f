package nwws

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindConfiguration
	KindCredentials
	KindProtocol
	KindStreamEnded
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindCredentials:
		return "credentials"
	case KindProtocol:
		return "protocol"
	case KindStreamEnded:
		return "stream_ended"
	default:
		return "network"
	}
}

func (k ErrorKind) describe() string {
	switch k {
	case KindConfiguration:
		return "the configuration is invalid"
	case KindCredentials:
		return "the credentials were refused"
	case KindProtocol:
		return "an XMPP protocol error occurred"
	case KindStreamEnded:
		return "the XMPP stream ended"
	default:
		return "a network error occurred"
	}
}

// OperatorError reports whether the failure needs a human to fix the input
// (bad configuration or refused credentials).
func (k ErrorKind) OperatorError() bool {
	return k == KindConfiguration || k == KindCredentials
}

// Error is the closed set of session failures. Cause is the underlying
// transport error when there is one.
type Error struct {
	Kind  ErrorKind
	Cause error
}

var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrCredentials   = &Error{Kind: KindCredentials}
	ErrNetwork       = &Error{Kind: KindNetwork}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrStreamEnded   = &Error{Kind: KindStreamEnded}
)

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.describe()
	}
	return fmt.Sprintf("%s: %v", e.Kind.describe(), e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrCredentials)
// works whatever the cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// asError returns err as *Error, wrapping unknown failures as network errors.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindNetwork, err)
}
