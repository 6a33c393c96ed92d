// Package mqerr defines the error kinds surfaced by the client, per the
// error handling design in spec §7. Transport-level failures are recovered
// by failover when enabled; every other kind propagates to the originating
// call (sync path) or the registered async-completion callback / exception
// listener (async path). Nothing is ever swallowed silently.
package mqerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that want to branch on it without
// type-asserting every concrete error type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTransport
	KindReadTimeout
	KindProtocol
	KindBrokerException
	KindSecurity
	KindLocalUsage
	KindTransactionInProgress
	KindRedeliveryExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindReadTimeout:
		return "read-timeout"
	case KindProtocol:
		return "protocol"
	case KindBrokerException:
		return "broker-exception"
	case KindSecurity:
		return "security"
	case KindLocalUsage:
		return "local-usage"
	case KindTransactionInProgress:
		return "transaction-in-progress"
	case KindRedeliveryExhausted:
		return "redelivery-exhausted"
	default:
		return "unknown"
	}
}

// Error is the concrete error type for every kind above. Fields beyond
// Kind/Message are populated as available; callers should not assume they
// are always non-zero.
type Error struct {
	Kind    Kind
	Message string

	// CommandID correlates the error to a specific outstanding request, if
	// any. None of the constructors in this package set it; it stays zero
	// unless the caller fills it in.
	CommandID int32
	// Cause is the underlying error, if this wraps one (a socket error, a
	// codec error, etc).
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

func Transport(msg string, cause error) *Error    { return newErr(KindTransport, msg, cause) }
func ReadTimeout(msg string) *Error               { return newErr(KindReadTimeout, msg, nil) }
func Protocol(msg string, cause error) *Error     { return newErr(KindProtocol, msg, cause) }
func Security(msg string, cause error) *Error     { return newErr(KindSecurity, msg, cause) }
func LocalUsage(msg string) *Error                { return newErr(KindLocalUsage, msg, nil) }
func TransactionInProgress(msg string) *Error     { return newErr(KindTransactionInProgress, msg, nil) }
func RedeliveryExhausted(msg string) *Error       { return newErr(KindRedeliveryExhausted, msg, nil) }

// BrokerException wraps an exception-response correlated to a request (spec
// §7: "an exception-response correlated to a request; surfaced as the
// request's result").
type BrokerException struct {
	CommandID    int32
	ExceptionClass string
	Message        string
	StackTrace     string
}

func (e *BrokerException) Error() string {
	if e.ExceptionClass != "" {
		return fmt.Sprintf("broker exception [%s]: %s", e.ExceptionClass, e.Message)
	}
	return fmt.Sprintf("broker exception: %s", e.Message)
}

func (e *BrokerException) Kind() Kind { return KindBrokerException }

// IsKind reports whether err (or something it wraps) is an *Error or
// *BrokerException of the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	var be *BrokerException
	if errors.As(err, &be) {
		return k == KindBrokerException
	}
	return false
}

// Sentinel errors for conditions that do not carry useful extra context,
// mirroring the teacher's package-level sentinel style (ErrConnDead,
// ErrBrokerDead, ...).
var (
	ErrTransportClosed  = Transport("transport is closed", nil)
	ErrConnectionClosed = LocalUsage("connection is closed")
	ErrSessionClosed    = LocalUsage("session is closed")
	ErrConsumerClosed   = LocalUsage("consumer is closed")
	ErrProducerClosed   = LocalUsage("producer is closed")
	ErrCorrIDMismatch   = Protocol("correlation id mismatch", nil)
	ErrUnknownCommand   = Protocol("unknown command tag", nil)
)
