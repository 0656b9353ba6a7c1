// Package failure defines the error taxonomy shared by the read model.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	// KindConnection means no wallet or provider is reachable.
	KindConnection Kind = "connection"
	// KindCallReverted means the contract rejected a read or write.
	KindCallReverted Kind = "call_reverted"
	// KindTimeout means no response or confirmation arrived within the bound.
	KindTimeout Kind = "timeout"
	// KindPartialFetch means some ids of a range scan could not be read.
	KindPartialFetch Kind = "partial_fetch"
	// KindInvalidInput covers locally rejected arguments.
	KindInvalidInput Kind = "invalid_input"
	// KindStale means a newer request superseded this one.
	KindStale Kind = "stale"
	// KindUnknown is anything not classified above.
	KindUnknown Kind = "unknown"
)

// Error carries a Kind together with the failing operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrConnection   = &Error{Kind: KindConnection}
	ErrCallReverted = &Error{Kind: KindCallReverted}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrPartialFetch = &Error{Kind: KindPartialFetch}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrStale        = &Error{Kind: KindStale}
)

// New builds an Error.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Invalid is shorthand for an input error.
func Invalid(op, format string, args ...any) *Error {
	return New(KindInvalidInput, op, fmt.Sprintf(format, args...), nil)
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf classifies err. Errors produced outside this package are
// classified from their text, which is how go-ethereum reports reverts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "revert"):
		return KindCallReverted
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "dial "),
		strings.Contains(msg, "eof"):
		return KindConnection
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	}
	return KindUnknown
}

// Classify wraps a raw error into an *Error using KindOf. Errors that are
// already classified are returned as-is.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return New(KindOf(err), op, "", err)
}

// UserMessage renders the text shown to an end user.
func UserMessage(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindConnection:
		return "No wallet or RPC provider available. Check the connection and try again."
	case KindCallReverted:
		return "Transaction failed. Please check your balance and the listing details."
	case KindTimeout:
		return "The network did not respond in time. Please try again."
	case KindPartialFetch:
		return "Some records could not be loaded; showing partial results."
	case KindInvalidInput:
		var fe *Error
		if errors.As(err, &fe) && fe.Message != "" {
			return fe.Message
		}
		return "Invalid input."
	case KindStale:
		return "A newer request replaced this one."
	default:
		return "Unexpected error. Please try again."
	}
}
