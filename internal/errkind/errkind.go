// Package errkind defines the closed set of error kinds surfaced by the
// request core. Every failure that crosses a component boundary is an *Error
// carrying one of these kinds so callers can branch with errors.Is.
package errkind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	NoUsableCredential Kind = "NO_USABLE_CREDENTIAL"
	Misconfigured      Kind = "MISCONFIGURED"
	TransientUpstream  Kind = "TRANSIENT_UPSTREAM"
	FatalUpstream      Kind = "FATAL_UPSTREAM"
	Exhausted          Kind = "EXHAUSTED"
	ArchivalDeferred   Kind = "ARCHIVAL_DEFERRED"
)

// Sentinels for use with errors.Is. Matching compares kinds only.
var (
	ErrNoUsableCredential = &Error{Kind: NoUsableCredential}
	ErrMisconfigured      = &Error{Kind: Misconfigured}
	ErrTransientUpstream  = &Error{Kind: TransientUpstream}
	ErrFatalUpstream      = &Error{Kind: FatalUpstream}
	ErrExhausted          = &Error{Kind: Exhausted}
	ErrArchivalDeferred   = &Error{Kind: ArchivalDeferred}
)

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Op       string
	Provider string
	Err      error
}

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithProvider returns a copy of e attributed to provider.
func (e *Error) WithProvider(provider string) *Error {
	cp := *e
	cp.Provider = provider
	return &cp
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Op != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Op)
	}
	if e.Provider != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Provider)
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" when
// err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Has reports whether any error in err's chain carries kind.
func Has(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// Recoverable reports whether a later request may succeed without operator
// intervention.
func (k Kind) Recoverable() bool {
	switch k {
	case TransientUpstream, Exhausted, ArchivalDeferred:
		return true
	default:
		return false
	}
}

// UserMessage renders err as a short, non-technical explanation suitable for
// the end user. Internal details never appear in the output.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case NoUsableCredential:
		return "I can't reach a model right now because no valid credential is available. Please sign in again or add an API key."
	case Misconfigured:
		return "The assistant is not configured correctly. Please check the provider settings."
	case TransientUpstream, Exhausted:
		return "The model service is busy or unreachable right now. Please try again in a moment."
	case FatalUpstream:
		return "The model service rejected the request. Please check your account or request and try again."
	case ArchivalDeferred:
		return "Your message was handled, but older history could not be summarized yet."
	default:
		return "Something went wrong while handling your request."
	}
}
