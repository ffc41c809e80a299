package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	// ReasonBilling indicates payment or permanent quota issues (HTTP 402).
	ReasonBilling Reason = "billing"

	// ReasonRateLimit indicates rate limiting (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonTimeout indicates the request timed out.
	ReasonTimeout Reason = "timeout"

	// ReasonServerError indicates server-side issues (HTTP 5xx, overload).
	ReasonServerError Reason = "server_error"

	// ReasonNetwork indicates the connection failed or was reset.
	ReasonNetwork Reason = "network"

	// ReasonInvalidRequest indicates the payload was rejected (HTTP 400, 422).
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonModelUnavailable indicates the model does not exist for this account.
	ReasonModelUnavailable Reason = "model_unavailable"

	// ReasonContentFilter indicates content was blocked by safety filters.
	ReasonContentFilter Reason = "content_filter"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown Reason = "unknown"
)

// Class is the retry disposition of a failure.
type Class int

const (
	// Unknown failures get one conservative retry before being treated as fatal.
	Unknown Class = iota
	// Transient failures are retried on the same provider with backoff.
	Transient
	// Fatal failures are never retried on the same provider.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Class maps a reason onto its retry disposition.
func (r Reason) Class() Class {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError, ReasonNetwork:
		return Transient
	case ReasonBilling, ReasonAuth, ReasonInvalidRequest, ReasonModelUnavailable, ReasonContentFilter:
		return Fatal
	default:
		return Unknown
	}
}

// ProviderError is a structured failure from a model backend.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError classifies cause and wraps it with provider context.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = classifyCause(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a provider-specific error code. Known codes take
// precedence over the status classification.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// Classify returns the retry disposition of err.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.Class()
	}
	return classifyCause(err).Class()
}

// ReasonOf returns the failure reason of err.
func ReasonOf(err error) Reason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return classifyCause(err)
}

func classifyCause(err error) Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return ReasonNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Reason {
	s := strings.ToLower(msg)
	switch {
	case containsAny(s, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(s, "insufficient_quota", "billing", "payment required"):
		return ReasonBilling
	case containsAny(s, "rate limit", "rate_limit", "too many requests"):
		return ReasonRateLimit
	case containsAny(s, "overloaded", "internal server error", "bad gateway", "service unavailable", "gateway timeout"):
		return ReasonServerError
	case containsAny(s, "connection reset", "connection refused", "broken pipe", "unexpected eof"):
		return ReasonNetwork
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "permission denied", "forbidden"):
		return ReasonAuth
	case containsAny(s, "content_filter", "content policy"):
		return ReasonContentFilter
	case containsAny(s, "model not found", "model_not_found"):
		return ReasonModelUnavailable
	case containsAny(s, "invalid_request", "invalid request", "malformed"):
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusRequestEntityTooLarge:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "overloaded_error", "server_error", "internal_error", "api_error":
		return ReasonServerError
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "not_found_error", "model_not_found":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "invalid_request_error", "request_too_large":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
