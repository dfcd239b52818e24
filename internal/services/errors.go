package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)

// Kind classifies a provider failure for retry and fallback decisions.
type Kind string

const (
	KindRateLimited  Kind = "rate_limited"
	KindAuth         Kind = "auth"
	KindInvalidInput Kind = "invalid_input"
	KindTimeout      Kind = "timeout"
	KindUnavailable  Kind = "unavailable"
	KindUnknown      Kind = "unknown"
)

// Failure is the error type provider adapters return. The executor keys
// retry, fallback, and budget accounting off its fields.
type Failure struct {
	Kind     Kind
	Provider string
	Op       string
	Message  string
	Err      error

	// QuotaConsumed marks failures that still spent a unit of the
	// provider's rate budget (some vendors charge rejected calls).
	QuotaConsumed bool

	// RetryAfter carries a provider-supplied minimum wait, when known.
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	parts := make([]string, 0, 3)
	if f.Provider != "" {
		parts = append(parts, f.Provider)
	}
	if f.Op != "" {
		parts = append(parts, f.Op)
	}
	if f.Message != "" {
		parts = append(parts, f.Message)
	}
	detail := strings.Join(parts, ": ")
	if detail == "" {
		detail = "provider failure"
	}
	if f.Err != nil {
		return fmt.Sprintf("%s (%s): %v", detail, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s (%s)", detail, f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether further attempts against the same provider
// could succeed. Auth and input failures never recover on their own.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case KindAuth, KindInvalidInput:
		return false
	default:
		return true
	}
}

// NewFailure builds a Failure with the given classification.
func NewFailure(kind Kind, provider, op, message string, err error) *Failure {
	if kind == "" {
		kind = KindUnknown
	}
	return &Failure{Kind: kind, Provider: provider, Op: op, Message: message, Err: err}
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ClassifyHTTPStatus maps an HTTP response status to a failure kind.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway:
		return KindUnavailable
	case status >= 500:
		return KindUnavailable
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindInvalidInput
	default:
		return KindUnknown
	}
}

// ClassifyError maps transport-level errors to a failure kind. Context
// cancellation is passed through untouched so callers can distinguish
// shutdown from provider trouble.
func ClassifyError(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindUnknown
	default:
		return KindUnavailable
	}
}

// Wrap builds an error message that includes stage context while tagging it
// with the provided sentinel for later classification.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrConfiguration
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
