package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ErrorKind classifies a ModelProviderError for retry decisions.
type ErrorKind int8

const (
	// KindRateLimit covers 429 and quota errors.
	KindRateLimit ErrorKind = iota
	// KindTransient covers 5xx, EOF and connection resets.
	KindTransient
	// KindTimeout covers deadline and subprocess timeouts.
	KindTimeout
	// KindEmptyResponse covers a successful call with no usable content.
	KindEmptyResponse
	// KindAuth covers 401/403 and missing keys.
	KindAuth
	// KindBadPrompt covers malformed or oversize requests.
	KindBadPrompt
	// KindServiceUnavailable is emitted once retries are exhausted.
	KindServiceUnavailable
	// KindCancelled covers a call abandoned because its context was cancelled.
	KindCancelled
	// KindUnknown is the default.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindEmptyResponse:
		return "empty_response"
	case KindAuth:
		return "auth"
	case KindBadPrompt:
		return "bad_prompt"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindCancelled:
		return "cancelled"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) ErrorKind {
	for k := KindRateLimit; k <= KindUnknown; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// ModelProviderError is an upstream failure from a model backend.
type ModelProviderError struct {
	Provider   string
	Message    string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ModelProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Kind, msg)
}

func (e *ModelProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the kind is worth retrying.
func (e *ModelProviderError) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindBadPrompt, KindServiceUnavailable, KindCancelled:
		return false
	default:
		return true
	}
}

// SchemaValidationError reports model output that does not match the requested
// schema. Retrying the same request reproduces the mismatch, so it is never
// retried automatically.
type SchemaValidationError struct {
	Schema   string
	Problems []string
	Raw      string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("output does not match schema %q: %s", e.Schema, strings.Join(e.Problems, "; "))
}

// IsRetryable reports whether err may be retried by caller policy.
func IsRetryable(err error) bool {
	var validation *ValidationError
	var schema *SchemaValidationError
	if errors.As(err, &validation) || errors.As(err, &schema) {
		return false
	}
	var provider *ModelProviderError
	if errors.As(err, &provider) {
		return provider.Retryable()
	}
	return false
}

// KindOf returns the kind of a ModelProviderError in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var provider *ModelProviderError
	if errors.As(err, &provider) {
		return provider.Kind
	}
	return KindUnknown
}

// Classify maps a raw backend error to a ModelProviderError. statusCode is the
// HTTP status when the caller could extract one from the SDK error type, else 0.
func Classify(provider string, err error, statusCode int) *ModelProviderError {
	if err == nil {
		return nil
	}
	var already *ModelProviderError
	if errors.As(err, &already) {
		return already
	}

	out := &ModelProviderError{Provider: provider, Err: err, Message: err.Error(), StatusCode: statusCode}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
		return out
	case errors.Is(err, context.Canceled):
		out.Kind = KindCancelled
		return out
	}

	switch statusCode {
	case 401, 403:
		out.Kind = KindAuth
		return out
	case 429:
		out.Kind = KindRateLimit
		return out
	case 400, 404, 413, 422:
		out.Kind = KindBadPrompt
		return out
	case 500, 502, 503, 504, 529:
		out.Kind = KindTransient
		return out
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "timeout", "timed out", "deadline"):
		out.Kind = KindTimeout
	case containsAny(lower, "connection", "network", "temporary", "eof", "reset", "refused", "overloaded"):
		out.Kind = KindTransient
	case containsAny(lower, "rate limit", "rate_limit", "ratelimit", "too many requests", "429", "quota"):
		out.Kind = KindRateLimit
	case containsAny(lower, "unauthorized", "api key", "authentication", "permission denied"):
		out.Kind = KindAuth
	case containsAny(lower, "invalid", "malformed", "too large", "too long", "not found"):
		out.Kind = KindBadPrompt
	default:
		out.Kind = KindUnknown
	}
	return out
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// RetryConfig defines exponential backoff for one error kind.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs holds backoff settings per error kind.
//
//nolint:gochecknoglobals // package defaults
var DefaultRetryConfigs = map[ErrorKind]RetryConfig{
	KindEmptyResponse: {MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2.0, Jitter: true},
	KindRateLimit:     {MaxRetries: 5, InitialDelay: 1 * time.Second, MaxDelay: 60 * time.Second, BackoffFactor: 2.0, Jitter: true},
	KindTransient:     {MaxRetries: 4, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2.0, Jitter: true},
	KindTimeout:       {MaxRetries: 2, InitialDelay: 1 * time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2.0},
	KindUnknown:       {MaxRetries: 1, InitialDelay: 1 * time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2.0, Jitter: true},
}
