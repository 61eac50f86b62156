package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailoverReason categorizes why a provider request failed, driving
// retry and can_retry decisions.
type FailoverReason string

const (
	FailoverBilling          FailoverReason = "billing"
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverAuth             FailoverReason = "auth"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverServerError      FailoverReason = "server_error"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverCancelled        FailoverReason = "cancelled"
	FailoverUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether retrying the same provider/model might
// succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// PermanentError wraps an error that must never be retried, regardless
// of how it classifies (e.g. invalid tool schema, cancelled context).
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }

// ProviderError is a structured error a Provider implementation returns
// for any failed request.
type ProviderError struct {
	Reason    FailoverReason
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

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError builds a ProviderError, classifying cause.
func NewProviderError(providerName, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: providerName, Model: model, Cause: cause, Reason: FailoverUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus attaches an HTTP status code and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode attaches a provider-specific error code and reclassifies
// from it when recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// ClassifyError inspects a raw error's message for known failure
// patterns and returns the matching FailoverReason.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"), strings.Contains(s, "context deadline"):
		return FailoverTimeout
	case strings.Contains(s, "rate limit"), strings.Contains(s, "rate_limit"), strings.Contains(s, "too many requests"), strings.Contains(s, "429"):
		return FailoverRateLimit
	case strings.Contains(s, "unauthorized"), strings.Contains(s, "invalid api key"), strings.Contains(s, "authentication"), strings.Contains(s, "401"), strings.Contains(s, "403"):
		return FailoverAuth
	case strings.Contains(s, "billing"), strings.Contains(s, "payment"), strings.Contains(s, "quota"), strings.Contains(s, "402"):
		return FailoverBilling
	case strings.Contains(s, "content_filter"), strings.Contains(s, "content policy"), strings.Contains(s, "blocked"):
		return FailoverContentFilter
	case strings.Contains(s, "model not found"), strings.Contains(s, "model_not_found"), strings.Contains(s, "does not exist"):
		return FailoverModelUnavailable
	case strings.Contains(s, "context canceled"), strings.Contains(s, "context cancelled"):
		return FailoverCancelled
	case strings.Contains(s, "internal server"), strings.Contains(s, "server error"), strings.Contains(s, "500"), strings.Contains(s, "502"), strings.Contains(s, "503"), strings.Contains(s, "504"):
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailoverRateLimit
	case "authentication_error", "invalid_api_key":
		return FailoverAuth
	case "billing_error", "insufficient_quota":
		return FailoverBilling
	case "model_not_found", "model_not_available":
		return FailoverModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailoverContentFilter
	case "server_error", "internal_error":
		return FailoverServerError
	case "invalid_request_error":
		return FailoverInvalidRequest
	default:
		return FailoverUnknown
	}
}

// CanRetry implements the retry policy's predicate: an error is
// retryable if it classifies as retryable and isn't wrapped in a
// PermanentError, UNLESS streamedContent is true — once any content has
// reached the caller for this request, re-issuing it would duplicate
// that content, so retrying is always refused from that point on.
func CanRetry(err error, streamedContent bool) bool {
	if streamedContent {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
