package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind is one of the five top-level failure classes a forwarded
// request can end in. The first matching kind wins; see ClassifyError.
type ErrorKind string

const (
	KindClientAbort             ErrorKind = "CLIENT_ABORT"
	KindNonRetryableClientError ErrorKind = "NON_RETRYABLE_CLIENT_ERROR"
	KindResourceNotFound        ErrorKind = "RESOURCE_NOT_FOUND"
	KindProviderError           ErrorKind = "PROVIDER_ERROR"
	KindSystemError             ErrorKind = "SYSTEM_ERROR"
)

// FeedsCircuitBreaker reports whether an error of this kind should count
// against a provider's circuit breaker. Only PROVIDER_ERROR and an empty
// upstream response do; the other four kinds are either the client's fault
// or already handled without penalizing the provider.
func (k ErrorKind) FeedsCircuitBreaker() bool {
	return k == KindProviderError
}

// ResponseType is the `error.type` value returned to clients, matching the
// fixed vocabulary every client-facing error response draws from.
type ResponseType string

const (
	ResponseAuthenticationError   ResponseType = "authentication_error"
	ResponseInvalidAPIKey         ResponseType = "invalid_api_key"
	ResponseUserDisabled          ResponseType = "user_disabled"
	ResponseUserExpired           ResponseType = "user_expired"
	ResponseInvalidRequestError   ResponseType = "invalid_request_error"
	ResponseRateLimitError        ResponseType = "rate_limit_error"
	ResponsePaymentRequiredError  ResponseType = "payment_required_error"
	ResponseNoAvailableProviders  ResponseType = "no_available_providers"
	ResponseAllProvidersFailed    ResponseType = "all_providers_failed"
	ResponseRateLimitExceeded     ResponseType = "rate_limit_exceeded"
	ResponseCircuitBreakerOpen    ResponseType = "circuit_breaker_open"
	ResponseMixedUnavailable      ResponseType = "mixed_unavailable"
	ResponseInternalServerError   ResponseType = "internal_server_error"
	ResponseBadGatewayError       ResponseType = "bad_gateway_error"
	ResponseServiceUnavailable    ResponseType = "service_unavailable_error"
	ResponseGatewayTimeoutError   ResponseType = "gateway_timeout_error"
	ResponseAPIError              ResponseType = "api_error"
)

// ProxyError is the structured representation of an upstream or internal
// failure as it travels from the Forwarder to the error handler. It
// carries two renderings of the same fault: a client-safe message with no
// provider identity, and a detailed message for the audit row.
type ProxyError struct {
	Kind            ErrorKind
	ResponseType    ResponseType
	Message         string
	DetailedMessage string
	Provider        string
	StatusCode      int
	RequestID       string
	Body            string
	Cause           error
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *ProxyError) Unwrap() error { return e.Cause }

// ClientSafeMessage is what reaches the HTTP client: no provider name, no
// upstream body.
func (e *ProxyError) ClientSafeMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return "the upstream provider returned an error"
}

// DetailedErrorMessage is what gets persisted to the audit row: provider
// name plus a truncated upstream body when present.
func (e *ProxyError) DetailedErrorMessage() string {
	if e.DetailedMessage != "" {
		return e.DetailedMessage
	}
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Body != "" {
		b.WriteString(" | body=")
		b.WriteString(e.Body)
	}
	return b.String()
}

// NewProxyError builds a minimal ProxyError; use the With* builders to
// attach the rest.
func NewProxyError(kind ErrorKind, message string) *ProxyError {
	return &ProxyError{Kind: kind, Message: message}
}

func (e *ProxyError) WithCause(cause error) *ProxyError {
	e.Cause = cause
	return e
}

func (e *ProxyError) WithProvider(provider string) *ProxyError {
	e.Provider = provider
	return e
}

func (e *ProxyError) WithStatusCode(status int) *ProxyError {
	e.StatusCode = status
	return e
}

func (e *ProxyError) WithBody(body string) *ProxyError {
	e.Body = truncateBody(body)
	return e
}

func (e *ProxyError) WithRequestID(id string) *ProxyError {
	e.RequestID = id
	return e
}

func (e *ProxyError) WithResponseType(rt ResponseType) *ProxyError {
	e.ResponseType = rt
	return e
}

// truncateBody re-serializes JSON bodies in full (they're already
// structured and bounded) and clips free text to 500 characters.
func truncateBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ""
	}
	var v any
	if json.Unmarshal([]byte(trimmed), &v) == nil {
		if out, err := json.Marshal(v); err == nil {
			return string(out)
		}
	}
	if len(trimmed) > 500 {
		return trimmed[:500]
	}
	return trimmed
}

// ClassifyError maps a raw transport outcome into one of the five error
// kinds: client disconnect, an upstream 404, any other upstream 4xx/5xx or
// an empty body, or a network-layer failure. clientAborted and
// networkLayer are supplied by the caller, which already knows whether the
// failure came from ctx.Err() or from a dial/read error.
func ClassifyError(statusCode int, emptyResponse, clientAborted, networkLayer bool) ErrorKind {
	switch {
	case clientAborted:
		return KindClientAbort
	case networkLayer:
		return KindSystemError
	case statusCode == 404:
		return KindResourceNotFound
	case statusCode >= 400 || emptyResponse:
		return KindProviderError
	default:
		return KindSystemError
	}
}

// RateLimitError is thrown by the twelve-step rate-limit check; the error
// handler converts it to 429 (rpm, concurrent sessions) or 402 (spend
// limits) with the standard X-RateLimit-* headers.
type RateLimitError struct {
	LimitType    string
	CurrentUsage float64
	LimitValue   float64
	ResetTime    string // RFC3339 / ISO-8601
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s (%.4f/%.4f, resets %s)", e.LimitType, e.CurrentUsage, e.LimitValue, e.ResetTime)
}

// IsSpendLimit reports whether this limit type is a monetary ceiling
// (→ 402) as opposed to a throughput ceiling (→ 429).
func (e *RateLimitError) IsSpendLimit() bool {
	return strings.HasPrefix(e.LimitType, "usd_") || strings.HasPrefix(e.LimitType, "cost_")
}
