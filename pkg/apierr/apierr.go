// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeNotFoundError     = "not_found_error"
	TypeTimeoutError      = "timeout_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeNotImplemented      = "not_implemented"
	CodeInvalidRequest      = "invalid_request"
	CodeNoProviderAvailable = "no_provider_available"
	CodeAllProvidersFailed  = "all_providers_failed"
	CodeDeadlineExceeded    = "deadline_exceeded"
	CodeRequestBodyTooLarge = "request_body_too_large"
	CodeServerShuttingDown  = "server_shutting_down"
	CodeNotFound            = "not_found"
)

// APIError is the structured error returned to clients. Provider is omitted
// from the envelope unless the error originated from a specific upstream.
type (
	APIError struct {
		Message  string `json:"message"`
		Type     string `json:"type"`
		Code     string `json:"code"`
		Provider string `json:"provider,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteWithProvider(ctx, status, message, errType, code, "")
}

// WriteWithProvider is Write plus an optional provider label, used when the
// failure can be attributed to a specific upstream (e.g. all candidates in a
// failover chain were exhausted).
func WriteWithProvider(ctx *fasthttp.RequestCtx, status int, message, errType, code, provider string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:  message,
		Type:     errType,
		Code:     code,
		Provider: provider,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 400  → 400 invalid_request_error
//	Provider 401  → 401 authentication_error
//	Provider 403  → 403 permission_error
//	Provider 404  → 404 not_found_error
//	Provider 429  → 429 rate_limit_error + Retry-After: 60
//	Provider 5xx  → 502 provider_error
//	Default       → 502 provider_error
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	WriteProviderErrorFor(ctx, providerStatus, msg, "")
}

// WriteProviderErrorFor is WriteProviderError with the originating provider
// name attached to the error envelope.
func WriteProviderErrorFor(ctx *fasthttp.RequestCtx, providerStatus int, msg, provider string) {
	switch {
	case providerStatus == fasthttp.StatusBadRequest:
		WriteWithProvider(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest, provider)
	case providerStatus == fasthttp.StatusUnauthorized:
		WriteWithProvider(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey, provider)
	case providerStatus == fasthttp.StatusForbidden:
		WriteWithProvider(ctx, fasthttp.StatusForbidden, msg, TypePermissionError, CodeProviderError, provider)
	case providerStatus == fasthttp.StatusNotFound:
		WriteWithProvider(ctx, fasthttp.StatusNotFound, msg, TypeNotFoundError, CodeNotFound, provider)
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		WriteWithProvider(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded, provider)
	case providerStatus >= 500 && providerStatus < 600:
		WriteWithProvider(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError, provider)
	default:
		WriteWithProvider(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError, provider)
	}
}

// WriteTimeout writes a 504 timeout error for a provider request that timed
// out. An overall deadline that expires during failover is reported by
// WriteDeadlineExceeded instead.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeTimeoutError, CodeRequestTimeout)
}

// WriteDeadlineExceeded writes a 504 for the single overall per-request
// deadline expiring across retries/failover, distinct from a single
// provider's own timeout.
func WriteDeadlineExceeded(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "request deadline exceeded", TypeTimeoutError, CodeDeadlineExceeded)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteNoProviderAvailable writes a 503 when every candidate provider was
// unavailable (circuit open / rate-limited) before any attempt was made.
func WriteNoProviderAvailable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no provider available for this model",
		TypeServerError, CodeNoProviderAvailable)
}

// WriteAllProvidersFailed writes a 503 when every candidate provider was
// attempted and failed.
func WriteAllProvidersFailed(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "all providers failed",
		TypeServerError, CodeAllProvidersFailed)
}

// WriteUnauthorized writes a 401 for a missing/invalid gateway API key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid API key", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteRequestTooLarge writes a 413 when the request body exceeds the
// configured limit.
func WriteRequestTooLarge(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusRequestEntityTooLarge, "request body too large",
		TypeInvalidRequest, CodeRequestBodyTooLarge)
}

// WriteShuttingDown writes a 503 while the server is draining in-flight
// requests during graceful shutdown.
func WriteShuttingDown(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Connection", "close")
	Write(ctx, fasthttp.StatusServiceUnavailable, "server is shutting down",
		TypeServerError, CodeServerShuttingDown)
}
