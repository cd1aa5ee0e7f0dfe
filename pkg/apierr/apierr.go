// Package apierr defines the gateway error taxonomy and the OpenAI-compatible
// HTTP error envelope.
//
// Core components return *Error values tagged with a Kind; the HTTP layer maps
// kinds to statuses with WriteError. Provider SDK failures are normalized into
// kinds by the gateway before they reach this package.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindInvalidRequest   Kind = "INVALID_REQUEST"
	KindNotFound         Kind = "NOT_FOUND"
	KindNoModelAvailable Kind = "NO_MODEL_AVAILABLE"
	KindUpstreamError    Kind = "UPSTREAM_ERROR"
	KindUpstreamTimeout  Kind = "UPSTREAM_TIMEOUT"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindCancelled        Kind = "CANCELLED"
	KindInternal         Kind = "INTERNAL"
)

// ErrorType constants used in the wire envelope.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants used in the wire envelope.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotFound          = "not_found"
	CodeNoModelAvailable  = "no_model_available"
	CodeRequestCancelled  = "request_cancelled"
	CodeInvalidRequest    = "invalid_request"
)

// Error is the structured error passed between core components.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err. Context cancellation and deadline errors
// map to CANCELLED and UPSTREAM_TIMEOUT; anything untagged is INTERNAL.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

// WriteError maps err's kind to an HTTP status and writes the envelope.
//
//	INVALID_REQUEST    → 400
//	NOT_FOUND          → 404
//	RATE_LIMITED       → 429 + Retry-After: 60
//	CANCELLED          → 499
//	INTERNAL           → 500
//	UPSTREAM_ERROR     → 502
//	NO_MODEL_AVAILABLE → 503 + Retry-After: 30
//	UPSTREAM_TIMEOUT   → 504
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	msg := "internal error"
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	} else if err != nil {
		msg = err.Error()
	}

	switch KindOf(err) {
	case KindInvalidRequest:
		Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
	case KindNotFound:
		Write(ctx, fasthttp.StatusNotFound, msg, TypeInvalidRequest, CodeNotFound)
	case KindRateLimited:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case KindCancelled:
		Write(ctx, statusClientClosedRequest, msg, TypeInvalidRequest, CodeRequestCancelled)
	case KindNoModelAvailable:
		ctx.Response.Header.Set("Retry-After", "30")
		Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeProviderError, CodeNoModelAvailable)
	case KindUpstreamError:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	case KindUpstreamTimeout:
		Write(ctx, fasthttp.StatusGatewayTimeout, msg, TypeProviderError, CodeRequestTimeout)
	default:
		Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
	}
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
