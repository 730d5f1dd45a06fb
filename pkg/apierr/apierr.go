// Package apierr provides the structured error envelope the gateway returns
// to clients, and fasthttp helpers for writing it.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInternalError     = "internal_error"
	CodeRateLimitExceeded = "rate_limit_exceeded"
)

// APIError is the structured error returned to clients. RequestID is included
// when the failing request got far enough to be assigned one.
type (
	APIError struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, code, message, requestID string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 validation error.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message, requestID string) {
	Write(ctx, fasthttp.StatusBadRequest, CodeInvalidRequest, message, requestID)
}

// WriteInternalError writes a 500 error. The message is a generic one; the
// underlying cause goes to the log, not the client.
func WriteInternalError(ctx *fasthttp.RequestCtx, requestID string) {
	Write(ctx, fasthttp.StatusInternalServerError, CodeInternalError, "internal server error", requestID)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx, requestID string) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, CodeRateLimitExceeded, "rate limit exceeded", requestID)
}
