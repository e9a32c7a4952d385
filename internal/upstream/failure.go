package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Failure kinds.
const (
	KindHTTP    = "http"
	KindNetwork = "network"
	KindTimeout = "timeout"
	KindAbort   = "abort"
	KindDecode  = "decode"
)

// Failure codes.
const (
	CodeBadRequest        = "CLIENT_BAD_REQUEST"
	CodeUnauthorized      = "CLIENT_UNAUTHORIZED"
	CodeForbidden         = "CLIENT_FORBIDDEN"
	CodeNotFound          = "CLIENT_NOT_FOUND"
	CodeRateLimited       = "CLIENT_RATE_LIMITED"
	CodeClientError       = "CLIENT_ERROR"
	CodeServerError       = "SERVER_ERROR"
	CodeServerUnavailable = "SERVER_UNAVAILABLE"
	CodeUnexpectedStatus  = "UNEXPECTED_STATUS"
	CodeNetwork           = "NETWORK_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeAborted           = "ABORTED"
	CodeInvalidResponse   = "INVALID_RESPONSE"
)

// FetchFailure is the classified error returned by every Client call.
type FetchFailure struct {
	Kind    string         `json:"kind"`
	Code    string         `json:"code"`
	Status  int            `json:"status,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (f *FetchFailure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("upstream: %s (%d): %s", f.Code, f.Status, f.Message)
	}
	return fmt.Sprintf("upstream: %s: %s", f.Code, f.Message)
}

func (f *FetchFailure) Unwrap() error { return f.Err }

// codeForStatus maps a non-2xx HTTP status to a failure code.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return CodeBadRequest
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 400 && status < 500:
		return CodeClientError
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return CodeServerUnavailable
	case status >= 500 && status < 600:
		return CodeServerError
	default:
		return CodeUnexpectedStatus
	}
}

// statusFailure builds the failure for a non-2xx response.
func statusFailure(status int, url, body string) *FetchFailure {
	f := &FetchFailure{
		Kind:    KindHTTP,
		Code:    codeForStatus(status),
		Status:  status,
		Message: http.StatusText(status),
		Details: map[string]any{"url": url},
	}
	if f.Message == "" {
		f.Message = fmt.Sprintf("status %d", status)
	}
	if body != "" {
		f.Details["body"] = body
	}
	return f
}

// transportFailure classifies an error from http.Client.Do. ctx is the
// request context; its state decides between timeout and abort.
func transportFailure(ctx context.Context, url string, err error) *FetchFailure {
	f := &FetchFailure{
		Message: err.Error(),
		Details: map[string]any{"url": url},
		Err:     err,
	}
	var ne net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		f.Kind, f.Code = KindTimeout, CodeTimeout
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		f.Kind, f.Code = KindAbort, CodeAborted
	case errors.As(err, &ne) && ne.Timeout():
		f.Kind, f.Code = KindTimeout, CodeTimeout
	default:
		f.Kind, f.Code = KindNetwork, CodeNetwork
	}
	return f
}

// decodeFailure wraps a response body that could not be parsed.
func decodeFailure(status int, url string, err error) *FetchFailure {
	return &FetchFailure{
		Kind:    KindDecode,
		Code:    CodeInvalidResponse,
		Status:  status,
		Message: "decode response: " + err.Error(),
		Details: map[string]any{"url": url},
		Err:     err,
	}
}
