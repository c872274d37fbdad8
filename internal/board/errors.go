package board

import (
	"fmt"
	"time"
)

// APIError is one entry of the remote errors array, folded into the sync
// error taxonomy. It implements model.CodedError so classifiers downstream
// never re-parse responses.
type APIError struct {
	Code       string // sync error code (model.Code*)
	RemoteCode string // verbatim remote code
	Message    string
	Retryable  bool
	RetryAfter time.Duration // zero when the server gave no hint
	Alias      string        // failing sub-operation alias, when attributable
}

func (e *APIError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("%s (%s at %s): %s", e.Code, e.RemoteCode, e.Alias, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.RemoteCode, e.Message)
}

func (e *APIError) CodeValue() string     { return e.Code }
func (e *APIError) RetryableStatus() bool { return e.Retryable }

// RetryAfterHint exposes the server-suggested wait to the retry policy.
func (e *APIError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

func newAPIError(body apiErrorBody) *APIError {
	code, retryable := mapRemoteCode(body.Code)
	alias := ""
	if len(body.Path) > 0 {
		alias = body.Path[0]
	}
	return &APIError{
		Code:       code,
		RemoteCode: body.Code,
		Message:    body.Message,
		Retryable:  retryable,
		RetryAfter: time.Duration(body.RetryAfter) * time.Second,
		Alias:      alias,
	}
}

// HTTPError represents a non-2xx transport response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // parsed Retry-After header, zero when absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus lets the retry policy classify by status code.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint exposes the Retry-After header to the retry policy.
func (e *HTTPError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}
