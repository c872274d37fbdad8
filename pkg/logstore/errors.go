package logstore

import "fmt"

// Error carries a stable code and a retryability verdict for mirror
// failures, so callers can decide between resubmitting a snapshot and
// giving up on the object store for the run.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

// Mirror failure codes. Configuration and addressing problems are
// terminal; transport-level failures are retryable.
const (
	CodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	CodeAuthInvalid         = "E_AUTH_INVALID"
	CodeBucketNotFound      = "E_BUCKET_NOT_FOUND"
	CodeObjectNotFound      = "E_OBJECT_NOT_FOUND"
	CodePermissionDenied    = "E_PERMISSION_DENIED"
	CodeTimeout             = "E_TIMEOUT"
	CodeMirrorWriteFailed   = "E_MIRROR_WRITE_FAILED"
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeValue exposes the code to classifiers that only see an error value.
func (e *Error) CodeValue() string { return e.Code }

// RetryableStatus reports whether a retry of the same write could succeed.
func (e *Error) RetryableStatus() bool { return e.Retryable }

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}
