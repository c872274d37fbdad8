package model

import "fmt"

const (
	CodeTimeout      = "E_TIMEOUT"
	CodeConnection   = "E_CONNECTION"
	CodeRateLimited  = "E_RATE_LIMITED"
	CodeValidation   = "E_VALIDATION"
	CodePartialBatch = "E_PARTIAL_BATCH"
	CodeMissingGroup = "E_MISSING_GROUP"
	CodeStoreWrite   = "E_STORE_WRITE"
	CodeUnknown      = "E_UNKNOWN"
)

// Error wraps sync failures with a machine-readable code and retryability hint.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

// CodedError exposes sync error metadata to classifiers and reports.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// NewError builds a coded error; err may be nil when the code says it all.
func NewError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// TerminalCode reports whether the code marks a structural failure that a
// bare resubmission cannot fix. Items carrying these codes are excluded from
// requeueing and listed for manual remediation.
func TerminalCode(code string) bool {
	return code == CodeValidation || code == CodeMissingGroup
}
