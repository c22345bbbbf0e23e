package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound    = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation  = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrDuplicate   = NewError("DUPLICATE_MESSAGE", "duplicate message", http.StatusConflict)
	ErrPersistence = NewError("PERSISTENCE_ERROR", "persistence operation failed", http.StatusInternalServerError)
	ErrPublish     = NewError("PUBLISH_ERROR", "broker publish failed", http.StatusBadGateway)
	ErrTopology    = NewError("TOPOLOGY_ERROR", "broker topology declaration failed", http.StatusInternalServerError)
	ErrConnection  = NewError("CONNECTION_ERROR", "broker connection unavailable", http.StatusServiceUnavailable)
	ErrInternal    = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrTimeout     = NewError("TIMEOUT", "operation timed out", http.StatusRequestTimeout)
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

// Error is the application error: a stable code, an HTTP status for the
// API edge, optional details, and an optional cause. Values are treated
// as immutable; the With*/As* methods return decorated copies, so the
// sentinels above stay pristine.
type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func (e *Error) Error() string {
	msg := e.Message
	if override, ok := e.Details["message"].(string); ok && override != "" {
		msg = override
	}

	if e.Cause == nil {
		return e.Code + ": " + msg
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// classify resolves retryability: an explicit As* marker wins, then the
// cause's own classification, then the code's default.
func (e *Error) classify() (retryable bool) {
	if e.retryable != nil {
		return *e.retryable
	}

	if e.Cause != nil {
		var r RetryableError
		if errors.As(e.Cause, &r) {
			return r.IsRetryable()
		}
		var f FatalError
		if errors.As(e.Cause, &f) {
			return !f.IsFatal()
		}
	}

	return !isTerminalCode(e.Code)
}

func (e *Error) IsRetryable() bool {
	return e.classify()
}

func (e *Error) IsFatal() bool {
	return !e.classify()
}

// Validation failures, duplicates, and missing resources never improve
// on retry. Everything else defaults to retryable.
func isTerminalCode(code string) bool {
	switch code {
	case ErrValidation.Code, ErrNotFound.Code, ErrDuplicate.Code:
		return true
	}
	return false
}

func (e *Error) clone() *Error {
	clone := *e
	return &clone
}

func (e *Error) WithCause(cause error) *Error {
	clone := e.clone()
	clone.Cause = cause
	return clone
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value

	clone := e.clone()
	clone.Details = details
	return clone
}

func (e *Error) WithDetails(details map[string]interface{}) *Error {
	clone := e.clone()
	clone.Details = details
	return clone
}

func (e *Error) WithMessage(message string) *Error {
	clone := e.clone()
	clone.Message = message
	return clone
}

func (e *Error) marked(retryable bool) *Error {
	clone := e.clone()
	clone.retryable = &retryable
	return clone
}

func (e *Error) AsRetryable() *Error {
	return e.marked(true)
}

func (e *Error) AsFatal() *Error {
	return e.marked(false)
}

// Wrap attaches err as the cause of appErr. A nil err wraps to nil so
// callers can wrap unconditionally.
func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound.Code)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrValidation.Code)
}

func IsDuplicate(err error) bool {
	return hasCode(err, ErrDuplicate.Code)
}

func IsPublish(err error) bool {
	return hasCode(err, ErrPublish.Code)
}

func IsConnection(err error) bool {
	return hasCode(err, ErrConnection.Code)
}

func hasCode(err error, code string) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	return appErr.Status
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}
	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}
	return response
}
