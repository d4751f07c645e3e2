// Package errors provides the API-facing error type shared by HTTP handlers.
// Domain packages keep their own sentinels; handlers translate them here.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeLimitExceeded      = "LIMIT_EXCEEDED"
)

var statusByCode = map[string]int{
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeInternalError:      http.StatusInternalServerError,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeValidationError:    http.StatusBadRequest,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeLimitExceeded:      http.StatusTooManyRequests,
}

// AppError is an error with a stable code and the HTTP status it maps to.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// New builds an AppError for code. Unknown codes map to 500.
func New(code, message string, cause error) *AppError {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: cause}
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound reports a missing agent, prompt or machine.
func NotFound(resource, id string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %q not found", resource, id), nil)
}

func BadRequest(message string) *AppError {
	return New(ErrCodeBadRequest, message, nil)
}

func InternalError(message string, cause error) *AppError {
	return New(ErrCodeInternalError, message, cause)
}

// Conflict reports a request that lost against the current agent or machine
// state, e.g. an illegal transition or a prompt that is no longer queued.
func Conflict(message string, cause error) *AppError {
	return New(ErrCodeConflict, message, cause)
}

// ValidationError reports a bad request body field.
func ValidationError(field, message string) *AppError {
	return New(ErrCodeValidationError, fmt.Sprintf("%s: %s", field, message), nil)
}

func ServiceUnavailable(service string) *AppError {
	return New(ErrCodeServiceUnavailable, service+" is unavailable", nil)
}

// LimitExceeded reports that a restore or usage limit blocked the request.
func LimitExceeded(message string, cause error) *AppError {
	return New(ErrCodeLimitExceeded, message, cause)
}

// Wrap prefixes message onto err. An AppError anywhere in the chain keeps its
// code; anything else becomes an internal error.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return New(appErr.Code, message+": "+appErr.Message, err)
	}
	return InternalError(message, err)
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with code.
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

func IsConflict(err error) bool { return HasCode(err, ErrCodeConflict) }

// GetHTTPStatus returns the status for err, 500 if it is not an AppError.
func GetHTTPStatus(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
