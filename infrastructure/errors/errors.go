// Package errors provides unified error handling for the thermostat control plane.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	ErrCodeBadRequest         ErrorCode = "REQ_1001"
	ErrCodeMissingSerial      ErrorCode = "REQ_1002"
	ErrCodeInvalidBody        ErrorCode = "REQ_1003"
	ErrCodeUnauthorized       ErrorCode = "AUTH_2001"
	ErrCodeNotFound           ErrorCode = "RES_3001"
	ErrCodeConflict           ErrorCode = "RES_3002"
	ErrCodeTooMany            ErrorCode = "RES_3003"
	ErrCodeServiceUnavailable ErrorCode = "SVC_4001"
	ErrCodeInternal           ErrorCode = "SVC_4002"
)

// ServiceError is a structured error with code, message and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a diagnostic field to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// BadRequest covers malformed JSON and wrong body shapes (spec §7).
func BadRequest(message string) *ServiceError {
	return New(ErrCodeBadRequest, message, http.StatusBadRequest)
}

// MissingSerial covers a request that failed serial extraction.
func MissingSerial() *ServiceError {
	return New(ErrCodeMissingSerial, "missing or invalid device serial", http.StatusBadRequest)
}

// Unauthorized covers a gated endpoint hit by an UNKNOWN device.
func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// NotFound covers missing buckets/devices on operator queries.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Conflict is raised on a lost entry-code claim race. By design (spec §7)
// it is surfaced to the device with HTTP 200 and a false success flag
// rather than the ordinary Conflict HTTP status. This constructor still
// sets HTTPStatus to 409; the operator surface's register handler writes
// the 200 {"success": false} response itself instead of using this error.
func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// TooMany is raised when the fan-out registry's per-device waiter cap is exceeded.
func TooMany(serial string, limit int) *ServiceError {
	return New(ErrCodeTooMany, "too many subscriptions for device", http.StatusTooManyRequests).
		WithDetails("serial", serial).
		WithDetails("limit", limit)
}

// ServiceUnavailable covers persistence or upstream failures during code
// issuance or weather fetch.
func ServiceUnavailable(operation string, err error) *ServiceError {
	return Wrap(ErrCodeServiceUnavailable, "service unavailable", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

// RateLimitExceeded covers the ambient per-key rate limiter tripping on the
// device-facing surface; not one of the core's named error kinds (spec §7)
// but carried as ordinary ambient resilience, matching the teacher's own
// rate-limit middleware.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeTooMany, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal covers anything else; detail goes to logs, not the response body.
func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// IsServiceError reports whether err is (or wraps) a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain, if present.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code associated with an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
