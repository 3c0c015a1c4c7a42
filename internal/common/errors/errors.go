// Package errors provides structured error handling for RiskGate
package errors

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrBadRequest ErrorCode = "BAD_REQUEST"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Decision engine errors
	ErrVersionConflict   ErrorCode = "VERSION_CONFLICT"
	ErrLookupUnavailable ErrorCode = "LOOKUP_UNAVAILABLE"
	ErrConfigInvalid     ErrorCode = "CONFIG_INVALID"

	// Step-up errors
	ErrSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionExpired     ErrorCode = "SESSION_EXPIRED"
	ErrChallengeInvalid   ErrorCode = "CHALLENGE_INVALID"
	ErrChallengeExpired   ErrorCode = "CHALLENGE_EXPIRED"
	ErrMethodNotEligible  ErrorCode = "METHOD_NOT_ELIGIBLE"
	ErrAttemptsExhausted  ErrorCode = "ATTEMPTS_EXHAUSTED"

	// Storage errors
	ErrDatabase ErrorCode = "DATABASE_ERROR"
	ErrRedis    ErrorCode = "REDIS_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// VersionConflict signals a concurrent profile update collision. Callers
// recover by re-reading and reapplying; it is never surfaced to end users.
func VersionConflict(userID string) *AppError {
	return (&AppError{
		Code:       ErrVersionConflict,
		Message:    "Profile version conflict",
		StatusCode: http.StatusConflict,
	}).WithMetadata("user_id", userID)
}

// LookupUnavailable signals a temporarily unreachable external lookup
func LookupUnavailable(what string, err error) *AppError {
	return &AppError{
		Code:       ErrLookupUnavailable,
		Message:    fmt.Sprintf("%s lookup unavailable", what),
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ConfigInvalid signals contradictory or out-of-range configuration;
// fatal at startup.
func ConfigInvalid(detail string) *AppError {
	return &AppError{
		Code:       ErrConfigInvalid,
		Message:    "Invalid configuration",
		Details:    detail,
		StatusCode: http.StatusInternalServerError,
	}
}

// SessionNotFound creates a step-up session not found error
func SessionNotFound(sessionID string) *AppError {
	return (&AppError{
		Code:       ErrSessionNotFound,
		Message:    "Step-up session not found",
		StatusCode: http.StatusNotFound,
	}).WithMetadata("session_id", sessionID)
}

// SessionExpired creates a step-up session expired error
func SessionExpired(sessionID string) *AppError {
	return (&AppError{
		Code:       ErrSessionExpired,
		Message:    "Step-up session has expired",
		StatusCode: http.StatusGone,
	}).WithMetadata("session_id", sessionID)
}

// ChallengeInvalid creates a rejected challenge response error carrying
// the remaining attempt count for the user
func ChallengeInvalid(remaining int) *AppError {
	return (&AppError{
		Code:       ErrChallengeInvalid,
		Message:    "Challenge response rejected",
		StatusCode: http.StatusUnauthorized,
	}).WithMetadata("remaining_attempts", remaining)
}

// MethodNotEligible creates an error for a step-up method the user cannot use
func MethodNotEligible(method string) *AppError {
	return (&AppError{
		Code:       ErrMethodNotEligible,
		Message:    "Step-up method not eligible",
		StatusCode: http.StatusBadRequest,
	}).WithMetadata("method", method)
}

// AttemptsExhausted creates an error for a step-up session out of attempts
func AttemptsExhausted(sessionID string) *AppError {
	return (&AppError{
		Code:       ErrAttemptsExhausted,
		Message:    "Step-up attempts exhausted",
		StatusCode: http.StatusForbidden,
	}).WithMetadata("session_id", sessionID)
}

// DatabaseError creates a database error
func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrDatabase,
		Message:    "Database operation failed",
		Details:    operation,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	var ok bool

	if appErr, ok = err.(*AppError); !ok {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	response := ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	}

	c.JSON(appErr.StatusCode, response)
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
