// Package errors provides structured error handling for scanfleet operations.
// It defines error codes, error types for the scheduler, planner, database and
// configuration layers, and helpers to classify errors by code.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Scheduler errors.
	CodeBusy          ErrorCode = "BUSY"
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"
	CodeJobStale      ErrorCode = "JOB_STALE"

	// Planner errors.
	CodeStageFailed ErrorCode = "STAGE_FAILED"
	CodeParseFailed ErrorCode = "PARSE_FAILED"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// Storage and archive errors.
	CodeFileNotFound   ErrorCode = "FILE_NOT_FOUND"
	CodeFilePermission ErrorCode = "FILE_PERMISSION"
	CodeArchiveFailed  ErrorCode = "ARCHIVE_FAILED"

	// Service errors.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
)

// SchedulerError represents an error raised by queue, job or heat operations.
type SchedulerError struct {
	Code    ErrorCode
	Message string
	Queue   string
	JobID   string
	Cause   error
}

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	switch {
	case e.JobID != "":
		return fmt.Sprintf("[%s] %s (job: %s)", e.Code, e.Message, e.JobID)
	case e.Queue != "":
		return fmt.Sprintf("[%s] %s (queue: %s)", e.Code, e.Message, e.Queue)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *SchedulerError) Unwrap() error {
	return e.Cause
}

// Is reports code equality, so sentinel errors match any error with the same code.
func (e *SchedulerError) Is(target error) bool {
	t, ok := target.(*SchedulerError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Queue == "" && t.JobID == "" && t.Cause == nil
}

// NewSchedulerError creates a new scheduler error with the specified code and message.
func NewSchedulerError(code ErrorCode, message string) *SchedulerError {
	return &SchedulerError{Code: code, Message: message}
}

// WrapSchedulerError wraps an existing error as a scheduler error.
func WrapSchedulerError(code ErrorCode, message string, err error) *SchedulerError {
	return &SchedulerError{Code: code, Message: message, Cause: err}
}

// PlannerError represents a failure of a single planner stage.
type PlannerError struct {
	Code    ErrorCode
	Message string
	Stage   string
	Cause   error
}

// Error implements the error interface.
func (e *PlannerError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] %s (stage: %s)", e.Code, e.Message, e.Stage)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PlannerError) Unwrap() error {
	return e.Cause
}

// WrapPlannerError wraps an error raised by the named stage.
func WrapPlannerError(code ErrorCode, stage, message string, err error) *PlannerError {
	return &PlannerError{Code: code, Message: message, Stage: stage, Cause: err}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithOperation records the repository operation that failed.
func (e *DatabaseError) WithOperation(operation string) *DatabaseError {
	e.Operation = operation
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{Code: code, Message: message}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{Code: code, Message: message, Cause: err}
}

// Utility functions for common error operations

// GetCode returns the code of the outermost structured error in the chain.
func GetCode(err error) ErrorCode {
	for err != nil {
		switch e := err.(type) {
		case *SchedulerError:
			return e.Code
		case *PlannerError:
			return e.Code
		case *DatabaseError:
			return e.Code
		case *ConfigError:
			return e.Code
		}
		err = errors.Unwrap(err)
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeBusy, CodeTimeout, CodeDatabaseTimeout, CodeServiceUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeValidation, CodeDatabaseMigration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrBusy is returned when the scheduler lock could not be acquired in time.
var ErrBusy = NewSchedulerError(CodeBusy, "server busy")

// IsBusy reports whether err signals lock contention.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// ErrQueueNotFound creates an error for a reference to a missing queue.
func ErrQueueNotFound(name string) *SchedulerError {
	return &SchedulerError{Code: CodeNotFound, Message: "missing queue", Queue: name}
}

// ErrInvalidTarget creates an error for unparsable targets.
func ErrInvalidTarget(target string, err error) *SchedulerError {
	return &SchedulerError{Code: CodeTargetInvalid, Message: fmt.Sprintf("invalid target %q", target), Cause: err}
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return &ConfigError{Code: CodeValidation, Message: "Invalid configuration value", Field: field, Value: value}
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return &ConfigError{Code: CodeConfiguration, Message: "Required configuration field missing", Field: field}
}

// ErrUnauthorized is returned when an agent key is missing, unknown or revoked.
var ErrUnauthorized = NewSchedulerError(CodeUnauthorized, "invalid API key")
