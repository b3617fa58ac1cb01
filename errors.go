package workflow

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidDefinition  = "WORKFLOW_INVALID_DEFINITION"
	ErrCodeBlockNotFound      = "WORKFLOW_BLOCK_NOT_FOUND"
	ErrCodeBlockInstantiation = "WORKFLOW_BLOCK_INSTANTIATION"
	ErrCodeGuardRejected      = "WORKFLOW_GUARD_REJECTED"
	ErrCodeBlockFailed        = "WORKFLOW_BLOCK_FAILED"
	ErrCodeCheckpointFailed   = "WORKFLOW_CHECKPOINT_FAILED"
	ErrCodeVersionConflict    = "WORKFLOW_VERSION_CONFLICT"
	ErrCodeExecutionExists    = "WORKFLOW_EXECUTION_EXISTS"
	ErrCodeExecutionNotFound  = "WORKFLOW_EXECUTION_NOT_FOUND"
	ErrCodeExecutionFinished  = "WORKFLOW_EXECUTION_FINISHED"
	ErrCodeLeaseUnavailable   = "WORKFLOW_LEASE_UNAVAILABLE"
	ErrCodeCancelled          = "WORKFLOW_CANCELLED"
)

var (
	ErrInvalidDefinition = apperrors.New("invalid workflow definition", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidDefinition)
	ErrBlockNotFound = apperrors.New("block not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeBlockNotFound)
	ErrBlockInstantiation = apperrors.New("block instantiation failed", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeBlockInstantiation)
	ErrGuardRejected = apperrors.New("guard rejected", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeGuardRejected)
	ErrBlockFailed = apperrors.New("block execution failed", apperrors.CategoryHandler).
			WithTextCode(ErrCodeBlockFailed)
	ErrCheckpointFailed = apperrors.New("checkpoint persistence failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeCheckpointFailed)
	ErrVersionConflict = apperrors.New("checkpoint version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrExecutionExists = apperrors.New("execution already exists", apperrors.CategoryConflict).
				WithTextCode(ErrCodeExecutionExists)
	ErrExecutionNotFound = apperrors.New("execution not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeExecutionNotFound)
	ErrExecutionFinished = apperrors.New("execution already finished", apperrors.CategoryConflict).
				WithTextCode(ErrCodeExecutionFinished)
	ErrLeaseUnavailable = apperrors.New("execution lease held by another worker", apperrors.CategoryConflict).
				WithTextCode(ErrCodeLeaseUnavailable)
	ErrCancelled = apperrors.New("workflow cancelled", apperrors.CategoryExternal).
			WithTextCode(ErrCodeCancelled)
)

// NewError clones base with a specific message, cause and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrBlockFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Wrap is NewError for callers that also need errors.Is to reach cause.
func Wrap(base *apperrors.Error, message string, cause error, metadata map[string]any) error {
	coded := NewError(base, message, cause, metadata)
	if cause == nil {
		return coded
	}
	return &wrappedError{coded: coded, cause: cause}
}

type wrappedError struct {
	coded *apperrors.Error
	cause error
}

func (e *wrappedError) Error() string {
	return e.coded.Message + ": " + e.cause.Error()
}

func (e *wrappedError) Unwrap() []error {
	return []error{e.coded, e.cause}
}

// ErrorCode returns the text code of the first coded error in the chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsFatal reports whether err belongs to a class that is never retried:
// definition, instantiation, guard escalation and persistence failures.
func IsFatal(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeInvalidDefinition,
		ErrCodeBlockNotFound,
		ErrCodeBlockInstantiation,
		ErrCodeGuardRejected,
		ErrCodeCheckpointFailed,
		ErrCodeVersionConflict,
		ErrCodeExecutionExists,
		ErrCodeExecutionNotFound,
		ErrCodeExecutionFinished,
		ErrCodeLeaseUnavailable,
		ErrCodeCancelled:
		return true
	default:
		return false
	}
}

// NonRetryableError marks an error as terminal for the error handler.
type NonRetryableError struct {
	Cause error
}

func (e *NonRetryableError) Error() string {
	if e == nil || e.Cause == nil {
		return "non-retryable error"
	}
	return e.Cause.Error()
}

func (e *NonRetryableError) Unwrap() error { return e.Cause }

// NonRetryable wraps err so the error handler always recommends Fail.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Cause: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var target *NonRetryableError
	return stderrors.As(err, &target)
}

// SkippableError marks an error whose run may be completed despite it.
type SkippableError struct {
	Cause error
}

func (e *SkippableError) Error() string {
	if e == nil || e.Cause == nil {
		return "skippable error"
	}
	return e.Cause.Error()
}

func (e *SkippableError) Unwrap() error { return e.Cause }

// Skippable wraps err so the error handler recommends Skip.
func Skippable(err error) error {
	if err == nil {
		return nil
	}
	return &SkippableError{Cause: err}
}

// IsSkippable reports whether err was marked with Skippable.
func IsSkippable(err error) bool {
	var target *SkippableError
	return stderrors.As(err, &target)
}
