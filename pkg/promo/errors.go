package promo

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the promotion service.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrPromotionNotFound     = errors.New("promotion not found")
	ErrPromotionCompleted    = errors.New("promotion already completed")
	ErrPromotionUnavailable  = errors.New("promotion unavailable")
	ErrSelfViewNotAllowed    = errors.New("self view not allowed")
	ErrTargetReached         = errors.New("view target reached")
	ErrViewAlreadyCompleted  = errors.New("view already completed")
	ErrInsufficientWatchTime = errors.New("insufficient watch time")
	ErrViewRecordNotFound    = errors.New("view record not found")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrInvalidAccountID      = errors.New("invalid account id")
	ErrInvalidPromotionID    = errors.New("invalid promotion id")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidReason         = errors.New("invalid reason")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrInvalidVideoID        = errors.New("invalid video id")
	ErrInvalidTitle          = errors.New("invalid title")
	ErrInvalidDuration       = errors.New("invalid duration")
	ErrInvalidTargetViews    = errors.New("invalid target views")
	ErrInvalidWatchedSeconds = errors.New("invalid watched seconds")
	ErrInvalidPricing        = errors.New("invalid pricing")
	ErrInvalidPolicy         = errors.New("invalid policy")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// IsRejection reports whether the error is a terminal business-rule or
// validation outcome: retrying the identical request cannot succeed.
// Everything else (conflicts, storage faults) is worth retrying.
func IsRejection(err error) bool {
	for _, rejection := range []error{
		ErrInsufficientFunds,
		ErrPromotionNotFound,
		ErrPromotionCompleted,
		ErrPromotionUnavailable,
		ErrSelfViewNotAllowed,
		ErrTargetReached,
		ErrViewAlreadyCompleted,
		ErrInsufficientWatchTime,
		ErrInvalidAccountID,
		ErrInvalidPromotionID,
		ErrInvalidAmount,
		ErrInvalidReason,
		ErrInvalidStatus,
		ErrInvalidVideoID,
		ErrInvalidTitle,
		ErrInvalidDuration,
		ErrInvalidTargetViews,
		ErrInvalidWatchedSeconds,
	} {
		if errors.Is(err, rejection) {
			return true
		}
	}
	return false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
