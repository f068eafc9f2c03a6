package models

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrBalanceMismatch   = errors.New("entries must balance (debit == credit)")
	ErrPeriodLocked      = errors.New("transaction date falls in a locked period")
	ErrInvalidPeriod     = errors.New("end_date before start_date")
	ErrAlreadyReversed   = errors.New("verification has already been reversed")
	ErrNoOpenBalance     = errors.New("verification has no open AR/AP amount")
	ErrAmountMismatch    = errors.New("bank amount does not match open amount")
	ErrAlreadySettled    = errors.New("bank transaction is already settled")
	ErrUnknownSettlement = errors.New("unknown settlement type")
	ErrBusinessMismatch  = errors.New("records belong to different businesses")
)

// ValidationError carries the offending field for payload rejections.
// It unwraps to ErrInvalidPayload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Message
	}
	return "invalid payload: " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
