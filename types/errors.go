package types

import "errors"

// Error is the typed error returned by every reqpay operation. Code is
// one of the Err* constants so callers can branch without string
// matching on messages.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrValidation        = "VALIDATION_ERROR"
	ErrNotFound          = "NOT_FOUND"
	ErrInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrApprovalFailed    = "APPROVAL_FAILED"
	ErrPaymentFailed     = "PAYMENT_FAILED"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrAlreadyCanceled   = "ALREADY_CANCELED"
	ErrAttemptInProgress = "ATTEMPT_IN_PROGRESS"
	ErrNetwork           = "NETWORK_ERROR"
)

// CodeOf extracts the reqpay error code from err, or "" if err is not a
// reqpay error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
