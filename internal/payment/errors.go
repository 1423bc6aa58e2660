package payment

import "errors"

// Domain errors
var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrPaymentExists      = errors.New("an active payment already exists for this booking")
	ErrInvalidRequest     = errors.New("invalid payment request")
	ErrInvalidAmount      = errors.New("amount must be at least 0.01")
	ErrInvalidCurrency    = errors.New("currency must be a valid ISO-4217 code")
	ErrInvalidIdemKey     = errors.New("idempotency key must be 10 to 255 characters")
	ErrNotRefundable      = errors.New("only successful payments can be refunded")
	ErrRefundTooLarge     = errors.New("refund exceeds payment amount")
	ErrBadSignature       = errors.New("webhook signature verification failed")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// IsNotFound reports whether err is a missing-payment error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPaymentNotFound)
}

// IsValidation reports whether err is a request validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrInvalidIdemKey) ||
		errors.Is(err, ErrRefundTooLarge)
}

// IsConflict reports whether err is a state conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrPaymentExists) ||
		errors.Is(err, ErrNotRefundable)
}
