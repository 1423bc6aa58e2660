package ticketing

import "errors"

// Domain errors
var (
	ErrInvalidTicket  = errors.New("invalid ticket request")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrTicketExists   = errors.New("a ticket already exists for this booking")
	ErrBatchNotFound  = errors.New("merkle batch not found")
	ErrAnchorNotFound = errors.New("anchor not found")
	ErrNotCancellable = errors.New("only active tickets can be cancelled")
	ErrChainDisabled  = errors.New("chain anchoring is disabled")
	ErrProofNotFound  = errors.New("no merkle proof recorded for this ticket")
)

// IsNotFound reports whether err is a missing-entity error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTicketNotFound) ||
		errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrAnchorNotFound) ||
		errors.Is(err, ErrProofNotFound)
}

// IsConflict reports whether err is a state conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrTicketExists) ||
		errors.Is(err, ErrNotCancellable)
}

// IsValidation reports whether err is a request validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTicket)
}
