package transfer

import "errors"

// Domain-level error values returned by the transfer protocol.
var (
	ErrSelfTransfer         = errors.New("cannot transfer to self")
	ErrStepUpRequired       = errors.New("step-up authentication required")
	ErrStepUpInvalid        = errors.New("step-up token invalid")
	ErrRecipientNotEligible = errors.New("recipient not eligible")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
