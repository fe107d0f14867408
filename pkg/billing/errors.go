package billing

import "errors"

// Domain-level error values returned by the billing calculator.
var (
	ErrPeriodNotFound       = errors.New("billing period not found")
	ErrInvalidPeriod        = errors.New("invalid billing period")
	ErrAlreadyCalculated    = errors.New("billing period already calculated")
	ErrNotCalculated        = errors.New("billing period not calculated")
	ErrInvalidUsage         = errors.New("invalid usage record")
	ErrAdvisoryUnavailable  = errors.New("cost advisory unavailable")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
