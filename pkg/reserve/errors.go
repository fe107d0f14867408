package reserve

import "errors"

// Domain-level error values returned by the reserve allocator.
var (
	ErrReserveNotFound            = errors.New("reserve not found")
	ErrReserveExists              = errors.New("reserve already exists")
	ErrReserveInactive            = errors.New("reserve inactive")
	ErrNoActiveReserves           = errors.New("no active reserves")
	ErrInsufficientReserveBalance = errors.New("insufficient reserve balance")
	ErrBudgetLimitExceeded        = errors.New("budget limit exceeded")
	ErrInvalidSettings            = errors.New("invalid reserve settings")
	ErrInvalidPercentage          = errors.New("invalid allocation percentage")
	ErrRecommendationNotFound     = errors.New("recommendation not found")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
)
