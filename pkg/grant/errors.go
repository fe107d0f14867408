package grant

import "errors"

// Domain-level error values returned by the grant service.
var (
	ErrDuplicateMilestone   = errors.New("milestone already granted")
	ErrUnknownMilestone     = errors.New("unknown milestone")
	ErrInvalidMilestone     = errors.New("invalid milestone name")
	ErrInvalidVesting       = errors.New("invalid vesting schedule")
	ErrGrantNotFound        = errors.New("grant not found")
	ErrNothingToRelease     = errors.New("nothing to release")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
