package grant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Vesting describes how a grant's points become spendable.
type Vesting struct {
	Immediate      ledger.Points
	MonthlyAmount  ledger.Points
	DurationMonths int
	StartDate      time.Time
}

// Grant is a milestone award, partly vested immediately and the rest released monthly.
type Grant struct {
	ID             string
	DeveloperID    ledger.DeveloperID
	MilestoneName  string
	TotalPoints    ledger.Points
	VestedPoints   ledger.Points
	UnvestedPoints ledger.Points
	Schedule       Vesting
	ReleasesMade   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NextReleaseAt returns when the next tranche becomes due.
func (grant Grant) NextReleaseAt() time.Time {
	return grant.Schedule.StartDate.AddDate(0, grant.ReleasesMade+1, 0)
}

// NextReleaseAmount is the size of the next tranche.
func (grant Grant) NextReleaseAmount() ledger.Points {
	if grant.Schedule.MonthlyAmount < grant.UnvestedPoints {
		return grant.Schedule.MonthlyAmount
	}
	return grant.UnvestedPoints
}

// Request asks for a milestone grant. Zero TotalPoints or nil Vesting fall back to the catalog.
type Request struct {
	DeveloperID   ledger.DeveloperID
	MilestoneName string
	TotalPoints   ledger.Points
	Vesting       *Vesting
	Endpoint      string
}

// Release reports one released tranche.
type Release struct {
	Grant         Grant
	Amount        ledger.Points
	BalanceAfter  ledger.Points
	TransactionID string
}

// DueReport collects the result of a batch release run.
type DueReport struct {
	Releases []Release
	Failures []string
}

// Summary aggregates a developer's grants.
type Summary struct {
	TotalGranted     ledger.Points
	TotalVested      ledger.Points
	TotalUnvested    ledger.Points
	PercentageVested decimal.Decimal
}

// Store is the persistence contract used by Service.
type Store interface {
	ledger.AccountStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// InsertGrant fails with ErrDuplicateMilestone when the (developer, milestone) pair exists.
	InsertGrant(ctx context.Context, grant Grant) error
	MilestoneGranted(ctx context.Context, developerID ledger.DeveloperID, milestoneName string) (bool, error)
	// LockGrant returns the grant holding a write lock, or ErrGrantNotFound.
	LockGrant(ctx context.Context, grantID string) (Grant, error)
	UpdateGrantVesting(ctx context.Context, grant Grant) error
	ListGrants(ctx context.Context, developerID ledger.DeveloperID) ([]Grant, error)
	// ListUnvestedGrantIDs returns ids of grants that still hold unvested points.
	ListUnvestedGrantIDs(ctx context.Context) ([]string, error)
}

func normalizeMilestoneName(raw string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidMilestone)
	}
	return normalized, nil
}

func (vesting Vesting) validate(total ledger.Points) error {
	if total <= 0 {
		return fmt.Errorf("%w: total points must be greater than zero", ErrInvalidVesting)
	}
	if vesting.Immediate < 0 || vesting.Immediate > total {
		return fmt.Errorf("%w: immediate must be between 0 and total", ErrInvalidVesting)
	}
	if vesting.MonthlyAmount < 0 || vesting.DurationMonths < 0 {
		return fmt.Errorf("%w: monthly amount and duration must be non-negative", ErrInvalidVesting)
	}
	unvested := total - vesting.Immediate
	if unvested == 0 {
		return nil
	}
	if vesting.MonthlyAmount == 0 || vesting.DurationMonths == 0 {
		return fmt.Errorf("%w: unvested points need a monthly amount and duration", ErrInvalidVesting)
	}
	if vesting.MonthlyAmount*ledger.Points(vesting.DurationMonths) < unvested {
		return fmt.Errorf("%w: schedule releases less than the unvested total", ErrInvalidVesting)
	}
	return nil
}
