package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	operationGrantMilestone = "grant.milestone"
	operationReleaseVested  = "grant.release"
	defaultApplyAttempts    = 3
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger ledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// Service mints milestone grants and releases their vested tranches.
type Service struct {
	store    Store
	clock    func() time.Time
	logger   ledger.OperationLogger
	attempts int
}

// NewService wires a Service.
func NewService(store Store, clock func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, clock: clock, attempts: defaultApplyAttempts}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GrantMilestone records a grant and credits its immediate portion in one transaction.
func (service *Service) GrantMilestone(ctx context.Context, request Request) (Grant, error) {
	grant, err := service.buildGrant(request)
	if err != nil {
		return Grant{}, err
	}
	operationError := ledger.RetryOnConflict(ctx, service.attempts, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := ledger.LockActiveAccount(ctx, transactionStore, grant.DeveloperID); err != nil {
				return err
			}
			granted, err := transactionStore.MilestoneGranted(ctx, grant.DeveloperID, grant.MilestoneName)
			if err != nil {
				return err
			}
			if granted {
				return ErrDuplicateMilestone
			}
			if err := transactionStore.InsertGrant(ctx, grant); err != nil {
				return err
			}
			if grant.VestedPoints == 0 {
				return nil
			}
			metadata, err := ledger.MetadataFrom(map[string]any{
				"grant_id":  grant.ID,
				"milestone": grant.MilestoneName,
				"tranche":   "immediate",
			})
			if err != nil {
				return err
			}
			_, err = ledger.Apply(ctx, transactionStore, ledger.Delta{
				DeveloperID: grant.DeveloperID,
				Amount:      grant.VestedPoints,
				Type:        ledger.TransactionGrant,
				Endpoint:    request.Endpoint,
				Metadata:    metadata,
			}, service.clock())
			return err
		})
	})
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationGrantMilestone,
		DeveloperID: grant.DeveloperID,
		Subject:     grant.MilestoneName,
		Amount:      grant.VestedPoints,
		Error:       operationError,
	})
	if operationError != nil {
		return Grant{}, operationError
	}
	return grant, nil
}

func (service *Service) buildGrant(request Request) (Grant, error) {
	if request.DeveloperID.IsZero() {
		return Grant{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidDeveloperID)
	}
	milestoneName, err := normalizeMilestoneName(request.MilestoneName)
	if err != nil {
		return Grant{}, err
	}
	total := request.TotalPoints
	var vesting Vesting
	if request.Vesting != nil {
		vesting = *request.Vesting
	}
	if total == 0 || request.Vesting == nil {
		milestone, ok := LookupMilestone(milestoneName)
		if !ok {
			return Grant{}, fmt.Errorf("%w: %s needs explicit points and vesting", ErrUnknownMilestone, milestoneName)
		}
		if total == 0 {
			total = milestone.TotalPoints
		}
		if request.Vesting == nil {
			vesting = Vesting{
				Immediate:      milestone.Immediate,
				MonthlyAmount:  milestone.MonthlyAmount,
				DurationMonths: milestone.DurationMonths,
			}
		}
	}
	if err := vesting.validate(total); err != nil {
		return Grant{}, err
	}
	now := service.clock().UTC()
	if vesting.StartDate.IsZero() {
		vesting.StartDate = now
	}
	vesting.StartDate = vesting.StartDate.UTC()
	return Grant{
		ID:             uuid.NewString(),
		DeveloperID:    request.DeveloperID,
		MilestoneName:  milestoneName,
		TotalPoints:    total,
		VestedPoints:   vesting.Immediate,
		UnvestedPoints: total - vesting.Immediate,
		Schedule:       vesting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ReleaseVested releases the next due tranche of a grant.
func (service *Service) ReleaseVested(ctx context.Context, grantID string) (Release, error) {
	var release Release
	operationError := ledger.RetryOnConflict(ctx, service.attempts, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			grant, err := transactionStore.LockGrant(ctx, grantID)
			if err != nil {
				return err
			}
			now := service.clock().UTC()
			if grant.UnvestedPoints == 0 {
				return fmt.Errorf("%w: grant fully vested", ErrNothingToRelease)
			}
			if now.Before(grant.NextReleaseAt()) {
				return fmt.Errorf("%w: next tranche due %s", ErrNothingToRelease, grant.NextReleaseAt().Format(time.RFC3339))
			}
			amount := grant.NextReleaseAmount()
			metadata, err := ledger.MetadataFrom(map[string]any{
				"grant_id":  grant.ID,
				"milestone": grant.MilestoneName,
				"tranche":   grant.ReleasesMade + 1,
			})
			if err != nil {
				return err
			}
			applied, err := ledger.Apply(ctx, transactionStore, ledger.Delta{
				DeveloperID: grant.DeveloperID,
				Amount:      amount,
				Type:        ledger.TransactionGrant,
				Metadata:    metadata,
			}, now)
			if err != nil {
				return err
			}
			grant.VestedPoints += amount
			grant.UnvestedPoints -= amount
			grant.ReleasesMade++
			grant.UpdatedAt = now
			if err := transactionStore.UpdateGrantVesting(ctx, grant); err != nil {
				return err
			}
			release = Release{
				Grant:         grant,
				Amount:        amount,
				BalanceAfter:  applied.BalanceAfter,
				TransactionID: applied.TransactionID,
			}
			return nil
		})
	})
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationReleaseVested,
		DeveloperID: release.Grant.DeveloperID,
		Subject:     grantID,
		Amount:      release.Amount,
		Error:       operationError,
	})
	if operationError != nil {
		return Release{}, operationError
	}
	return release, nil
}

// ReleaseDue releases every tranche that is due across all grants, catching up on missed months.
// A failing grant is reported and does not stop the run.
func (service *Service) ReleaseDue(ctx context.Context) (DueReport, error) {
	grantIDs, err := service.store.ListUnvestedGrantIDs(ctx)
	if err != nil {
		return DueReport{}, err
	}
	var report DueReport
	for _, grantID := range grantIDs {
		for {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			release, err := service.ReleaseVested(ctx, grantID)
			if errors.Is(err, ErrNothingToRelease) {
				break
			}
			if err != nil {
				report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", grantID, err))
				break
			}
			report.Releases = append(report.Releases, release)
		}
	}
	return report, nil
}

// ListGrants returns the developer's grants, oldest first.
func (service *Service) ListGrants(ctx context.Context, developerID ledger.DeveloperID) ([]Grant, error) {
	return service.store.ListGrants(ctx, developerID)
}

// Summarize aggregates the developer's grants.
func (service *Service) Summarize(ctx context.Context, developerID ledger.DeveloperID) (Summary, error) {
	grants, err := service.store.ListGrants(ctx, developerID)
	if err != nil {
		return Summary{}, err
	}
	return SummarizeGrants(grants), nil
}

// SummarizeGrants totals grants; the vested percentage is rounded to two places.
func SummarizeGrants(grants []Grant) Summary {
	summary := Summary{PercentageVested: decimal.Zero}
	for _, grant := range grants {
		summary.TotalGranted += grant.TotalPoints
		summary.TotalVested += grant.VestedPoints
		summary.TotalUnvested += grant.UnvestedPoints
	}
	if summary.TotalGranted > 0 {
		summary.PercentageVested = decimal.NewFromInt(summary.TotalVested.Int64()).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(summary.TotalGranted.Int64())).
			Round(2)
	}
	return summary
}
