package reserve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	operationInitialize          = "reserve.initialize"
	operationAllocate            = "reserve.allocate"
	operationSpend               = "reserve.spend"
	operationUpdateSettings      = "reserve.update_settings"
	operationApplyRecommendation = "reserve.apply_recommendation"
	operationRecordRecommend     = "reserve.record_recommendation"
	defaultApplyAttempts         = 3
	defaultSpendPurpose          = "spend"
	defaultAllocationSource      = "manual"
)

var (
	maxPercentage = decimal.NewFromInt(100)
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger ledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// Service manages per-category reserves funded from the main account.
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

// Categories returns the category catalog.
func (service *Service) Categories(ctx context.Context) ([]Category, error) {
	return service.store.ListCategories(ctx)
}

// Initialize creates one reserve per active category with the default percentage.
// Categories the developer already holds are skipped.
func (service *Service) Initialize(ctx context.Context, developerID ledger.DeveloperID) ([]Reserve, error) {
	if developerID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ledger.ErrInvalidDeveloperID)
	}
	var reserves []Reserve
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := ledger.LockActiveAccount(ctx, transactionStore, developerID); err != nil {
			return err
		}
		categories, err := transactionStore.ListCategories(ctx)
		if err != nil {
			return err
		}
		existing, err := transactionStore.ListReserves(ctx, developerID)
		if err != nil {
			return err
		}
		held := make(map[string]bool, len(existing))
		for _, reserve := range existing {
			held[reserve.CategoryName] = true
		}
		now := service.clock().UTC()
		for _, category := range categories {
			if !category.Active || held[category.Name] {
				continue
			}
			reserve := Reserve{
				ID:                   uuid.NewString(),
				DeveloperID:          developerID,
				CategoryName:         category.Name,
				AllocationPercentage: category.DefaultAllocationPercentage,
				Active:               true,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := transactionStore.InsertReserve(ctx, reserve); err != nil {
				return err
			}
		}
		reserves, err = transactionStore.ListReserves(ctx, developerID)
		return err
	})
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationInitialize,
		DeveloperID: developerID,
		Error:       operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return reserves, nil
}

// ListReserves returns the developer's reserves ordered by category name.
func (service *Service) ListReserves(ctx context.Context, developerID ledger.DeveloperID) ([]Reserve, error) {
	return service.store.ListReserves(ctx, developerID)
}

// Allocate debits the main account and distributes the amount across active reserves.
func (service *Service) Allocate(ctx context.Context, request AllocateRequest) ([]AllocationShare, error) {
	if request.DeveloperID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ledger.ErrInvalidDeveloperID)
	}
	if request.TotalAmount <= 0 {
		return nil, fmt.Errorf("%w: allocation must be greater than zero", ledger.ErrInvalidAmount)
	}
	source := strings.TrimSpace(request.Source)
	if source == "" {
		source = defaultAllocationSource
	}
	var shares []AllocationShare
	operationError := ledger.RetryOnConflict(ctx, service.attempts, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			now := service.clock().UTC()
			metadata, err := ledger.MetadataFrom(map[string]any{"source": source, "reason": request.Reason})
			if err != nil {
				return err
			}
			if _, err := ledger.Apply(ctx, transactionStore, ledger.Delta{
				DeveloperID: request.DeveloperID,
				Amount:      request.TotalAmount.Negated(),
				Type:        ledger.TransactionAllocation,
				Metadata:    metadata,
			}, now); err != nil {
				return err
			}
			locked, err := transactionStore.LockReserves(ctx, request.DeveloperID)
			if err != nil {
				return err
			}
			active := make([]Reserve, 0, len(locked))
			for _, reserve := range locked {
				if reserve.Active {
					active = append(active, reserve)
				}
			}
			split, err := Split(request.TotalAmount, active)
			if err != nil {
				return err
			}
			for index, share := range split {
				if share.Amount == 0 {
					continue
				}
				reserve := active[index]
				before := reserve.Balance
				reserve.Balance += share.Amount
				reserve.TotalAllocated += share.Amount
				reserve.UpdatedAt = now
				if err := transactionStore.UpdateReserve(ctx, reserve); err != nil {
					return err
				}
				if err := transactionStore.InsertAllocation(ctx, Allocation{
					ID:           uuid.NewString(),
					DeveloperID:  request.DeveloperID,
					ReserveID:    reserve.ID,
					CategoryName: reserve.CategoryName,
					Amount:       share.Amount,
					Percentage:   share.Percentage,
					Source:       source,
					Reason:       request.Reason,
					CreatedAt:    now,
				}); err != nil {
					return err
				}
				if err := transactionStore.InsertReserveTransaction(ctx, Transaction{
					ID:            uuid.NewString(),
					DeveloperID:   request.DeveloperID,
					ReserveID:     reserve.ID,
					Kind:          KindAllocation,
					Purpose:       source,
					Amount:        share.Amount,
					BalanceBefore: before,
					BalanceAfter:  reserve.Balance,
					Description:   request.Reason,
					CreatedAt:     now,
				}); err != nil {
					return err
				}
			}
			shares = split
			return nil
		})
	})
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationAllocate,
		DeveloperID: request.DeveloperID,
		Subject:     source,
		Amount:      request.TotalAmount,
		Error:       operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return shares, nil
}

// Spend draws from one reserve, then attempts an auto-refill in a separate transaction.
// A refill failure is reported in Warnings and never undoes the spend.
func (service *Service) Spend(ctx context.Context, request SpendRequest) (SpendResult, error) {
	if request.DeveloperID.IsZero() {
		return SpendResult{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidDeveloperID)
	}
	if request.Amount <= 0 {
		return SpendResult{}, fmt.Errorf("%w: spend must be greater than zero", ledger.ErrInvalidAmount)
	}
	purpose := strings.TrimSpace(request.Purpose)
	if purpose == "" {
		purpose = defaultSpendPurpose
	}
	var spent Reserve
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reserve, err := transactionStore.LockReserve(ctx, request.DeveloperID, request.ReserveID)
		if err != nil {
			return err
		}
		if !reserve.Active {
			return ErrReserveInactive
		}
		if request.Amount > reserve.Balance {
			return ErrInsufficientReserveBalance
		}
		if reserve.BudgetLimit != nil && reserve.TotalSpent+request.Amount > *reserve.BudgetLimit {
			return ErrBudgetLimitExceeded
		}
		now := service.clock().UTC()
		before := reserve.Balance
		reserve.Balance -= request.Amount
		reserve.TotalSpent += request.Amount
		reserve.UpdatedAt = now
		if err := transactionStore.UpdateReserve(ctx, reserve); err != nil {
			return err
		}
		if err := transactionStore.InsertReserveTransaction(ctx, Transaction{
			ID:            uuid.NewString(),
			DeveloperID:   request.DeveloperID,
			ReserveID:     reserve.ID,
			Kind:          KindSpend,
			Purpose:       purpose,
			Amount:        request.Amount.Negated(),
			BalanceBefore: before,
			BalanceAfter:  reserve.Balance,
			Description:   request.Description,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		spent = reserve
		return nil
	})
	if operationError != nil {
		ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
			Operation:   operationSpend,
			DeveloperID: request.DeveloperID,
			Subject:     request.ReserveID,
			Amount:      request.Amount,
			Error:       operationError,
		})
		return SpendResult{}, operationError
	}

	result := SpendResult{Reserve: spent, NewBalance: spent.Balance}
	if spent.AutoRefillEnabled && spent.AutoRefillAmount > 0 && spent.Balance < spent.AutoRefillThreshold {
		refilled, refillErr := service.refill(ctx, spent)
		if refillErr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("auto-refill failed: %v", refillErr))
		} else {
			result.Reserve = refilled
			result.NewBalance = refilled.Balance
			result.Refilled = true
			result.RefillAmount = spent.AutoRefillAmount
		}
	}
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationSpend,
		DeveloperID: request.DeveloperID,
		Subject:     request.ReserveID,
		Amount:      request.Amount,
		Warnings:    result.Warnings,
	})
	return result, nil
}

func (service *Service) refill(ctx context.Context, spent Reserve) (Reserve, error) {
	var refilled Reserve
	err := ledger.RetryOnConflict(ctx, service.attempts, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			now := service.clock().UTC()
			amount := spent.AutoRefillAmount
			metadata, err := ledger.MetadataFrom(map[string]any{"reserve_id": spent.ID, "category": spent.CategoryName, "source": "auto_refill"})
			if err != nil {
				return err
			}
			if _, err := ledger.Apply(ctx, transactionStore, ledger.Delta{
				DeveloperID: spent.DeveloperID,
				Amount:      amount.Negated(),
				Type:        ledger.TransactionAllocation,
				Metadata:    metadata,
			}, now); err != nil {
				return err
			}
			reserve, err := transactionStore.LockReserve(ctx, spent.DeveloperID, spent.ID)
			if err != nil {
				return err
			}
			before := reserve.Balance
			reserve.Balance += amount
			reserve.TotalAllocated += amount
			reserve.UpdatedAt = now
			if err := transactionStore.UpdateReserve(ctx, reserve); err != nil {
				return err
			}
			if err := transactionStore.InsertReserveTransaction(ctx, Transaction{
				ID:            uuid.NewString(),
				DeveloperID:   spent.DeveloperID,
				ReserveID:     reserve.ID,
				Kind:          KindRefill,
				Purpose:       "auto_refill",
				Amount:        amount,
				BalanceBefore: before,
				BalanceAfter:  reserve.Balance,
				Description:   "automatic refill below threshold",
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			refilled = reserve
			return nil
		})
	})
	return refilled, err
}

// UpdateSettings changes one reserve's policy. Sibling reserves are never touched; a percentage
// total above 100 is accepted and reported as a warning.
func (service *Service) UpdateSettings(ctx context.Context, developerID ledger.DeveloperID, reserveID string, settings Settings) (UpdateResult, error) {
	if err := settings.validate(); err != nil {
		return UpdateResult{}, err
	}
	var result UpdateResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reserve, err := transactionStore.LockReserve(ctx, developerID, reserveID)
		if err != nil {
			return err
		}
		settings.applyTo(&reserve)
		reserve.UpdatedAt = service.clock().UTC()
		if err := transactionStore.UpdateReserve(ctx, reserve); err != nil {
			return err
		}
		reserves, err := transactionStore.ListReserves(ctx, developerID)
		if err != nil {
			return err
		}
		result = UpdateResult{Reserve: reserve, Warnings: percentageWarnings(reserves)}
		return nil
	})
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationUpdateSettings,
		DeveloperID: developerID,
		Subject:     reserveID,
		Warnings:    result.Warnings,
		Error:       operationError,
	})
	if operationError != nil {
		return UpdateResult{}, operationError
	}
	return result, nil
}

// History returns reserve transactions and allocations, newest first. An empty reserveID covers
// every reserve of the developer.
func (service *Service) History(ctx context.Context, developerID ledger.DeveloperID, reserveID string, limit int) (History, error) {
	normalizedLimit, err := ledger.NormalizeListLimit(limit)
	if err != nil {
		return History{}, err
	}
	transactions, err := service.store.ListReserveTransactions(ctx, developerID, reserveID, normalizedLimit)
	if err != nil {
		return History{}, err
	}
	allocations, err := service.store.ListAllocations(ctx, developerID, reserveID, normalizedLimit)
	if err != nil {
		return History{}, err
	}
	return History{Transactions: transactions, Allocations: allocations}, nil
}

// RecordRecommendation stores an advisory percentage proposal. It is never applied implicitly.
func (service *Service) RecordRecommendation(ctx context.Context, developerID ledger.DeveloperID, percentages map[string]decimal.Decimal, reasoning string) (Recommendation, error) {
	if developerID.IsZero() {
		return Recommendation{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidDeveloperID)
	}
	if len(percentages) == 0 {
		return Recommendation{}, fmt.Errorf("%w: no categories", ErrInvalidPercentage)
	}
	for category, percentage := range percentages {
		if err := validatePercentage(percentage); err != nil {
			return Recommendation{}, fmt.Errorf("%s: %w", category, err)
		}
	}
	recommendation := Recommendation{
		ID:          uuid.NewString(),
		DeveloperID: developerID,
		Percentages: percentages,
		Reasoning:   reasoning,
		CreatedAt:   service.clock().UTC(),
	}
	operationError := service.store.InsertRecommendation(ctx, recommendation)
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationRecordRecommend,
		DeveloperID: developerID,
		Subject:     recommendation.ID,
		Error:       operationError,
	})
	if operationError != nil {
		return Recommendation{}, operationError
	}
	return recommendation, nil
}

// LatestRecommendation returns the newest stored recommendation.
func (service *Service) LatestRecommendation(ctx context.Context, developerID ledger.DeveloperID) (Recommendation, error) {
	return service.store.LatestRecommendation(ctx, developerID)
}

// ApplyRecommendation copies a recommendation's percentages onto matching reserves. Categories the
// developer does not hold are ignored. Applying twice is a no-op that reports AlreadyApplied.
func (service *Service) ApplyRecommendation(ctx context.Context, developerID ledger.DeveloperID, recommendationID string) (ApplyResult, error) {
	var result ApplyResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		recommendation, err := transactionStore.LockRecommendation(ctx, developerID, recommendationID)
		if err != nil {
			return err
		}
		if recommendation.Applied {
			result = ApplyResult{Recommendation: recommendation, AlreadyApplied: true}
			return nil
		}
		reserves, err := transactionStore.LockReserves(ctx, developerID)
		if err != nil {
			return err
		}
		now := service.clock().UTC()
		var updated []Reserve
		for _, reserve := range reserves {
			percentage, ok := recommendation.Percentages[reserve.CategoryName]
			if !ok {
				continue
			}
			reserve.AllocationPercentage = percentage
			reserve.UpdatedAt = now
			if err := transactionStore.UpdateReserve(ctx, reserve); err != nil {
				return err
			}
			updated = append(updated, reserve)
		}
		if err := transactionStore.MarkRecommendationApplied(ctx, recommendation.ID, now); err != nil {
			return err
		}
		recommendation.Applied = true
		recommendation.AppliedAt = &now
		result = ApplyResult{Recommendation: recommendation, Updated: updated}
		return nil
	})
	ledger.EmitOperation(ctx, service.logger, ledger.OperationLog{
		Operation:   operationApplyRecommendation,
		DeveloperID: developerID,
		Subject:     recommendationID,
		Error:       operationError,
	})
	if operationError != nil {
		return ApplyResult{}, operationError
	}
	return result, nil
}

func (settings Settings) validate() error {
	if settings.AllocationPercentage != nil {
		if err := validatePercentage(*settings.AllocationPercentage); err != nil {
			return err
		}
	}
	if settings.BudgetLimit != nil && *settings.BudgetLimit < 0 {
		return fmt.Errorf("%w: budget limit must be non-negative", ErrInvalidSettings)
	}
	if settings.AutoRefillThreshold != nil && *settings.AutoRefillThreshold < 0 {
		return fmt.Errorf("%w: auto-refill threshold must be non-negative", ErrInvalidSettings)
	}
	if settings.AutoRefillAmount != nil && *settings.AutoRefillAmount < 0 {
		return fmt.Errorf("%w: auto-refill amount must be non-negative", ErrInvalidSettings)
	}
	return nil
}

func (settings Settings) applyTo(reserve *Reserve) {
	if settings.AllocationPercentage != nil {
		reserve.AllocationPercentage = *settings.AllocationPercentage
	}
	if settings.ClearBudgetLimit {
		reserve.BudgetLimit = nil
	} else if settings.BudgetLimit != nil {
		limit := *settings.BudgetLimit
		reserve.BudgetLimit = &limit
	}
	if settings.AutoRefillEnabled != nil {
		reserve.AutoRefillEnabled = *settings.AutoRefillEnabled
	}
	if settings.AutoRefillThreshold != nil {
		reserve.AutoRefillThreshold = *settings.AutoRefillThreshold
	}
	if settings.AutoRefillAmount != nil {
		reserve.AutoRefillAmount = *settings.AutoRefillAmount
	}
	if settings.Active != nil {
		reserve.Active = *settings.Active
	}
}

func validatePercentage(percentage decimal.Decimal) error {
	if percentage.IsNegative() || percentage.GreaterThan(maxPercentage) {
		return fmt.Errorf("%w: must be between 0 and 100", ErrInvalidPercentage)
	}
	return nil
}

func percentageWarnings(reserves []Reserve) []string {
	total := decimal.Zero
	for _, reserve := range reserves {
		if reserve.Active {
			total = total.Add(reserve.AllocationPercentage)
		}
	}
	if total.GreaterThan(maxPercentage) {
		return []string{fmt.Sprintf("active allocation percentages total %s%%; allocations are normalized by the total", total.String())}
	}
	return nil
}
