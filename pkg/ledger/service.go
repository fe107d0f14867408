package ledger

import (
	"context"
	"fmt"
	"time"
)

// Service contains the account-level domain logic over a Store.
type Service struct {
	store    Store
	clock    func() time.Time
	logger   OperationLogger
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

// ApplyDelta commits a single balance change in its own transaction, retrying on
// concurrent updates.
func (service *Service) ApplyDelta(ctx context.Context, delta Delta) (DeltaResult, error) {
	var result DeltaResult
	operationError := RetryOnConflict(ctx, service.attempts, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			applied, err := Apply(ctx, transactionStore, delta, service.clock())
			if err != nil {
				return err
			}
			result = applied
			return nil
		})
	})
	EmitOperation(ctx, service.logger, OperationLog{
		Operation:   operationApplyDelta,
		DeveloperID: delta.DeveloperID,
		Subject:     delta.Type.String(),
		Amount:      delta.Amount,
		Metadata:    delta.Metadata,
		Error:       operationError,
	})
	if operationError != nil {
		return DeltaResult{}, operationError
	}
	return result, nil
}

// OpenAccount creates a zero-balance account for a newly onboarded developer.
func (service *Service) OpenAccount(ctx context.Context, developerID DeveloperID, verified bool) (Account, error) {
	account := Account{
		DeveloperID: developerID,
		Balance:     0,
		Active:      true,
		Verified:    verified,
		CreatedAt:   service.clock().UTC(),
	}
	operationError := service.store.CreateAccount(ctx, account)
	EmitOperation(ctx, service.logger, OperationLog{
		Operation:   operationOpenAccount,
		DeveloperID: developerID,
		Error:       operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// SetAccountStatus deactivates, reactivates, or (un)verifies an account. Accounts are never deleted.
func (service *Service) SetAccountStatus(ctx context.Context, developerID DeveloperID, active bool, verified bool) (Account, error) {
	operationError := service.store.UpdateAccountStatus(ctx, developerID, active, verified)
	EmitOperation(ctx, service.logger, OperationLog{
		Operation:   operationUpdateStatus,
		DeveloperID: developerID,
		Subject:     fmt.Sprintf("active=%t verified=%t", active, verified),
		Error:       operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return service.store.GetAccount(ctx, developerID)
}

// Balance returns the current account snapshot.
func (service *Service) Balance(ctx context.Context, developerID DeveloperID) (Account, error) {
	return service.store.GetAccount(ctx, developerID)
}

// ListTransactions lists ledger rows for a developer created before the cutoff, newest first.
// A zero cutoff means "now"; a zero limit uses the default page size.
func (service *Service) ListTransactions(ctx context.Context, developerID DeveloperID, before time.Time, limit int) ([]Transaction, error) {
	normalizedLimit, err := NormalizeListLimit(limit)
	if err != nil {
		return nil, err
	}
	if before.IsZero() {
		before = service.clock().UTC().Add(time.Second)
	}
	if _, err := service.store.GetAccount(ctx, developerID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, developerID, before, normalizedLimit)
}

// Reconcile replays the ledger for one account and compares it with the stored balance.
func (service *Service) Reconcile(ctx context.Context, developerID DeveloperID) (ReconcileReport, error) {
	var report ReconcileReport
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, developerID)
		if err != nil {
			return err
		}
		sum, err := transactionStore.SumTransactions(ctx, developerID)
		if err != nil {
			return err
		}
		report = ReconcileReport{
			DeveloperID: developerID,
			Balance:     account.Balance,
			LedgerSum:   sum,
			Consistent:  account.Balance == sum,
		}
		return nil
	})
	var warnings []string
	if operationError == nil && !report.Consistent {
		warnings = append(warnings, fmt.Sprintf("balance %d differs from ledger sum %d", report.Balance, report.LedgerSum))
	}
	EmitOperation(ctx, service.logger, OperationLog{
		Operation:   operationReconcile,
		DeveloperID: developerID,
		Amount:      report.Balance,
		Warnings:    warnings,
		Error:       operationError,
	})
	return report, operationError
}

// NormalizeListLimit applies the default page size and rejects out-of-range limits.
func NormalizeListLimit(limit int) (int, error) {
	if limit == 0 {
		return defaultListLimit, nil
	}
	if limit < 0 || limit > maxListLimit {
		return 0, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidListLimit, maxListLimit)
	}
	return limit, nil
}
