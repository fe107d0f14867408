package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Apply is the only primitive that moves an account balance. The accounts store must be scoped
// to an open transaction: the account row is locked, the new balance is written with a
// compare-and-swap against the value that was read, and exactly one Transaction is appended.
// On any error nothing is written and the caller must roll back.
func Apply(ctx context.Context, accounts AccountStore, delta Delta, now time.Time) (DeltaResult, error) {
	if err := delta.validate(); err != nil {
		return DeltaResult{}, err
	}
	account, err := LockActiveAccount(ctx, accounts, delta.DeveloperID)
	if err != nil {
		return DeltaResult{}, err
	}
	balanceBefore := account.Balance
	balanceAfter := balanceBefore + delta.Amount
	if delta.Amount < 0 && balanceAfter < 0 {
		return DeltaResult{}, ErrInsufficientBalance
	}
	if delta.Amount > 0 && balanceAfter < balanceBefore {
		return DeltaResult{}, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	if err := accounts.CompareAndSwapBalance(ctx, delta.DeveloperID, balanceBefore, balanceAfter); err != nil {
		return DeltaResult{}, err
	}
	transaction := Transaction{
		ID:            uuid.NewString(),
		DeveloperID:   delta.DeveloperID,
		Type:          delta.Type,
		Amount:        delta.Amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Endpoint:      delta.Endpoint,
		Metadata:      delta.Metadata,
		CreatedAt:     now.UTC(),
	}
	if err := accounts.InsertTransaction(ctx, transaction); err != nil {
		return DeltaResult{}, err
	}
	return DeltaResult{
		TransactionID: transaction.ID,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
	}, nil
}

// LockActiveAccount locks the account row inside the caller's transaction. An inactive account
// is reported as ErrAccountNotFound.
func LockActiveAccount(ctx context.Context, accounts AccountStore, developerID DeveloperID) (Account, error) {
	account, err := accounts.LockAccount(ctx, developerID)
	if err != nil {
		return Account{}, err
	}
	if !account.Active {
		return Account{}, fmt.Errorf("%w: account %s is inactive", ErrAccountNotFound, developerID.String())
	}
	return account, nil
}

// RetryOnConflict reruns fn while it fails with ErrConcurrentUpdate, up to attempts times.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = defaultApplyAttempts
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrentUpdate) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

func (delta Delta) validate() error {
	if delta.DeveloperID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidDeveloperID)
	}
	if delta.Amount == 0 {
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidAmount)
	}
	if _, err := ParseTransactionType(delta.Type.String()); err != nil {
		return err
	}
	return nil
}
