package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/points/pkg/transfer"
)

// TransferStore implements transfer.Store.
type TransferStore struct {
	*Store
}

// Transfers returns the transfer view of the store.
func (store *Store) Transfers() *TransferStore {
	return &TransferStore{Store: store}
}

// WithTx executes fn within a transaction.
func (store *TransferStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore transfer.Store) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, &TransferStore{Store: transactionStore})
	})
}
