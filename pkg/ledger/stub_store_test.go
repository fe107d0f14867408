package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. A transaction holds the store mutex for its whole
// duration and restores a snapshot when fn fails, which gives serializable semantics.
type stubStore struct {
	mu          *sync.Mutex
	state       *stubState
	inTx        bool
	casFailures *int
	insertErr   error
}

type stubState struct {
	accounts     map[string]Account
	transactions []Transaction
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	casFailures := 0
	return &stubStore{
		mu:          &sync.Mutex{},
		state:       &stubState{accounts: make(map[string]Account)},
		casFailures: &casFailures,
	}
}

func (store *stubStore) seedAccount(test *testing.T, developerID DeveloperID, balance Points, active bool) {
	test.Helper()
	store.state.accounts[developerID.String()] = Account{
		DeveloperID: developerID,
		Balance:     balance,
		Active:      active,
		Verified:    true,
		CreatedAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
	if balance != 0 {
		store.state.transactions = append(store.state.transactions, Transaction{
			ID:            "seed-" + developerID.String(),
			DeveloperID:   developerID,
			Type:          TransactionGrant,
			Amount:        balance,
			BalanceBefore: 0,
			BalanceAfter:  balance,
		})
	}
}

func (store *stubStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (state *stubState) clone() stubState {
	accounts := make(map[string]Account, len(state.accounts))
	for key, value := range state.accounts {
		accounts[key] = value
	}
	transactions := make([]Transaction, len(state.transactions))
	copy(transactions, state.transactions)
	return stubState{accounts: accounts, transactions: transactions}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	transactionStore := &stubStore{
		mu:          store.mu,
		state:       store.state,
		inTx:        true,
		casFailures: store.casFailures,
		insertErr:   store.insertErr,
	}
	if err := fn(ctx, transactionStore); err != nil {
		*store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) LockAccount(_ context.Context, developerID DeveloperID) (Account, error) {
	defer store.guard()()
	account, ok := store.state.accounts[developerID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) CompareAndSwapBalance(_ context.Context, developerID DeveloperID, expected Points, next Points) error {
	defer store.guard()()
	if *store.casFailures > 0 {
		*store.casFailures--
		return ErrConcurrentUpdate
	}
	account, ok := store.state.accounts[developerID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	if account.Balance != expected {
		return ErrConcurrentUpdate
	}
	account.Balance = next
	store.state.accounts[developerID.String()] = account
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	defer store.guard()()
	if store.insertErr != nil {
		return store.insertErr
	}
	store.state.transactions = append(store.state.transactions, transaction)
	return nil
}

func (store *stubStore) CreateAccount(_ context.Context, account Account) error {
	defer store.guard()()
	if _, exists := store.state.accounts[account.DeveloperID.String()]; exists {
		return ErrAccountExists
	}
	store.state.accounts[account.DeveloperID.String()] = account
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, developerID DeveloperID) (Account, error) {
	defer store.guard()()
	account, ok := store.state.accounts[developerID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) UpdateAccountStatus(_ context.Context, developerID DeveloperID, active bool, verified bool) error {
	defer store.guard()()
	account, ok := store.state.accounts[developerID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.Active = active
	account.Verified = verified
	store.state.accounts[developerID.String()] = account
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, developerID DeveloperID, before time.Time, limit int) ([]Transaction, error) {
	defer store.guard()()
	var out []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.DeveloperID == developerID && transaction.CreatedAt.Before(before) {
			out = append(out, transaction)
		}
	}
	sort.SliceStable(out, func(left, right int) bool {
		return out[left].CreatedAt.After(out[right].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (store *stubStore) SumTransactions(_ context.Context, developerID DeveloperID) (Points, error) {
	defer store.guard()()
	var sum Points
	for _, transaction := range store.state.transactions {
		if transaction.DeveloperID == developerID {
			sum += transaction.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) transactionsFor(developerID DeveloperID) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.DeveloperID == developerID {
			out = append(out, transaction)
		}
	}
	return out
}

func (store *stubStore) balanceOf(developerID DeveloperID) Points {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.accounts[developerID.String()].Balance
}

func mustDeveloperID(test *testing.T, raw string) DeveloperID {
	test.Helper()
	developerID, err := NewDeveloperID(raw)
	if err != nil {
		test.Fatalf("developer id: %v", err)
	}
	return developerID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := func() time.Time { return time.Unix(1_700_000_100, 0).UTC() }
	service, err := NewService(store, clock, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}
