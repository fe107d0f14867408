package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Points is the integer unit of the internal currency.
type Points int64

// Int64 exposes the raw value.
func (points Points) Int64() int64 {
	return int64(points)
}

// Negated returns the additive inverse.
func (points Points) Negated() Points {
	return -points
}

// NewPositivePoints validates that an amount is strictly positive.
func NewPositivePoints(raw int64) (Points, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Points(raw), nil
}

// DeveloperID identifies an account owner.
type DeveloperID struct {
	value string
}

// NewDeveloperID validates and normalizes a developer id.
func NewDeveloperID(raw string) (DeveloperID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DeveloperID{}, fmt.Errorf("%w: empty value", ErrInvalidDeveloperID)
	}
	return DeveloperID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id DeveloperID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id DeveloperID) IsZero() bool {
	return id.value == ""
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFrom marshals a value into metadata.
func MetadataFrom(value any) (MetadataJSON, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionGrant      TransactionType = "grant"
	TransactionTransfer   TransactionType = "transfer"
	TransactionAPICall    TransactionType = "api_call"
	TransactionBilling    TransactionType = "billing"
	TransactionAllocation TransactionType = "allocation"
	TransactionSpend      TransactionType = "spend"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionGrant:
		return TransactionGrant, nil
	case TransactionTransfer:
		return TransactionTransfer, nil
	case TransactionAPICall:
		return TransactionAPICall, nil
	case TransactionBilling:
		return TransactionBilling, nil
	case TransactionAllocation:
		return TransactionAllocation, nil
	case TransactionSpend:
		return TransactionSpend, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the raw type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Account is the authoritative balance holder for one developer.
type Account struct {
	DeveloperID DeveloperID
	Balance     Points
	Active      bool
	Verified    bool
	CreatedAt   time.Time
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	ID            string
	DeveloperID   DeveloperID
	Type          TransactionType
	Amount        Points
	BalanceBefore Points
	BalanceAfter  Points
	Endpoint      string
	Metadata      MetadataJSON
	CreatedAt     time.Time
}

// Delta describes one requested balance change.
type Delta struct {
	DeveloperID DeveloperID
	Amount      Points
	Type        TransactionType
	Endpoint    string
	Metadata    MetadataJSON
}

// DeltaResult reports the committed balance change.
type DeltaResult struct {
	TransactionID string
	BalanceBefore Points
	BalanceAfter  Points
}

// ReconcileReport compares the stored balance with a full replay of the ledger.
type ReconcileReport struct {
	DeveloperID DeveloperID
	Balance     Points
	LedgerSum   Points
	Consistent  bool
}

// AccountStore is the minimal contract Apply needs. Every domain store embeds it so that
// balance changes can be committed inside that domain's own transaction.
type AccountStore interface {
	// LockAccount returns the account row, holding a write lock until the transaction ends.
	LockAccount(ctx context.Context, developerID DeveloperID) (Account, error)
	// CompareAndSwapBalance moves the balance from expected to next, failing with
	// ErrConcurrentUpdate when the stored balance no longer equals expected.
	CompareAndSwapBalance(ctx context.Context, developerID DeveloperID, expected Points, next Points) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
}

// Store is the persistence contract used by Service.
type Store interface {
	AccountStore
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, developerID DeveloperID) (Account, error)
	UpdateAccountStatus(ctx context.Context, developerID DeveloperID, active bool, verified bool) error
	ListTransactions(ctx context.Context, developerID DeveloperID, before time.Time, limit int) ([]Transaction, error)
	SumTransactions(ctx context.Context, developerID DeveloperID) (Points, error)
}
