package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements ledger.Store using GORM. The domain stores returned by Grants, Reserves,
// Billing and Transfers share its connection and account methods.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, transactionStore)
	})
}

func (store *Store) transaction(ctx context.Context, fn func(transactionStore *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Store{db: transaction})
	})
}

// LockAccount reads the account row with SELECT ... FOR UPDATE.
func (store *Store) LockAccount(ctx context.Context, developerID ledger.DeveloperID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("developer_id = ?", developerID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return mapAccount(model)
}

// CompareAndSwapBalance writes next only while the stored balance still equals expected.
func (store *Store) CompareAndSwapBalance(ctx context.Context, developerID ledger.DeveloperID, expected ledger.Points, next ledger.Points) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("developer_id = ? AND balance = ?", developerID.String(), expected.Int64()).
		Updates(map[string]any{"balance": next.Int64(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return nil
}

// InsertTransaction appends one ledger row.
func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := Transaction{
		ID:            transaction.ID,
		DeveloperID:   transaction.DeveloperID.String(),
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount.Int64(),
		BalanceBefore: transaction.BalanceBefore.Int64(),
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Endpoint:      transaction.Endpoint,
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		CreatedAt:     transaction.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// CreateAccount inserts a new account row.
func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	model := Account{
		DeveloperID: account.DeveloperID.String(),
		Balance:     account.Balance.Int64(),
		Active:      account.Active,
		Verified:    account.Verified,
		CreatedAt:   account.CreatedAt.UTC(),
		UpdatedAt:   account.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

// GetAccount reads an account without locking.
func (store *Store) GetAccount(ctx context.Context, developerID ledger.DeveloperID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("developer_id = ?", developerID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

// UpdateAccountStatus sets the active and verified flags.
func (store *Store) UpdateAccountStatus(ctx context.Context, developerID ledger.DeveloperID, active bool, verified bool) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("developer_id = ?", developerID.String()).
		Updates(map[string]any{"active": active, "verified": verified, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.ErrAccountNotFound)
	}
	return nil
}

// ListTransactions returns rows created before the cutoff, newest first.
func (store *Store) ListTransactions(ctx context.Context, developerID ledger.DeveloperID, before time.Time, limit int) ([]ledger.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("developer_id = ? AND created_at < ?", developerID.String(), before.UTC()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// SumTransactions replays the ledger for one account.
func (store *Store) SumTransactions(ctx context.Context, developerID ledger.DeveloperID) (ledger.Points, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("developer_id = ?", developerID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.Points(sum.Total), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (ledger.Account, error) {
	developerID, err := ledger.NewDeveloperID(model.DeveloperID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		DeveloperID: developerID,
		Balance:     ledger.Points(model.Balance),
		Active:      model.Active,
		Verified:    model.Verified,
		CreatedAt:   model.CreatedAt.UTC(),
	}, nil
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	developerID, err := ledger.NewDeveloperID(row.DeveloperID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:            row.ID,
		DeveloperID:   developerID,
		Type:          transactionType,
		Amount:        ledger.Points(row.Amount),
		BalanceBefore: ledger.Points(row.BalanceBefore),
		BalanceAfter:  ledger.Points(row.BalanceAfter),
		Endpoint:      row.Endpoint,
		Metadata:      metadata,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func parseDeveloperID(raw string, subject string) (ledger.DeveloperID, error) {
	developerID, err := ledger.NewDeveloperID(raw)
	if err != nil {
		return ledger.DeveloperID{}, wrapStoreError(subject, errorCodeInvalid, err)
	}
	return developerID, nil
}

func timePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}
