package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountsPrimary = "accounts_pkey"
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectBalance       = "balance"
	errorSubjectTransaction   = "transaction"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeSum              = "sum"
	errorCodeUpdate           = "update"
	errorCodeUpdateStatus     = "update_status"

	sqlSelectAccount = `
		select developer_id, balance, active, verified, created_at
		from accounts
		where developer_id = $1
	`

	sqlLockAccount = sqlSelectAccount + ` for update`

	sqlInsertAccount = `
		insert into accounts(developer_id, balance, active, verified, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $5)
	`

	sqlCompareAndSwapBalance = `
		update accounts
		set balance = $3, updated_at = now()
		where developer_id = $1 and balance = $2
	`

	sqlUpdateAccountStatus = `
		update accounts
		set active = $2, verified = $3, updated_at = now()
		where developer_id = $1
	`

	sqlInsertTransaction = `
		insert into points_transactions(
			id, developer_id, type, amount, balance_before, balance_after, endpoint, metadata, created_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, coalesce(nullif($8,''),'{}')::jsonb, $9)
	`

	sqlListTransactionsBefore = `
		select id, developer_id, type, amount, balance_before, balance_after,
			coalesce(endpoint,''), coalesce(metadata::text,'{}'), created_at
		from points_transactions
		where developer_id = $1 and created_at < $2
		order by created_at desc, id desc
		limit $3
	`

	sqlSumTransactions = `
		select coalesce(sum(amount),0) from points_transactions where developer_id = $1
	`
)

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit). It reads and writes the
// accounts and points_transactions tables created by the gorm migration.
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	return pool, nil
}

// WithTx runs fn inside a transaction and commits when it returns nil.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (q queries) LockAccount(ctx context.Context, developerID ledger.DeveloperID) (ledger.Account, error) {
	return q.selectAccount(ctx, sqlLockAccount, developerID, errorCodeLock)
}

func (q queries) GetAccount(ctx context.Context, developerID ledger.DeveloperID) (ledger.Account, error) {
	return q.selectAccount(ctx, sqlSelectAccount, developerID, errorCodeGet)
}

func (q queries) selectAccount(ctx context.Context, sql string, developerID ledger.DeveloperID, code string) (ledger.Account, error) {
	var (
		developerValue string
		balance        int64
		account        ledger.Account
	)
	err := q.db.QueryRow(ctx, sql, developerID.String()).Scan(
		&developerValue,
		&balance,
		&account.Active,
		&account.Verified,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	parsedID, err := ledger.NewDeveloperID(developerValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account.DeveloperID = parsedID
	account.Balance = ledger.Points(balance)
	account.CreatedAt = account.CreatedAt.UTC()
	return account, nil
}

func (q queries) CompareAndSwapBalance(ctx context.Context, developerID ledger.DeveloperID, expected ledger.Points, next ledger.Points) error {
	tag, err := q.db.Exec(ctx, sqlCompareAndSwapBalance, developerID.String(), expected.Int64(), next.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (q queries) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	createdAt := transaction.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.DeveloperID.String(),
		transaction.Type.String(),
		transaction.Amount.Int64(),
		transaction.BalanceBefore.Int64(),
		transaction.BalanceAfter.Int64(),
		transaction.Endpoint,
		transaction.Metadata.String(),
		createdAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (q queries) CreateAccount(ctx context.Context, account ledger.Account) error {
	_, err := q.db.Exec(ctx, sqlInsertAccount,
		account.DeveloperID.String(),
		account.Balance.Int64(),
		account.Active,
		account.Verified,
		account.CreatedAt.UTC(),
	)
	if isAccountConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (q queries) UpdateAccountStatus(ctx context.Context, developerID ledger.DeveloperID, active bool, verified bool) error {
	tag, err := q.db.Exec(ctx, sqlUpdateAccountStatus, developerID.String(), active, verified)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.ErrAccountNotFound)
	}
	return nil
}

func (q queries) ListTransactions(ctx context.Context, developerID ledger.DeveloperID, before time.Time, limit int) ([]ledger.Transaction, error) {
	rows, err := q.db.Query(ctx, sqlListTransactionsBefore, developerID.String(), before.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (q queries) SumTransactions(ctx context.Context, developerID ledger.DeveloperID) (ledger.Points, error) {
	var sum int64
	if err := q.db.QueryRow(ctx, sqlSumTransactions, developerID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.Points(sum), nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			idValue        string
			developerValue string
			typeValue      string
			amount         int64
			balanceBefore  int64
			balanceAfter   int64
			endpoint       string
			metadataValue  string
			createdAt      time.Time
		)
		if err := rows.Scan(
			&idValue,
			&developerValue,
			&typeValue,
			&amount,
			&balanceBefore,
			&balanceAfter,
			&endpoint,
			&metadataValue,
			&createdAt,
		); err != nil {
			return nil, err
		}
		transaction, err := buildTransaction(idValue, developerValue, typeValue, amount, balanceBefore, balanceAfter, endpoint, metadataValue, createdAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func buildTransaction(idValue, developerValue, typeValue string, amount, balanceBefore, balanceAfter int64, endpoint, metadataValue string, createdAt time.Time) (ledger.Transaction, error) {
	developerID, err := ledger.NewDeveloperID(developerValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(typeValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:            idValue,
		DeveloperID:   developerID,
		Type:          transactionType,
		Amount:        ledger.Points(amount),
		BalanceBefore: ledger.Points(balanceBefore),
		BalanceAfter:  ledger.Points(balanceAfter),
		Endpoint:      endpoint,
		Metadata:      metadata,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isAccountConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountsPrimary
	}
	return false
}
