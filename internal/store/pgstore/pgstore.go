package pgstore

import (
	"context"
	"errors"

	"github.com/VerdantScapeLab/billing/pkg/billing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintEventRef      = "uniq_transactions_event_ref"
	constraintRefundItem    = "uniq_transactions_refund_item"
	pgUniqueViolationCode   = "23505"
	pgLockNotAvailableCode  = "55P03"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectLock        = "lock"
	errorSubjectTx          = "tx"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeContended      = "contended"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSumRefunds     = "sum_refunds"
	errorCodeUpdate         = "update"

	sqlLockAccount = `
		select account_id from accounts where account_id = $1 for update nowait
	`

	sqlInsertAccount = `
		insert into accounts(
			account_id, user_id, subscription_status, subscription_period_end,
			trial_remaining, token_balance,
			auto_reload_enabled, auto_reload_threshold, auto_reload_amount,
			auto_reload_failures, auto_reload_last_trigger,
			customer_ref, subscription_ref, created_at, updated_at
		)
		values(
			$1, $2, $3, to_timestamp(nullif($4::bigint,0)),
			$5, $6,
			$7, $8, $9,
			$10, to_timestamp(nullif($11::bigint,0)),
			nullif($12,''), nullif($13,''), to_timestamp($14), now()
		)
	`

	sqlSelectAccount = `
		select
			account_id::text,
			user_id,
			subscription_status,
			coalesce(extract(epoch from subscription_period_end)::bigint,0),
			trial_remaining,
			token_balance,
			auto_reload_enabled,
			auto_reload_threshold,
			auto_reload_amount,
			auto_reload_failures,
			coalesce(extract(epoch from auto_reload_last_trigger)::bigint,0),
			coalesce(customer_ref,''),
			coalesce(subscription_ref,''),
			extract(epoch from created_at)::bigint
		from accounts
	`

	sqlUpdateAccount = `
		update accounts set
			subscription_status = $2,
			subscription_period_end = to_timestamp(nullif($3::bigint,0)),
			trial_remaining = $4,
			token_balance = $5,
			auto_reload_enabled = $6,
			auto_reload_threshold = $7,
			auto_reload_amount = $8,
			auto_reload_failures = $9,
			auto_reload_last_trigger = to_timestamp(nullif($10::bigint,0)),
			subscription_ref = nullif($11,''),
			updated_at = now()
		where account_id = $1
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, account_id, kind, delta, resulting_balance,
			external_event_ref, refund_of, item_ref, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5,
			nullif($6,''), nullif($7,''), $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlSelectTransaction = `
		select
			transaction_id::text,
			account_id::text,
			kind,
			delta,
			resulting_balance,
			coalesce(external_event_ref,''),
			coalesce(refund_of,''),
			item_ref,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from transactions
	`

	sqlRefundExists = `
		select exists(
			select 1 from transactions where refund_of = $1 and item_ref = $2
		)
	`

	sqlSumRefundedUnits = `
		select coalesce(sum(delta),0) from transactions where refund_of = $1
	`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements billing.Store using a pgx connection pool. Inside
// WithAccountLock the same methods run against the open transaction.
type Store struct {
	pool *pgxpool.Pool
	conn querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

// WithAccountLock begins a transaction and takes the account row lock
// with NOWAIT, mapping lock_not_available to billing.ErrLockContended.
func (store *Store) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, lockedStore billing.Store) error) error {
	if store.pool == nil {
		// Already inside a locked scope.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	var lockedID string
	if err := tx.QueryRow(ctx, sqlLockAccount, accountID).Scan(&lockedID); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUnknownAccount)
		}
		if isLockContention(err) {
			return wrapStoreError(errorSubjectLock, errorCodeContended, billing.ErrLockContended)
		}
		return wrapStoreError(errorSubjectLock, errorCodeGet, err)
	}
	if err := fn(ctx, &Store{conn: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account billing.Account) error {
	_, err := store.conn.Exec(ctx, sqlInsertAccount,
		account.AccountID,
		account.UserID,
		account.SubscriptionStatus.String(),
		account.SubscriptionPeriodEndUTC,
		account.TrialRemaining,
		account.TokenBalance,
		account.AutoReload.Enabled,
		account.AutoReload.ThresholdUnits,
		account.AutoReload.ReloadAmountUnits,
		account.AutoReload.ConsecutiveFailures,
		account.AutoReload.LastTriggerUnixUTC,
		account.CustomerRef,
		account.SubscriptionRef,
		account.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, billing.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (billing.Account, error) {
	return store.scanAccount(store.conn.QueryRow(ctx, sqlSelectAccount+" where account_id = $1", accountID))
}

func (store *Store) GetAccountByCustomerRef(ctx context.Context, customerRef string) (billing.Account, error) {
	return store.scanAccount(store.conn.QueryRow(ctx, sqlSelectAccount+" where customer_ref = $1", customerRef))
}

func (store *Store) UpdateAccount(ctx context.Context, account billing.Account) error {
	tag, err := store.conn.Exec(ctx, sqlUpdateAccount,
		account.AccountID,
		account.SubscriptionStatus.String(),
		account.SubscriptionPeriodEndUTC,
		account.TrialRemaining,
		account.TokenBalance,
		account.AutoReload.Enabled,
		account.AutoReload.ThresholdUnits,
		account.AutoReload.ReloadAmountUnits,
		account.AutoReload.ConsecutiveFailures,
		account.AutoReload.LastTriggerUnixUTC,
		account.SubscriptionRef,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, billing.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction billing.Transaction) error {
	_, err := store.conn.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.AccountID,
		transaction.Kind.String(),
		transaction.Delta,
		transaction.ResultingBalance,
		transaction.ExternalEventRef,
		transaction.RefundOf,
		transaction.ItemRef,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	)
	if isConstraintViolation(err, constraintEventRef) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, billing.ErrDuplicateEvent)
	}
	if isConstraintViolation(err, constraintRefundItem) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, billing.ErrDuplicateRefund)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (billing.Transaction, error) {
	row := store.conn.QueryRow(ctx, sqlSelectTransaction+" where transaction_id = $1", transactionID)
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, billing.ErrUnknownTransaction)
		}
		return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) RefundExists(ctx context.Context, originTransactionID string, itemRef string) (bool, error) {
	var exists bool
	if err := store.conn.QueryRow(ctx, sqlRefundExists, originTransactionID, itemRef).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return exists, nil
}

func (store *Store) SumRefundedUnits(ctx context.Context, originTransactionID string) (int64, error) {
	var sum int64
	if err := store.conn.QueryRow(ctx, sqlSumRefundedUnits, originTransactionID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSumRefunds, err)
	}
	return sum, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]billing.Transaction, error) {
	rows, err := store.conn.Query(ctx,
		sqlSelectTransaction+" where account_id = $1 and created_at < to_timestamp($2) order by created_at desc limit $3",
		accountID, beforeUnixUTC, limit,
	)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]billing.Transaction, 0, 32)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) scanAccount(row pgx.Row) (billing.Account, error) {
	var (
		account     billing.Account
		statusValue string
		periodEnd   int64
		lastTrigger int64
	)
	err := row.Scan(
		&account.AccountID,
		&account.UserID,
		&statusValue,
		&periodEnd,
		&account.TrialRemaining,
		&account.TokenBalance,
		&account.AutoReload.Enabled,
		&account.AutoReload.ThresholdUnits,
		&account.AutoReload.ReloadAmountUnits,
		&account.AutoReload.ConsecutiveFailures,
		&lastTrigger,
		&account.CustomerRef,
		&account.SubscriptionRef,
		&account.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUnknownAccount)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	status, err := billing.ParseSubscriptionStatus(statusValue)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account.SubscriptionStatus = status
	account.SubscriptionPeriodEndUTC = periodEnd
	account.AutoReload.LastTriggerUnixUTC = lastTrigger
	return account, nil
}

func scanTransaction(row pgx.Row) (billing.Transaction, error) {
	var (
		transaction billing.Transaction
		kindValue   string
	)
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.AccountID,
		&kindValue,
		&transaction.Delta,
		&transaction.ResultingBalance,
		&transaction.ExternalEventRef,
		&transaction.RefundOf,
		&transaction.ItemRef,
		&transaction.MetadataJSON,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return billing.Transaction{}, err
	}
	kind, err := billing.ParseTransactionKind(kindValue)
	if err != nil {
		return billing.Transaction{}, err
	}
	transaction.Kind = kind
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailableCode
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

func isConstraintViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}

// Schema returns the DDL the store expects. Deployments run it once;
// the gorm store auto-migrates the equivalent schema for SQLite.
func Schema() string {
	return schemaDDL
}

const schemaDDL = `
create table if not exists accounts (
	account_id uuid primary key,
	user_id text not null,
	subscription_status text not null,
	subscription_period_end timestamptz,
	trial_remaining bigint not null default 0,
	token_balance bigint not null default 0,
	auto_reload_enabled boolean not null default false,
	auto_reload_threshold bigint not null default 0,
	auto_reload_amount bigint not null default 0,
	auto_reload_failures int not null default 0,
	auto_reload_last_trigger timestamptz,
	customer_ref text,
	subscription_ref text,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);
create unique index if not exists idx_accounts_user on accounts(user_id);
create unique index if not exists idx_accounts_customer_ref on accounts(customer_ref);

create table if not exists transactions (
	transaction_id uuid primary key,
	account_id uuid not null references accounts(account_id),
	kind text not null,
	delta bigint not null,
	resulting_balance bigint not null,
	external_event_ref text,
	refund_of uuid,
	item_ref text not null default '',
	metadata jsonb not null default '{}',
	created_at timestamptz not null default now()
);
create unique index if not exists uniq_transactions_event_ref on transactions(external_event_ref);
create unique index if not exists uniq_transactions_refund_item on transactions(refund_of, item_ref);
create index if not exists idx_transactions_account_created on transactions(account_id, created_at);
`
