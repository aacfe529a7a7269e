package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/VerdantScapeLab/billing/pkg/billing"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEventRef      = "uniq_transactions_event_ref"
	constraintRefundItem    = "uniq_transactions_refund_item"
	constraintAccountUser   = "idx_accounts_user"
	constraintCustomerRef   = "idx_accounts_customer_ref"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	pgLockNotAvailableCode  = "55P03"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	dialectPostgres         = "postgres"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectLock        = "lock"
	errorSubjectTransaction = "transaction"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeContended      = "contended"
	errorCodeSumRefunds     = "sum_refunds"
	errorCodeUpdate         = "update"
)

// Store implements billing.Store using GORM against Postgres or SQLite.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithAccountLock runs fn inside a transaction holding an exclusive lock
// on the account row. Postgres uses FOR UPDATE NOWAIT so a held lock
// surfaces as billing.ErrLockContended immediately; SQLite serializes
// writers itself and reports contention as a busy error.
func (store *Store) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, lockedStore billing.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		query := transaction.Model(&Account{})
		if transaction.Dialector.Name() == dialectPostgres {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
		}
		var row Account
		if err := query.Where("account_id = ?", accountID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUnknownAccount)
			}
			if isLockContention(err) {
				return wrapStoreError(errorSubjectLock, errorCodeContended, billing.ErrLockContended)
			}
			return wrapStoreError(errorSubjectLock, errorCodeGet, err)
		}
		return fn(ctx, &Store{db: transaction})
	})
	if isLockContention(err) {
		return wrapStoreError(errorSubjectLock, errorCodeContended, billing.ErrLockContended)
	}
	return err
}

func (store *Store) CreateAccount(ctx context.Context, account billing.Account) error {
	model := accountModel(account)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintAccountUser, "user_id") || isUniqueViolation(err, constraintCustomerRef, "customer_ref") {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, billing.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (billing.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUnknownAccount)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) GetAccountByCustomerRef(ctx context.Context, customerRef string) (billing.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("customer_ref = ?", customerRef).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrUnknownAccount)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) UpdateAccount(ctx context.Context, account billing.Account) error {
	model := accountModel(account)
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", account.AccountID).
		Updates(map[string]interface{}{
			"subscription_status":      model.SubscriptionStatus,
			"subscription_period_end":  model.SubscriptionPeriodEnd,
			"trial_remaining":          model.TrialRemaining,
			"token_balance":            model.TokenBalance,
			"auto_reload_enabled":      model.AutoReloadEnabled,
			"auto_reload_threshold":    model.AutoReloadThreshold,
			"auto_reload_amount":       model.AutoReloadAmount,
			"auto_reload_failures":     model.AutoReloadFailures,
			"auto_reload_last_trigger": model.AutoReloadLastTrigger,
			"subscription_ref":         model.SubscriptionRef,
			"updated_at":               time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, billing.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction billing.Transaction) error {
	model := transactionModel(transaction)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintEventRef, "external_event_ref") {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, billing.ErrDuplicateEvent)
	}
	if isUniqueViolation(err, constraintRefundItem, "refund_of") {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, billing.ErrDuplicateRefund)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (billing.Transaction, error) {
	var model Transaction
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, billing.ErrUnknownTransaction)
		}
		return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return mapTransaction(model)
}

func (store *Store) RefundExists(ctx context.Context, originTransactionID string, itemRef string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("refund_of = ? AND item_ref = ?", originTransactionID, itemRef).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) SumRefundedUnits(ctx context.Context, originTransactionID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(delta),0) as total").
		Where("refund_of = ?", originTransactionID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSumRefunds, err)
	}
	return sum.Total, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]billing.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]billing.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func accountModel(account billing.Account) Account {
	return Account{
		AccountID:             account.AccountID,
		UserID:                account.UserID,
		SubscriptionStatus:    account.SubscriptionStatus.String(),
		SubscriptionPeriodEnd: unixToTime(account.SubscriptionPeriodEndUTC),
		TrialRemaining:        account.TrialRemaining,
		TokenBalance:          account.TokenBalance,
		AutoReloadEnabled:     account.AutoReload.Enabled,
		AutoReloadThreshold:   account.AutoReload.ThresholdUnits,
		AutoReloadAmount:      account.AutoReload.ReloadAmountUnits,
		AutoReloadFailures:    account.AutoReload.ConsecutiveFailures,
		AutoReloadLastTrigger: unixToTime(account.AutoReload.LastTriggerUnixUTC),
		CustomerRef:           stringOrNil(account.CustomerRef),
		SubscriptionRef:       stringOrNil(account.SubscriptionRef),
		CreatedAt:             time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
}

func mapAccount(model Account) (billing.Account, error) {
	status, err := billing.ParseSubscriptionStatus(model.SubscriptionStatus)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return billing.Account{
		AccountID:                model.AccountID,
		UserID:                   model.UserID,
		SubscriptionStatus:       status,
		SubscriptionPeriodEndUTC: timeOrZero(model.SubscriptionPeriodEnd),
		TrialRemaining:           model.TrialRemaining,
		TokenBalance:             model.TokenBalance,
		AutoReload: billing.AutoReloadConfig{
			Enabled:             model.AutoReloadEnabled,
			ThresholdUnits:      model.AutoReloadThreshold,
			ReloadAmountUnits:   model.AutoReloadAmount,
			ConsecutiveFailures: model.AutoReloadFailures,
			LastTriggerUnixUTC:  timeOrZero(model.AutoReloadLastTrigger),
		},
		CustomerRef:     stringOrEmpty(model.CustomerRef),
		SubscriptionRef: stringOrEmpty(model.SubscriptionRef),
		CreatedUnixUTC:  model.CreatedAt.Unix(),
	}, nil
}

func transactionModel(transaction billing.Transaction) Transaction {
	createdAt := time.Unix(transaction.CreatedUnixUTC, 0).UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return Transaction{
		TransactionID:    transaction.TransactionID,
		AccountID:        transaction.AccountID,
		Kind:             transaction.Kind.String(),
		Delta:            transaction.Delta,
		ResultingBalance: transaction.ResultingBalance,
		ExternalEventRef: stringOrNil(transaction.ExternalEventRef),
		RefundOf:         stringOrNil(transaction.RefundOf),
		ItemRef:          transaction.ItemRef,
		Metadata:         datatypesJSON(transaction.MetadataJSON),
		CreatedAt:        createdAt,
	}
}

func mapTransaction(model Transaction) (billing.Transaction, error) {
	kind, err := billing.ParseTransactionKind(model.Kind)
	if err != nil {
		return billing.Transaction{}, err
	}
	return billing.Transaction{
		TransactionID:    model.TransactionID,
		AccountID:        model.AccountID,
		Kind:             kind,
		Delta:            model.Delta,
		ResultingBalance: model.ResultingBalance,
		ExternalEventRef: stringOrEmpty(model.ExternalEventRef),
		RefundOf:         stringOrEmpty(model.RefundOf),
		ItemRef:          model.ItemRef,
		MetadataJSON:     string(model.Metadata),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func stringOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func unixToTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string, columnHint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	// SQLite reports constraint failures without a constraint name; the
	// offending column appears in the message instead.
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(err.Error(), columnHint)
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, billing.ErrLockContended) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailableCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
