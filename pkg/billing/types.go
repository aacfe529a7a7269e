package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Units counts chargeable items of work (one generated design = one unit).
type Units int64

// NewUnits validates a unit count and ensures it is strictly positive.
func NewUnits(raw int64) (Units, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidUnits)
	}
	return Units(raw), nil
}

// Int64 returns the raw unit count.
func (units Units) Int64() int64 {
	return int64(units)
}

// SubscriptionStatus is the provider-driven subscription lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// ParseSubscriptionStatus validates a raw status value.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	switch SubscriptionStatus(raw) {
	case SubscriptionInactive, SubscriptionActive, SubscriptionPastDue, SubscriptionCancelled:
		return SubscriptionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionStatus, raw)
}

// String returns the status value.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// Authorizes reports whether the status grants unlimited usage.
// past_due is a bounded grace window and still authorizes.
func (status SubscriptionStatus) Authorizes() bool {
	return status == SubscriptionActive || status == SubscriptionPastDue
}

// FundingSource identifies which balance a deduction draws from.
type FundingSource string

const (
	SourceSubscription FundingSource = "subscription"
	SourceTrial        FundingSource = "trial"
	SourceToken        FundingSource = "token"
)

// ParseFundingSource validates a raw funding source value.
func ParseFundingSource(raw string) (FundingSource, error) {
	switch FundingSource(raw) {
	case SourceSubscription, SourceTrial, SourceToken:
		return FundingSource(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFundingSource, raw)
}

// String returns the source value.
func (source FundingSource) String() string {
	return string(source)
}

// TransactionKind enumerates balance mutation kinds.
type TransactionKind string

const (
	KindTrialDeduction      TransactionKind = "trial_deduction"
	KindTrialRefund         TransactionKind = "trial_refund"
	KindTokenDeduction      TransactionKind = "token_deduction"
	KindTokenRefund         TransactionKind = "token_refund"
	KindTokenPurchaseCredit TransactionKind = "token_purchase_credit"
	KindSubscriptionUsage   TransactionKind = "subscription_usage"
	KindProviderEvent       TransactionKind = "provider_event"
)

// ParseTransactionKind validates a raw kind value.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindTrialDeduction, KindTrialRefund, KindTokenDeduction, KindTokenRefund,
		KindTokenPurchaseCredit, KindSubscriptionUsage, KindProviderEvent:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// String returns the kind value.
func (kind TransactionKind) String() string {
	return string(kind)
}

// IsDeduction reports whether the kind consumed units that a refund may reverse.
func (kind TransactionKind) IsDeduction() bool {
	return kind == KindTrialDeduction || kind == KindTokenDeduction || kind == KindSubscriptionUsage
}

// RefundKind returns the refund kind reversing this deduction kind.
func (kind TransactionKind) RefundKind() (TransactionKind, bool) {
	switch kind {
	case KindTrialDeduction:
		return KindTrialRefund, true
	case KindTokenDeduction:
		return KindTokenRefund, true
	}
	return "", false
}

// AutoReloadConfig holds the per-account replenishment trigger settings.
type AutoReloadConfig struct {
	Enabled             bool
	ThresholdUnits      int64
	ReloadAmountUnits   int64
	ConsecutiveFailures int
	LastTriggerUnixUTC  int64
}

// Account is the authoritative balance record for one end user.
type Account struct {
	AccountID                string
	UserID                   string
	SubscriptionStatus       SubscriptionStatus
	SubscriptionPeriodEndUTC int64
	TrialRemaining           int64
	TokenBalance             int64
	AutoReload               AutoReloadConfig
	CustomerRef              string
	SubscriptionRef          string
	CreatedUnixUTC           int64
}

// Transaction is a single immutable line in the transaction log.
type Transaction struct {
	TransactionID    string
	AccountID        string
	Kind             TransactionKind
	Delta            int64
	ResultingBalance int64
	ExternalEventRef string
	RefundOf         string
	ItemRef          string
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// BalanceSnapshot is the lock-free read view exposed for UI display.
type BalanceSnapshot struct {
	SubscriptionStatus SubscriptionStatus
	TrialRemaining     int64
	TokenBalance       int64
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

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Store is the persistence contract used by Service.
//
// WithAccountLock acquires the per-account exclusive lock without waiting:
// implementations must return ErrLockContended immediately when the row is
// locked by a concurrent mutation, never queue behind the holder. All
// balance mutations flow through this method.
type Store interface {
	WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, lockedStore Store) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountByCustomerRef(ctx context.Context, customerRef string) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	RefundExists(ctx context.Context, originTransactionID string, itemRef string) (bool, error)
	SumRefundedUnits(ctx context.Context, originTransactionID string) (int64, error)
	ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
