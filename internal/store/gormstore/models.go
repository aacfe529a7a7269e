package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID             string     `gorm:"type:uuid;primaryKey"`
	UserID                string     `gorm:"not null;index:idx_accounts_user,unique"`
	SubscriptionStatus    string     `gorm:"not null"`
	SubscriptionPeriodEnd *time.Time `gorm:""`
	TrialRemaining        int64      `gorm:"not null"`
	TokenBalance          int64      `gorm:"not null"`
	AutoReloadEnabled     bool       `gorm:"not null"`
	AutoReloadThreshold   int64      `gorm:"not null"`
	AutoReloadAmount      int64      `gorm:"not null"`
	AutoReloadFailures    int        `gorm:"not null"`
	AutoReloadLastTrigger *time.Time `gorm:""`
	CustomerRef           *string    `gorm:"index:idx_accounts_customer_ref,unique"`
	SubscriptionRef       *string    `gorm:""`
	CreatedAt             time.Time  `gorm:"not null"`
	UpdatedAt             time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the transactions table. Rows are append-only; the
// unique external_event_ref index is the provider-event idempotency guard
// and the (refund_of, item_ref) pair backstops refund idempotency.
type Transaction struct {
	TransactionID    string         `gorm:"type:uuid;primaryKey"`
	AccountID        string         `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1"`
	Kind             string         `gorm:"not null"`
	Delta            int64          `gorm:"not null"`
	ResultingBalance int64          `gorm:"not null"`
	ExternalEventRef *string        `gorm:"index:uniq_transactions_event_ref,unique"`
	RefundOf         *string        `gorm:"index:uniq_transactions_refund_item,unique,priority:1"`
	ItemRef          string         `gorm:"not null;default:'';index:uniq_transactions_refund_item,unique,priority:2"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
