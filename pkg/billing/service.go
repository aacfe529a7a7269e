package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Service contains the domain logic over a Store.
type Service struct {
	store     Store
	nowFn     func() int64
	idFn      func() string
	logger    OperationLogger
	initiator ReloadInitiator
}

// NewService wires a Service.
func NewService(store Store, now func() int64, idFn func() string, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if idFn == nil {
		return nil, fmt.Errorf("%w: id generator dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, idFn: idFn}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// NewAccountParams seeds a new billing account. The trial allotment is
// initialized exactly once here and never replenished externally.
type NewAccountParams struct {
	UserID      string
	TrialUnits  int64
	CustomerRef string
	AutoReload  AutoReloadConfig
}

// CreateAccount provisions the balance record for one end user.
func (service *Service) CreateAccount(ctx context.Context, params NewAccountParams) (Account, error) {
	account := Account{
		AccountID:          service.idFn(),
		UserID:             strings.TrimSpace(params.UserID),
		SubscriptionStatus: SubscriptionInactive,
		TrialRemaining:     params.TrialUnits,
		AutoReload:         params.AutoReload,
		CustomerRef:        strings.TrimSpace(params.CustomerRef),
		CreatedUnixUTC:     service.nowFn(),
	}
	var operationError error
	switch {
	case account.UserID == "":
		operationError = fmt.Errorf("%w: empty value", ErrInvalidUserID)
	case params.TrialUnits < 0:
		operationError = fmt.Errorf("%w: trial units must not be negative", ErrInvalidUnits)
	default:
		operationError = service.store.CreateAccount(ctx, account)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateAccount,
		AccountID: account.AccountID,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// Authorize runs the resolver against the current balances without taking
// the account lock. The answer is advisory: Deduct re-validates under lock.
func (service *Service) Authorize(ctx context.Context, accountID string, units Units) (Decision, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	return Resolve(account, units), nil
}

// DeductionResult reports a completed (or denied) deduction.
type DeductionResult struct {
	Decision       Decision
	TransactionID  string
	Source         FundingSource
	TrialRemaining int64
	TokenBalance   int64
	Reload         *ReloadIntent
}

// Charge resolves the funding source and deducts in one lock acquisition.
// This is the unit-of-work entry point used by the request layer.
func (service *Service) Charge(ctx context.Context, accountID string, units Units) (DeductionResult, error) {
	var result DeductionResult
	operationError := service.store.WithAccountLock(ctx, accountID, func(ctx context.Context, lockedStore Store) error {
		account, err := lockedStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		decision := Resolve(account, units)
		result.Decision = decision
		if !decision.Authorized {
			return WrapError(operationCharge, "authorization", "insufficient", ErrInsufficientBalance)
		}
		return service.deductLocked(ctx, lockedStore, account, units, decision.Source, &result)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCharge,
		AccountID:     accountID,
		TransactionID: result.TransactionID,
		Source:        result.Source,
		Units:         units.Int64(),
		Error:         operationError,
	})
	if operationError != nil {
		return result, operationError
	}
	service.dispatchReload(ctx, result.Reload)
	return result, nil
}

// Deduct decrements the given funding source by units. The source choice
// from an earlier Authorize call is re-validated under the lock; balances
// may have changed in between.
func (service *Service) Deduct(ctx context.Context, accountID string, units Units, source FundingSource) (DeductionResult, error) {
	var result DeductionResult
	operationError := service.store.WithAccountLock(ctx, accountID, func(ctx context.Context, lockedStore Store) error {
		account, err := lockedStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := validateSource(account, units, source); err != nil {
			return err
		}
		result.Decision = Decision{Authorized: true, Source: source}
		return service.deductLocked(ctx, lockedStore, account, units, source, &result)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeduct,
		AccountID:     accountID,
		TransactionID: result.TransactionID,
		Source:        source,
		Units:         units.Int64(),
		Error:         operationError,
	})
	if operationError != nil {
		return result, operationError
	}
	service.dispatchReload(ctx, result.Reload)
	return result, nil
}

// deductLocked applies the balance mutation, the audit transaction, and
// the auto-reload evaluation as one unit. Callers hold the account lock.
func (service *Service) deductLocked(ctx context.Context, lockedStore Store, account Account, units Units, source FundingSource, result *DeductionResult) error {
	nowUnixUTC := service.nowFn()
	transaction := Transaction{
		TransactionID:  service.idFn(),
		AccountID:      account.AccountID,
		MetadataJSON:   "{}",
		CreatedUnixUTC: nowUnixUTC,
	}
	switch source {
	case SourceSubscription:
		// No balance consumed; the zero-delta row keeps the audit trail
		// contiguous.
		transaction.Kind = KindSubscriptionUsage
		transaction.Delta = 0
		transaction.ResultingBalance = account.TokenBalance
	case SourceTrial:
		remaining := account.TrialRemaining - units.Int64()
		if remaining < 0 {
			return WrapError(operationDeduct, "trial", "floor", ErrNegativeBalance)
		}
		account.TrialRemaining = remaining
		transaction.Kind = KindTrialDeduction
		transaction.Delta = -units.Int64()
		transaction.ResultingBalance = remaining
	case SourceToken:
		remaining := account.TokenBalance - units.Int64()
		if remaining < 0 {
			return WrapError(operationDeduct, "token", "floor", ErrNegativeBalance)
		}
		account.TokenBalance = remaining
		transaction.Kind = KindTokenDeduction
		transaction.Delta = -units.Int64()
		transaction.ResultingBalance = remaining
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFundingSource, source)
	}
	if source == SourceToken {
		if intent, triggered := evaluateReload(account, nowUnixUTC); triggered {
			account.AutoReload.LastTriggerUnixUTC = nowUnixUTC
			result.Reload = &intent
		}
	}
	if err := lockedStore.InsertTransaction(ctx, transaction); err != nil {
		return err
	}
	if err := lockedStore.UpdateAccount(ctx, account); err != nil {
		return err
	}
	result.TransactionID = transaction.TransactionID
	result.Source = source
	result.TrialRemaining = account.TrialRemaining
	result.TokenBalance = account.TokenBalance
	return nil
}

// RefundResult reports a refund outcome. AlreadyRefunded marks the
// idempotent no-op path taken by retried failure handlers.
type RefundResult struct {
	AlreadyRefunded bool
	TransactionID   string
	TrialRemaining  int64
	TokenBalance    int64
}

// Refund reverses a prior deduction, restoring balance. The origin
// transaction id plus item ref key the idempotency guard: a second refund
// for the same pair is a no-op success. Passing units <= 0 refunds
// whatever the origin has left unrefunded.
func (service *Service) Refund(ctx context.Context, accountID string, originTransactionID string, units int64, itemRef string, reason string) (RefundResult, error) {
	var result RefundResult
	operationError := service.store.WithAccountLock(ctx, accountID, func(ctx context.Context, lockedStore Store) error {
		account, err := lockedStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		origin, err := lockedStore.GetTransaction(ctx, originTransactionID)
		if err != nil {
			return WrapError(operationRefund, "origin", "lookup", ErrInvalidRefundTarget)
		}
		if origin.AccountID != account.AccountID || !origin.Kind.IsDeduction() {
			return WrapError(operationRefund, "origin", "mismatch", ErrInvalidRefundTarget)
		}
		result.TrialRemaining = account.TrialRemaining
		result.TokenBalance = account.TokenBalance
		if origin.Kind == KindSubscriptionUsage {
			// Subscription usage consumed no balance; nothing to restore.
			return nil
		}
		exists, err := lockedStore.RefundExists(ctx, originTransactionID, itemRef)
		if err != nil {
			return err
		}
		if exists {
			result.AlreadyRefunded = true
			return nil
		}
		refundedUnits, err := lockedStore.SumRefundedUnits(ctx, originTransactionID)
		if err != nil {
			return err
		}
		originUnits := -origin.Delta
		remainingUnits := originUnits - refundedUnits
		refundUnits := units
		if refundUnits <= 0 {
			refundUnits = remainingUnits
		}
		if remainingUnits <= 0 && refundUnits <= 0 {
			result.AlreadyRefunded = true
			return nil
		}
		if refundUnits > remainingUnits {
			return WrapError(operationRefund, "units", "exceeds_origin", ErrInvalidRefundTarget)
		}
		refundKind, ok := origin.Kind.RefundKind()
		if !ok {
			return WrapError(operationRefund, "origin", "kind", ErrInvalidRefundTarget)
		}
		refund := Transaction{
			TransactionID:  service.idFn(),
			AccountID:      account.AccountID,
			Kind:           refundKind,
			Delta:          refundUnits,
			RefundOf:       originTransactionID,
			ItemRef:        itemRef,
			MetadataJSON:   refundMetadata(reason),
			CreatedUnixUTC: service.nowFn(),
		}
		switch refundKind {
		case KindTrialRefund:
			account.TrialRemaining += refundUnits
			refund.ResultingBalance = account.TrialRemaining
		case KindTokenRefund:
			account.TokenBalance += refundUnits
			refund.ResultingBalance = account.TokenBalance
		}
		if err := lockedStore.InsertTransaction(ctx, refund); err != nil {
			return err
		}
		if err := lockedStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		result.TransactionID = refund.TransactionID
		result.TrialRemaining = account.TrialRemaining
		result.TokenBalance = account.TokenBalance
		return nil
	})
	if isDuplicateRefund(operationError) {
		// Unique backstop in the store caught a concurrent duplicate.
		result.AlreadyRefunded = true
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		AccountID:     accountID,
		TransactionID: result.TransactionID,
		Units:         units,
		Error:         operationError,
	})
	if operationError != nil {
		return result, operationError
	}
	return result, nil
}

// Snapshot returns the display view of an account's balances. No lock is
// taken; the snapshot is eventually consistent and never feeds a mutation.
func (service *Service) Snapshot(ctx context.Context, accountID string) (BalanceSnapshot, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	return BalanceSnapshot{
		SubscriptionStatus: account.SubscriptionStatus,
		TrialRemaining:     account.TrialRemaining,
		TokenBalance:       account.TokenBalance,
	}, nil
}

// ListTransactions lists log lines for an account before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) dispatchReload(ctx context.Context, intent *ReloadIntent) {
	if intent == nil || service.initiator == nil {
		return
	}
	service.initiator.InitiateReload(ctx, *intent)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateSource(account Account, units Units, source FundingSource) error {
	switch source {
	case SourceSubscription:
		if !account.SubscriptionStatus.Authorizes() {
			return WrapError(operationDeduct, "subscription", "inactive", ErrInsufficientBalance)
		}
	case SourceTrial:
		if account.TrialRemaining < units.Int64() {
			return WrapError(operationDeduct, "trial", "insufficient", ErrInsufficientBalance)
		}
	case SourceToken:
		if account.TokenBalance < units.Int64() {
			return WrapError(operationDeduct, "token", "insufficient", ErrInsufficientBalance)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFundingSource, source)
	}
	return nil
}

func isDuplicateRefund(err error) bool {
	return err != nil && errors.Is(err, ErrDuplicateRefund)
}

func refundMetadata(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return "{}"
	}
	raw, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return "{}"
	}
	return string(raw)
}
