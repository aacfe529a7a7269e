package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	clock := func() int64 { return 100 }
	idFn := func() string { return "id" }
	if _, err := NewService(nil, clock, idFn); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	store := newStubStore(test)
	if _, err := NewService(store, nil, idFn); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	if _, err := NewService(store, clock, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

func TestCreateAccountValidatesInputs(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	if _, err := service.CreateAccount(context.Background(), NewAccountParams{UserID: "  "}); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := service.CreateAccount(context.Background(), NewAccountParams{UserID: "user", TrialUnits: -1}); !errors.Is(err, ErrInvalidUnits) {
		test.Fatalf("expected ErrInvalidUnits, got %v", err)
	}

	account, err := service.CreateAccount(context.Background(), NewAccountParams{UserID: "user-1", TrialUnits: 10, CustomerRef: "cus-1"})
	if err != nil {
		test.Fatalf("create account: %v", err)
	}
	if account.TrialRemaining != 10 {
		test.Fatalf("expected trial 10, got %d", account.TrialRemaining)
	}
	if account.SubscriptionStatus != SubscriptionInactive {
		test.Fatalf("expected inactive subscription, got %s", account.SubscriptionStatus)
	}
}

func TestChargeSubscriptionLeavesBalancesUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:          "acct-1",
		UserID:             "user-1",
		SubscriptionStatus: SubscriptionActive,
		TrialRemaining:     3,
		TokenBalance:       7,
	})
	service := mustNewService(test, store)

	result, err := service.Charge(context.Background(), account.AccountID, mustUnits(test, 5))
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if result.Source != SourceSubscription {
		test.Fatalf("expected subscription source, got %s", result.Source)
	}
	if result.TrialRemaining != 3 || result.TokenBalance != 7 {
		test.Fatalf("balances changed: trial=%d tokens=%d", result.TrialRemaining, result.TokenBalance)
	}
	transaction := store.mustTransaction(test, result.TransactionID)
	if transaction.Kind != KindSubscriptionUsage {
		test.Fatalf("expected subscription usage row, got %s", transaction.Kind)
	}
	if transaction.Delta != 0 {
		test.Fatalf("expected zero delta, got %d", transaction.Delta)
	}
}

func TestChargePrefersTrialOverTokens(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:      "acct-1",
		UserID:         "user-1",
		TrialRemaining: 2,
		TokenBalance:   10,
	})
	service := mustNewService(test, store)

	result, err := service.Charge(context.Background(), account.AccountID, mustUnits(test, 2))
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if result.Source != SourceTrial {
		test.Fatalf("expected trial source, got %s", result.Source)
	}
	if result.TrialRemaining != 0 {
		test.Fatalf("expected trial exhausted, got %d", result.TrialRemaining)
	}
	if result.TokenBalance != 10 {
		test.Fatalf("tokens should be untouched, got %d", result.TokenBalance)
	}
	transaction := store.mustTransaction(test, result.TransactionID)
	if transaction.Kind != KindTrialDeduction || transaction.Delta != -2 {
		test.Fatalf("unexpected transaction %s delta=%d", transaction.Kind, transaction.Delta)
	}
}

func TestChargeFallsBackToTokens(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:      "acct-1",
		UserID:         "user-1",
		TrialRemaining: 1,
		TokenBalance:   10,
	})
	service := mustNewService(test, store)

	result, err := service.Charge(context.Background(), account.AccountID, mustUnits(test, 4))
	if err != nil {
		test.Fatalf("charge: %v", err)
	}
	if result.Source != SourceToken {
		test.Fatalf("expected token source, got %s", result.Source)
	}
	if result.TrialRemaining != 1 {
		test.Fatalf("trial should keep its remainder, got %d", result.TrialRemaining)
	}
	if result.TokenBalance != 6 {
		test.Fatalf("expected 6 tokens, got %d", result.TokenBalance)
	}
}

func TestChargeInsufficientBalanceDenied(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:      "acct-1",
		UserID:         "user-1",
		TrialRemaining: 1,
		TokenBalance:   2,
	})
	service := mustNewService(test, store)

	result, err := service.Charge(context.Background(), account.AccountID, mustUnits(test, 5))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if result.Decision.Authorized {
		test.Fatalf("decision should deny")
	}
	if result.Decision.Reason == "" {
		test.Fatalf("denial must carry a reason")
	}
	if got := len(store.transactionOrder); got != 0 {
		test.Fatalf("denied charge must not write transactions, got %d", got)
	}
}

func TestDeductRevalidatesSourceUnderLock(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:      "acct-1",
		UserID:         "user-1",
		TrialRemaining: 1,
	})
	service := mustNewService(test, store)

	// An earlier Authorize saw trial funds, but they are gone by deduct time.
	store.drainTrial(test, account.AccountID)
	_, err := service.Deduct(context.Background(), account.AccountID, mustUnits(test, 1), SourceTrial)
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestChargeUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.Charge(context.Background(), "missing", mustUnits(test, 1))
	if !errors.Is(err, ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestChargeLockContended(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:    "acct-1",
		UserID:       "user-1",
		TokenBalance: 10,
	})
	service := mustNewService(test, store)

	release := store.holdLock(test, account.AccountID)
	defer release()

	_, err := service.Charge(context.Background(), account.AccountID, mustUnits(test, 1))
	if !errors.Is(err, ErrLockContended) {
		test.Fatalf("expected ErrLockContended, got %v", err)
	}
}

func TestConcurrentDeductionsNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:    "acct-1",
		UserID:       "user-1",
		TokenBalance: 5,
	})
	service := mustNewService(test, store)

	const attempts = 30
	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Charge(context.Background(), account.AccountID, mustUnits(test, 1))
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, ErrLockContended), errors.Is(err, ErrInsufficientBalance):
			default:
				test.Errorf("unexpected error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	final := store.mustAccount(test, account.AccountID)
	if final.TokenBalance < 0 {
		test.Fatalf("balance went negative: %d", final.TokenBalance)
	}
	if expected := int64(5 - succeeded); final.TokenBalance != expected {
		test.Fatalf("expected balance %d after %d successes, got %d", expected, succeeded, final.TokenBalance)
	}
}

func TestSnapshotReturnsBalances(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:          "acct-1",
		UserID:             "user-1",
		SubscriptionStatus: SubscriptionPastDue,
		TrialRemaining:     2,
		TokenBalance:       9,
	})
	service := mustNewService(test, store)

	snapshot, err := service.Snapshot(context.Background(), account.AccountID)
	if err != nil {
		test.Fatalf("snapshot: %v", err)
	}
	if snapshot.SubscriptionStatus != SubscriptionPastDue || snapshot.TrialRemaining != 2 || snapshot.TokenBalance != 9 {
		test.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestOperationLoggerReceivesChargeOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	account := store.seedAccount(test, Account{
		AccountID:    "acct-1",
		UserID:       "user-1",
		TokenBalance: 3,
	})
	logger := &recordingLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.Charge(context.Background(), account.AccountID, mustUnits(test, 2)); err != nil {
		test.Fatalf("charge: %v", err)
	}
	entry := logger.mustLast(test)
	if entry.Operation != "charge" || entry.Status != "ok" {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Source != SourceToken || entry.Units != 2 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
}

// stubStore is an in-memory Store with the same lock semantics the real
// stores provide: the per-account lock is acquired without waiting and a
// held lock surfaces as ErrLockContended.
type stubStore struct {
	mu               sync.Mutex
	locked           map[string]bool
	accounts         map[string]Account
	transactions     map[string]Transaction
	transactionOrder []string
	eventRefs        map[string]string
	refundPairs      map[string]bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		locked:       make(map[string]bool),
		accounts:     make(map[string]Account),
		transactions: make(map[string]Transaction),
		eventRefs:    make(map[string]string),
		refundPairs:  make(map[string]bool),
	}
}

func (store *stubStore) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, lockedStore Store) error) error {
	store.mu.Lock()
	if _, ok := store.accounts[accountID]; !ok {
		store.mu.Unlock()
		return ErrUnknownAccount
	}
	if store.locked[accountID] {
		store.mu.Unlock()
		return ErrLockContended
	}
	store.locked[accountID] = true
	store.mu.Unlock()
	defer func() {
		store.mu.Lock()
		delete(store.locked, accountID)
		store.mu.Unlock()
	}()
	return fn(ctx, store)
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.accounts[account.AccountID]; exists {
		return ErrAccountExists
	}
	for _, existing := range store.accounts {
		if existing.UserID == account.UserID {
			return ErrAccountExists
		}
	}
	store.accounts[account.AccountID] = account
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) GetAccountByCustomerRef(ctx context.Context, customerRef string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, account := range store.accounts {
		if account.CustomerRef == customerRef {
			return account, nil
		}
	}
	return Account{}, ErrUnknownAccount
}

func (store *stubStore) UpdateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.accounts[account.AccountID]; !ok {
		return ErrUnknownAccount
	}
	store.accounts[account.AccountID] = account
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if transaction.ExternalEventRef != "" {
		if _, exists := store.eventRefs[transaction.ExternalEventRef]; exists {
			return ErrDuplicateEvent
		}
		store.eventRefs[transaction.ExternalEventRef] = transaction.TransactionID
	}
	if transaction.RefundOf != "" {
		key := transaction.RefundOf + "\x00" + transaction.ItemRef
		if store.refundPairs[key] {
			return ErrDuplicateRefund
		}
		store.refundPairs[key] = true
	}
	store.transactions[transaction.TransactionID] = transaction
	store.transactionOrder = append(store.transactionOrder, transaction.TransactionID)
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *stubStore) RefundExists(ctx context.Context, originTransactionID string, itemRef string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.refundPairs[originTransactionID+"\x00"+itemRef], nil
}

func (store *stubStore) SumRefundedUnits(ctx context.Context, originTransactionID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum int64
	for _, transaction := range store.transactions {
		if transaction.RefundOf == originTransactionID {
			sum += transaction.Delta
		}
	}
	return sum, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	out := make([]Transaction, 0, limit)
	for i := len(store.transactionOrder) - 1; i >= 0 && len(out) < limit; i-- {
		transaction := store.transactions[store.transactionOrder[i]]
		if transaction.AccountID == accountID && transaction.CreatedUnixUTC < beforeUnixUTC {
			out = append(out, transaction)
		}
	}
	return out, nil
}

func (store *stubStore) seedAccount(test *testing.T, account Account) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	if account.SubscriptionStatus == "" {
		account.SubscriptionStatus = SubscriptionInactive
	}
	store.accounts[account.AccountID] = account
	return account
}

func (store *stubStore) mustAccount(test *testing.T, accountID string) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		test.Fatalf("account %s not found", accountID)
	}
	return account
}

func (store *stubStore) mustTransaction(test *testing.T, transactionID string) Transaction {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		test.Fatalf("transaction %s not found", transactionID)
	}
	return transaction
}

func (store *stubStore) drainTrial(test *testing.T, accountID string) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		test.Fatalf("account %s not found", accountID)
	}
	account.TrialRemaining = 0
	store.accounts[accountID] = account
}

func (store *stubStore) holdLock(test *testing.T, accountID string) func() {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.locked[accountID] {
		test.Fatalf("lock for %s already held", accountID)
	}
	store.locked[accountID] = true
	return func() {
		store.mu.Lock()
		delete(store.locked, accountID)
		store.mu.Unlock()
	}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) mustLast(test *testing.T) OperationLog {
	test.Helper()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("no operation log entries recorded")
	}
	return logger.entries[len(logger.entries)-1]
}

type recordingInitiator struct {
	mu      sync.Mutex
	intents []ReloadIntent
}

func (initiator *recordingInitiator) InitiateReload(_ context.Context, intent ReloadIntent) {
	initiator.mu.Lock()
	defer initiator.mu.Unlock()
	initiator.intents = append(initiator.intents, intent)
}

func (initiator *recordingInitiator) count() int {
	initiator.mu.Lock()
	defer initiator.mu.Unlock()
	return len(initiator.intents)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	var sequence int64
	var sequenceMu sync.Mutex
	idFn := func() string {
		sequenceMu.Lock()
		defer sequenceMu.Unlock()
		sequence++
		return fmt.Sprintf("txn-%d", sequence)
	}
	service, err := NewService(store, func() int64 { return 1000 }, idFn, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUnits(test *testing.T, raw int64) Units {
	test.Helper()
	units, err := NewUnits(raw)
	if err != nil {
		test.Fatalf("units: %v", err)
	}
	return units
}
