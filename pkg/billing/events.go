package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EventType enumerates the provider notifications this core understands.
type EventType string

const (
	EventPurchaseCompleted         EventType = "purchase_completed"
	EventSubscriptionActivated     EventType = "subscription_activated"
	EventSubscriptionPaymentFailed EventType = "subscription_payment_failed"
	EventSubscriptionCancelled     EventType = "subscription_cancelled"
	EventReloadSucceeded           EventType = "reload_succeeded"
	EventReloadFailed              EventType = "reload_failed"
)

// ParseEventType validates a raw event type value.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(raw) {
	case EventPurchaseCompleted, EventSubscriptionActivated, EventSubscriptionPaymentFailed,
		EventSubscriptionCancelled, EventReloadSucceeded, EventReloadFailed:
		return EventType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
}

// String returns the event type value.
func (eventType EventType) String() string {
	return string(eventType)
}

// ProviderEvent is one asynchronous notification from the payment
// provider. Signature verification happens upstream; the event id is
// preserved verbatim and drives idempotency here regardless.
type ProviderEvent struct {
	EventID          string
	Type             EventType
	AccountRef       string
	AmountUnits      int64
	PeriodEndUnixUTC int64
	SubscriptionRef  string
}

// ApplyEvent applies one provider event exactly once. The idempotency
// guard is structural: the transaction row carrying the event id is
// inserted in the same store transaction as the balance mutation, so a
// duplicate event id aborts both together. Malformed and unrecognized
// events are logged and acknowledged without mutating balance; the
// provider must not retry them forever.
func (service *Service) ApplyEvent(ctx context.Context, event ProviderEvent) (bool, error) {
	if err := validateEvent(event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationApplyEvent,
			EventID:   event.EventID,
			Status:    operationStatusError,
			Error:     err,
		})
		return false, nil
	}
	account, err := service.store.GetAccountByCustomerRef(ctx, event.AccountRef)
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			service.logOperation(ctx, OperationLog{
				Operation: operationApplyEvent,
				EventID:   event.EventID,
				Status:    operationStatusError,
				Error:     err,
			})
			return false, nil
		}
		return false, err
	}
	operationError := service.store.WithAccountLock(ctx, account.AccountID, func(ctx context.Context, lockedStore Store) error {
		lockedAccount, err := lockedStore.GetAccount(ctx, account.AccountID)
		if err != nil {
			return err
		}
		transaction := Transaction{
			TransactionID:    service.idFn(),
			AccountID:        lockedAccount.AccountID,
			Kind:             KindProviderEvent,
			ExternalEventRef: event.EventID,
			MetadataJSON:     eventMetadata(event),
			CreatedUnixUTC:   service.nowFn(),
		}
		switch event.Type {
		case EventPurchaseCompleted:
			lockedAccount.TokenBalance += event.AmountUnits
			transaction.Kind = KindTokenPurchaseCredit
			transaction.Delta = event.AmountUnits
			transaction.ResultingBalance = lockedAccount.TokenBalance
		case EventSubscriptionActivated:
			lockedAccount.SubscriptionStatus = SubscriptionActive
			lockedAccount.SubscriptionPeriodEndUTC = event.PeriodEndUnixUTC
			if event.SubscriptionRef != "" {
				lockedAccount.SubscriptionRef = event.SubscriptionRef
			}
		case EventSubscriptionPaymentFailed:
			lockedAccount.SubscriptionStatus = SubscriptionPastDue
		case EventSubscriptionCancelled:
			lockedAccount.SubscriptionStatus = SubscriptionCancelled
		case EventReloadSucceeded:
			lockedAccount.TokenBalance += event.AmountUnits
			lockedAccount.AutoReload.ConsecutiveFailures = 0
			transaction.Kind = KindTokenPurchaseCredit
			transaction.Delta = event.AmountUnits
			transaction.ResultingBalance = lockedAccount.TokenBalance
		case EventReloadFailed:
			// Once the breaker has tripped the config stays untouched;
			// later failure events only leave their audit row.
			if lockedAccount.AutoReload.Enabled {
				lockedAccount.AutoReload.ConsecutiveFailures++
				if lockedAccount.AutoReload.ConsecutiveFailures >= reloadFailureLimit {
					lockedAccount.AutoReload.Enabled = false
				}
			}
		}
		if err := lockedStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		return lockedStore.UpdateAccount(ctx, lockedAccount)
	})
	if operationError != nil && errors.Is(operationError, ErrDuplicateEvent) {
		service.logOperation(ctx, OperationLog{
			Operation: operationApplyEvent,
			AccountID: account.AccountID,
			EventID:   event.EventID,
			Status:    operationStatusOK,
			Error:     nil,
		})
		return false, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationApplyEvent,
		AccountID: account.AccountID,
		EventID:   event.EventID,
		Error:     operationError,
	})
	if operationError != nil {
		return false, operationError
	}
	return true, nil
}

func validateEvent(event ProviderEvent) error {
	if strings.TrimSpace(event.EventID) == "" {
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if strings.TrimSpace(event.AccountRef) == "" {
		return fmt.Errorf("%w: missing account ref", ErrMalformedEvent)
	}
	if _, err := ParseEventType(event.Type.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch event.Type {
	case EventPurchaseCompleted, EventReloadSucceeded:
		if event.AmountUnits <= 0 {
			return fmt.Errorf("%w: credit amount must be positive", ErrMalformedEvent)
		}
	}
	return nil
}

func eventMetadata(event ProviderEvent) string {
	return fmt.Sprintf(`{"event_type":%q}`, event.Type.String())
}
