package billing

import "context"

// ReloadIntent is the hand-off to the external payment-initiation
// collaborator: which account to replenish and by how much. The engine
// decides that and how much; it never talks to the payment provider itself.
type ReloadIntent struct {
	AccountID   string
	AmountUnits int64
}

// ReloadInitiator receives reload intents after the deduction lock is
// released. Implementations must not call back into the deduction path
// synchronously.
type ReloadInitiator interface {
	InitiateReload(ctx context.Context, intent ReloadIntent)
}

// evaluateReload decides whether a successful token deduction should
// trigger a replenishment purchase. Callers must hold the account lock:
// the throttle check and the last-trigger write have to be one atomic
// step, otherwise two concurrent deductions can both pass the check.
func evaluateReload(account Account, nowUnixUTC int64) (ReloadIntent, bool) {
	config := account.AutoReload
	if !config.Enabled {
		return ReloadIntent{}, false
	}
	if account.TokenBalance >= config.ThresholdUnits {
		return ReloadIntent{}, false
	}
	if config.LastTriggerUnixUTC != 0 && nowUnixUTC-config.LastTriggerUnixUTC < reloadThrottleSeconds {
		return ReloadIntent{}, false
	}
	if config.ConsecutiveFailures >= reloadFailureLimit {
		return ReloadIntent{}, false
	}
	return ReloadIntent{AccountID: account.AccountID, AmountUnits: config.ReloadAmountUnits}, true
}
