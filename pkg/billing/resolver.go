package billing

import "fmt"

// Decision is the outcome of the authorization resolver.
type Decision struct {
	Authorized bool
	Source     FundingSource
	Reason     string
}

// Resolve picks the funding source for a request of the given size.
// First match wins: an authorizing subscription covers any unit count
// without consuming balance, then the trial allotment, then the token
// balance. Resolve performs no mutation and is safe to call speculatively;
// any answer is advisory until re-validated under the account lock.
func Resolve(account Account, units Units) Decision {
	if account.SubscriptionStatus.Authorizes() {
		return Decision{Authorized: true, Source: SourceSubscription}
	}
	if account.TrialRemaining >= units.Int64() {
		return Decision{Authorized: true, Source: SourceTrial}
	}
	if account.TokenBalance >= units.Int64() {
		return Decision{Authorized: true, Source: SourceToken}
	}
	return Decision{
		Authorized: false,
		Reason: fmt.Sprintf(
			"subscription %s, trial %d, tokens %d, requested %d",
			account.SubscriptionStatus,
			account.TrialRemaining,
			account.TokenBalance,
			units.Int64(),
		),
	}
}
