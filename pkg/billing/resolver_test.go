package billing

import (
	"strings"
	"testing"
)

func TestResolveSubscriptionCoversAnySize(test *testing.T) {
	test.Parallel()
	account := Account{SubscriptionStatus: SubscriptionActive}
	decision := Resolve(account, mustUnits(test, 1000))
	if !decision.Authorized || decision.Source != SourceSubscription {
		test.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestResolveOrderIsSubscriptionTrialToken(test *testing.T) {
	test.Parallel()
	account := Account{
		SubscriptionStatus: SubscriptionActive,
		TrialRemaining:     10,
		TokenBalance:       10,
	}
	if decision := Resolve(account, mustUnits(test, 1)); decision.Source != SourceSubscription {
		test.Fatalf("expected subscription first, got %s", decision.Source)
	}

	account.SubscriptionStatus = SubscriptionInactive
	if decision := Resolve(account, mustUnits(test, 1)); decision.Source != SourceTrial {
		test.Fatalf("expected trial second, got %s", decision.Source)
	}

	account.TrialRemaining = 0
	if decision := Resolve(account, mustUnits(test, 1)); decision.Source != SourceToken {
		test.Fatalf("expected tokens last, got %s", decision.Source)
	}
}

func TestResolveNoSplitAcrossSources(test *testing.T) {
	test.Parallel()
	account := Account{
		SubscriptionStatus: SubscriptionInactive,
		TrialRemaining:     2,
		TokenBalance:       2,
	}
	// Trial plus tokens would cover 3 units, but a single source must.
	decision := Resolve(account, mustUnits(test, 3))
	if decision.Authorized {
		test.Fatalf("split coverage must be denied: %+v", decision)
	}
}

func TestResolveCancelledDeniedWithReason(test *testing.T) {
	test.Parallel()
	account := Account{
		SubscriptionStatus: SubscriptionCancelled,
		TrialRemaining:     0,
		TokenBalance:       1,
	}
	decision := Resolve(account, mustUnits(test, 2))
	if decision.Authorized {
		test.Fatalf("expected denial: %+v", decision)
	}
	if !strings.Contains(decision.Reason, "cancelled") {
		test.Fatalf("reason should name the subscription state: %q", decision.Reason)
	}
}

func TestResolveExactBalanceAuthorizes(test *testing.T) {
	test.Parallel()
	account := Account{TokenBalance: 4}
	decision := Resolve(account, mustUnits(test, 4))
	if !decision.Authorized || decision.Source != SourceToken {
		test.Fatalf("exact balance must authorize: %+v", decision)
	}
}
