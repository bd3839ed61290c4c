package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playdroplink/pi-gateway/internal/domain"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

// AccountSource resolves the account a subscription belongs to.
type AccountSource interface {
	CurrentAccount() (domain.AccountRecord, bool)
	// RecoverAccount re-resolves the account when none is active, e.g.
	// through one re-authentication round-trip and a handle lookup.
	RecoverAccount(ctx context.Context) (domain.AccountRecord, error)
}

// Activator turns confirmed payments into active subscriptions, exactly once
// per transaction id.
type Activator struct {
	store    Store
	accounts AccountSource
	log      *logger.Logger
	now      func() time.Time
}

// NewActivator creates an activator.
func NewActivator(store Store, accounts AccountSource, log *logger.Logger) *Activator {
	return &Activator{store: store, accounts: accounts, log: log, now: time.Now}
}

// Activate records the subscription named by the payment memo. A transaction
// id already recorded returns the existing record unchanged, so concurrent
// activations of the same payment race safely.
func (a *Activator) Activate(ctx context.Context, txid, memo string) (domain.SubscriptionRecord, error) {
	if txid == "" {
		return domain.SubscriptionRecord{}, fmt.Errorf("%w: missing transaction id", ErrActivation)
	}

	existing, err := a.store.FindByTransactionID(ctx, txid)
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("%w: txid %s: %v", ErrActivation, txid, err)
	}
	if existing != nil {
		a.log.WithField("txid", txid).Info("subscription already activated")
		return *existing, nil
	}

	account, ok := a.accounts.CurrentAccount()
	if !ok {
		account, err = a.accounts.RecoverAccount(ctx)
		if err != nil {
			return domain.SubscriptionRecord{}, fmt.Errorf("%w: txid %s: resolve account: %v", ErrActivation, txid, err)
		}
	}

	start := a.now().UTC()
	plan := ParsePlan(memo)
	billing := ParseBilling(memo)

	rec := domain.SubscriptionRecord{
		ProfileID:     account.ID,
		PlanType:      plan,
		BillingPeriod: billing,
		TransactionID: txid,
		Status:        StatusActive,
		StartDate:     start,
		EndDate:       PeriodEnd(start, billing),
	}

	stored, err := a.store.Upsert(ctx, rec)
	if errors.Is(err, ErrDuplicateTransaction) {
		// A concurrent activation won the race; adopt its record.
		winner, findErr := a.store.FindByTransactionID(ctx, txid)
		if findErr == nil && winner != nil {
			return *winner, nil
		}
		return domain.SubscriptionRecord{}, fmt.Errorf("%w: txid %s: %v", ErrActivation, txid, err)
	}
	if err != nil {
		return domain.SubscriptionRecord{}, fmt.Errorf("%w: txid %s: %v", ErrActivation, txid, err)
	}

	a.log.WithField("txid", txid).
		WithField("profile_id", stored.ProfileID).
		WithField("plan", stored.PlanType).
		WithField("billing", stored.BillingPeriod).
		Info("subscription activated")
	return stored, nil
}
