// Package subscription activates paid subscriptions from confirmed payments.
package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/playdroplink/pi-gateway/internal/domain"
)

// Plan types.
const (
	PlanBasic   = "basic"
	PlanPro     = "pro"
	PlanPremium = "premium"
)

// Billing periods.
const (
	BillingMonthly = "monthly"
	BillingYearly  = "yearly"
)

// StatusActive marks a live subscription.
const StatusActive = "active"

// ErrActivation means the payment is confirmed but the subscription record
// could not be written. The payment itself stays valid; the error text
// carries the txid for manual reconciliation.
var ErrActivation = errors.New("subscription activation failed")

// ErrDuplicateTransaction is returned by stores when another record already
// holds the transaction id.
var ErrDuplicateTransaction = errors.New("transaction already recorded")

// Store persists subscription records. Find methods return (nil, nil) when
// nothing matches.
type Store interface {
	FindByTransactionID(ctx context.Context, txid string) (*domain.SubscriptionRecord, error)
	FindByProfile(ctx context.Context, profileID string) (*domain.SubscriptionRecord, error)
	// Upsert writes the record keyed by profile, enforcing transaction id
	// uniqueness with ErrDuplicateTransaction.
	Upsert(ctx context.Context, rec domain.SubscriptionRecord) (domain.SubscriptionRecord, error)
}

// ParsePlan extracts the plan type from a payment memo. Unrecognized memos
// default to premium.
func ParsePlan(memo string) string {
	m := strings.ToLower(memo)
	switch {
	case strings.Contains(m, PlanBasic):
		return PlanBasic
	case strings.Contains(m, PlanPremium):
		return PlanPremium
	case strings.Contains(m, PlanPro):
		return PlanPro
	default:
		return PlanPremium
	}
}

// ParseBilling extracts the billing period from a payment memo.
func ParseBilling(memo string) string {
	m := strings.ToLower(memo)
	if strings.Contains(m, "annual") || strings.Contains(m, "yearly") {
		return BillingYearly
	}
	return BillingMonthly
}

// PeriodEnd computes the subscription end: 365 days for yearly billing,
// 30 days otherwise.
func PeriodEnd(start time.Time, billing string) time.Time {
	if billing == BillingYearly {
		return start.Add(365 * 24 * time.Hour)
	}
	return start.Add(30 * 24 * time.Hour)
}
