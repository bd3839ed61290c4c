package payment

import (
	"context"
	"time"
)

// Idempotency record statuses.
const (
	IdemPending   = "pending"
	IdemApproved  = "approved"
	IdemCompleted = "completed"
	IdemFailed    = "failed"
)

// IdempotencyRecord tracks a payment's server-side progress so approval and
// completion stay idempotent across retries and restarts.
type IdempotencyRecord struct {
	ID        string    `json:"id,omitempty"`
	PaymentID string    `json:"payment_id"`
	UserUID   string    `json:"user_uid,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Memo      string    `json:"memo,omitempty"`
	Status    string    `json:"status"`
	TxID      string    `json:"txid,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IdempotencyStore persists idempotency records. Get returns (nil, nil) when
// no record exists for the payment.
type IdempotencyStore interface {
	Get(ctx context.Context, paymentID string) (*IdempotencyRecord, error)
	Create(ctx context.Context, rec *IdempotencyRecord) error
	SetStatus(ctx context.Context, paymentID, status, txid string) error
	// ListStuckApproved lists records still approved but not completed
	// whose last update is older than the cutoff.
	ListStuckApproved(ctx context.Context, olderThan time.Time) ([]IdempotencyRecord, error)
}
