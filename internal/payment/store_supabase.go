package payment

import (
	"context"
	"time"

	"github.com/playdroplink/pi-gateway/internal/database"
)

const tableIdempotency = "payment_idempotency"

// SupabaseIdempotencyStore keeps idempotency records in Supabase.
type SupabaseIdempotencyStore struct {
	db *database.Repository
}

var _ IdempotencyStore = (*SupabaseIdempotencyStore)(nil)

// NewSupabaseIdempotencyStore creates the store on a repository.
func NewSupabaseIdempotencyStore(db *database.Repository) *SupabaseIdempotencyStore {
	return &SupabaseIdempotencyStore{db: db}
}

func (s *SupabaseIdempotencyStore) Get(ctx context.Context, paymentID string) (*IdempotencyRecord, error) {
	return database.GenericGetByField[IdempotencyRecord](s.db, ctx, tableIdempotency, "payment_id", paymentID)
}

func (s *SupabaseIdempotencyStore) Create(ctx context.Context, rec *IdempotencyRecord) error {
	return database.GenericCreate(s.db, ctx, tableIdempotency, rec, func(rows []IdempotencyRecord) {
		if len(rows) > 0 {
			*rec = rows[0]
		}
	})
}

func (s *SupabaseIdempotencyStore) SetStatus(ctx context.Context, paymentID, status, txid string) error {
	patch := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if txid != "" {
		patch["txid"] = txid
	}
	return database.GenericUpdate(s.db, ctx, tableIdempotency, "payment_id", paymentID, &patch)
}

func (s *SupabaseIdempotencyStore) ListStuckApproved(ctx context.Context, olderThan time.Time) ([]IdempotencyRecord, error) {
	query := database.NewQuery().
		Eq("status", IdemApproved).
		Lt("updated_at", olderThan.UTC().Format(time.RFC3339)).
		OrderAsc("updated_at").
		Limit(50).
		Build()
	return database.GenericListWithQuery[IdempotencyRecord](s.db, ctx, tableIdempotency, query)
}
