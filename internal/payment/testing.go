package payment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryIdempotencyStore is an in-memory IdempotencyStore for tests.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	recs map[string]*IdempotencyRecord
	seq  int
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{recs: make(map[string]*IdempotencyRecord)}
}

func (m *MemoryIdempotencyStore) Get(ctx context.Context, paymentID string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[paymentID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (m *MemoryIdempotencyStore) Create(ctx context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[rec.PaymentID]; exists {
		return fmt.Errorf("duplicate key value violates unique constraint: payment_id %s", rec.PaymentID)
	}
	m.seq++
	stored := *rec
	if stored.ID == "" {
		stored.ID = fmt.Sprintf("idem-%d", m.seq)
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.recs[stored.PaymentID] = &stored
	*rec = stored
	return nil
}

func (m *MemoryIdempotencyStore) SetStatus(ctx context.Context, paymentID, status, txid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[paymentID]
	if !ok {
		return fmt.Errorf("no idempotency record for payment %s", paymentID)
	}
	rec.Status = status
	if txid != "" {
		rec.TxID = txid
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryIdempotencyStore) ListStuckApproved(ctx context.Context, olderThan time.Time) ([]IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []IdempotencyRecord
	for _, rec := range m.recs {
		if rec.Status == IdemApproved && rec.UpdatedAt.Before(olderThan) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// Backdate rewrites a record's update time, for sweep tests.
func (m *MemoryIdempotencyStore) Backdate(paymentID string, to time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[paymentID]; ok {
		rec.UpdatedAt = to
	}
}
