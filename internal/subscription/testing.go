package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/playdroplink/pi-gateway/internal/domain"
)

// MemoryStore is an in-memory Store for tests. It enforces the same
// uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu        sync.Mutex
	byProfile map[string]domain.SubscriptionRecord
	byTxID    map[string]string // txid -> profile id
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byProfile: make(map[string]domain.SubscriptionRecord),
		byTxID:    make(map[string]string),
	}
}

func (m *MemoryStore) FindByTransactionID(ctx context.Context, txid string) (*domain.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profileID, ok := m.byTxID[txid]
	if !ok {
		return nil, nil
	}
	rec := m.byProfile[profileID]
	return &rec, nil
}

func (m *MemoryStore) FindByProfile(ctx context.Context, profileID string) (*domain.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byProfile[profileID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rec domain.SubscriptionRecord) (domain.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, exists := m.byTxID[rec.TransactionID]; exists && owner != rec.ProfileID {
		return domain.SubscriptionRecord{}, ErrDuplicateTransaction
	}
	if existing, ok := m.byProfile[rec.ProfileID]; ok && existing.TransactionID == rec.TransactionID {
		// Same profile, same transaction: the upsert is a no-op replay.
		return existing, nil
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if old, ok := m.byProfile[rec.ProfileID]; ok {
		delete(m.byTxID, old.TransactionID)
		rec.ID = old.ID
	}
	m.byProfile[rec.ProfileID] = rec
	m.byTxID[rec.TransactionID] = rec.ProfileID
	return rec, nil
}

// StubAccounts is a scriptable AccountSource for tests.
type StubAccounts struct {
	Current    *domain.AccountRecord
	Recovered  *domain.AccountRecord
	RecoverErr error
	Recoveries int
}

var _ AccountSource = (*StubAccounts)(nil)

func (s *StubAccounts) CurrentAccount() (domain.AccountRecord, bool) {
	if s.Current == nil {
		return domain.AccountRecord{}, false
	}
	return *s.Current, true
}

func (s *StubAccounts) RecoverAccount(ctx context.Context) (domain.AccountRecord, error) {
	s.Recoveries++
	if s.RecoverErr != nil {
		return domain.AccountRecord{}, s.RecoverErr
	}
	if s.Recovered == nil {
		return domain.AccountRecord{}, ErrActivation
	}
	return *s.Recovered, nil
}
