package identity

import (
	"context"
	"sync"

	"github.com/playdroplink/pi-gateway/internal/domain"
)

// MemoryCache is an in-memory SessionCache for tests.
type MemoryCache struct {
	mu   sync.Mutex
	sess *domain.Session

	LoadErr  error
	StoreErr error
	ClearErr error

	Stores int
	Clears int
}

var _ SessionCache = (*MemoryCache)(nil)

func (m *MemoryCache) Load(ctx context.Context) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.sess == nil {
		return nil, nil
	}
	copied := *m.sess
	return &copied, nil
}

func (m *MemoryCache) Store(ctx context.Context, sess domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stores++
	if m.StoreErr != nil {
		return m.StoreErr
	}
	m.sess = &sess
	return nil
}

func (m *MemoryCache) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Clears++
	if m.ClearErr != nil {
		return m.ClearErr
	}
	m.sess = nil
	return nil
}

// Cached returns a copy of the stored session, nil when empty.
func (m *MemoryCache) Cached() *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	copied := *m.sess
	return &copied
}

// StubStrategy is a scriptable Strategy for tests.
type StubStrategy struct {
	StrategyName string
	Record       *domain.AccountRecord
	Err          error
	Calls        int
}

var _ Strategy = (*StubStrategy)(nil)

func (s *StubStrategy) Name() string { return s.StrategyName }

func (s *StubStrategy) Reconcile(ctx context.Context, ident domain.Identity, accessToken string) (*domain.AccountRecord, error) {
	s.Calls++
	return s.Record, s.Err
}
