package account

import (
	"context"
	"sync"

	"github.com/playdroplink/pi-gateway/internal/domain"
)

// FakeBackend is a scriptable Backend for tests.
type FakeBackend struct {
	mu sync.Mutex

	Accounts  []domain.AccountRecord
	Created   domain.AccountRecord
	CreateErr error
	ListErr   error
	SwitchErr error
	DeleteErr error
	DistErr   error
	Rewarded  map[string]bool

	Switches      []string
	Deletes       []string
	Distributions []float64
	DistributedTo []string
	VerifiedAds   []string
}

var _ Backend = (*FakeBackend)(nil)

func (f *FakeBackend) ListAccounts(ctx context.Context, piUserID string) ([]domain.AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]domain.AccountRecord(nil), f.Accounts...), nil
}

func (f *FakeBackend) CreateAccount(ctx context.Context, req CreateRequest) (domain.AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return domain.AccountRecord{}, f.CreateErr
	}
	rec := f.Created
	if rec.ID == "" {
		rec = domain.AccountRecord{ID: "acc-created", PiUserID: req.PiUserID, Username: req.Username, DisplayName: req.DisplayName}
	}
	f.Accounts = append(f.Accounts, rec)
	return rec, nil
}

func (f *FakeBackend) SwitchAccount(ctx context.Context, piUserID, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SwitchErr != nil {
		return f.SwitchErr
	}
	f.Switches = append(f.Switches, username)
	return nil
}

func (f *FakeBackend) DeleteAccount(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.Deletes = append(f.Deletes, accountID)
	return nil
}

func (f *FakeBackend) DistributeTokens(ctx context.Context, recipient string, amount float64, adIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DistErr != nil {
		return f.DistErr
	}
	f.Distributions = append(f.Distributions, amount)
	f.DistributedTo = append(f.DistributedTo, recipient)
	return nil
}

func (f *FakeBackend) VerifyAd(ctx context.Context, adID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.VerifiedAds = append(f.VerifiedAds, adID)
	return f.Rewarded[adID], nil
}

// FakeLedger is a scriptable Ledger for tests.
type FakeLedger struct {
	Balances map[string]domain.TokenBalance
	Err      error
}

var _ Ledger = (*FakeLedger)(nil)

func (f *FakeLedger) TokenBalance(ctx context.Context, address, assetCode string) (domain.TokenBalance, error) {
	if f.Err != nil {
		return domain.TokenBalance{}, f.Err
	}
	if bal, ok := f.Balances[address]; ok {
		return bal, nil
	}
	return domain.TokenBalance{WalletAddress: address, AssetCode: assetCode, Balance: "0"}, nil
}

// StaticSession is a fixed SessionSource for tests.
type StaticSession struct {
	Sess   domain.Session
	Active bool
}

var _ SessionSource = (*StaticSession)(nil)

func (s *StaticSession) Session() (domain.Session, bool) {
	if !s.Active {
		return domain.Session{}, false
	}
	return s.Sess, true
}

// StubReauth is a scriptable Reauth for tests.
type StubReauth struct {
	Sess    domain.Session
	Err     error
	SignIns int
}

var _ Reauth = (*StubReauth)(nil)

func (s *StubReauth) SignIn(ctx context.Context, scopes []string) (domain.Session, error) {
	s.SignIns++
	if s.Err != nil {
		return domain.Session{}, s.Err
	}
	return s.Sess, nil
}
