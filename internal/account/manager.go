// Package account manages the accounts owned by a Pi identity: listing,
// creation, switching, deletion and wallet token balances.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/playdroplink/pi-gateway/internal/domain"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

// Errors reported by the manager.
var (
	ErrNotAuthenticated     = errors.New("account operation requires an authenticated session")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrInsufficientPayment  = errors.New("insufficient payment for additional account")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrMultiAccountDisabled = errors.New("multiple accounts are disabled")
	ErrAdNotRewarded        = errors.New("ad reward not granted")
)

const minHandleLength = 3

// CreateRequest is the backend payload for account creation.
type CreateRequest struct {
	PiUserID      string  `json:"pi_user_id"`
	Username      string  `json:"username"`
	DisplayName   string  `json:"business_name,omitempty"`
	WalletAddress string  `json:"wallet_address,omitempty"`
	PaymentAmount float64 `json:"payment_amount,omitempty"`
}

// Backend is the typed gateway surface the manager drives.
type Backend interface {
	ListAccounts(ctx context.Context, piUserID string) ([]domain.AccountRecord, error)
	CreateAccount(ctx context.Context, req CreateRequest) (domain.AccountRecord, error)
	SwitchAccount(ctx context.Context, piUserID, username string) error
	DeleteAccount(ctx context.Context, accountID string) error
	DistributeTokens(ctx context.Context, recipient string, amount float64, adIDs []string) error
	VerifyAd(ctx context.Context, adID string) (bool, error)
}

// Ledger resolves wallet token balances.
type Ledger interface {
	TokenBalance(ctx context.Context, address, assetCode string) (domain.TokenBalance, error)
}

// SessionSource exposes the active session.
type SessionSource interface {
	Session() (domain.Session, bool)
}

// Reauth runs one interactive sign-in round-trip, used to recover the acting
// account when the session got lost mid-flow.
type Reauth interface {
	SignIn(ctx context.Context, scopes []string) (domain.Session, error)
}

// Policy gates account creation.
type Policy struct {
	AllowMultiple bool
	// AdditionalAccountPrice is the Pi amount charged for accounts beyond
	// the first.
	AdditionalAccountPrice float64
}

// Manager owns the account list and the active account for the signed-in
// identity.
type Manager struct {
	sessions  SessionSource
	reauth    Reauth
	backend   Backend
	ledger    Ledger
	policy    Policy
	assetCode string
	log       *logger.Logger

	mu         sync.RWMutex
	accounts   []domain.AccountRecord
	current    *domain.AccountRecord
	grantedAds map[string]bool
	onSwitch   []func(domain.AccountRecord)
}

// NewManager creates an account manager. assetCode names the distribution
// token, e.g. "DROP".
func NewManager(sessions SessionSource, reauth Reauth, backend Backend, ledger Ledger, policy Policy, assetCode string, log *logger.Logger) *Manager {
	return &Manager{
		sessions:   sessions,
		reauth:     reauth,
		backend:    backend,
		ledger:     ledger,
		policy:     policy,
		assetCode:  assetCode,
		log:        log,
		grantedAds: make(map[string]bool),
	}
}

// OnSwitch registers a hook invoked after a successful account switch.
func (m *Manager) OnSwitch(fn func(domain.AccountRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSwitch = append(m.onSwitch, fn)
}

// Reset drops all per-identity state. Wired to sign-out.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = nil
	m.current = nil
	m.grantedAds = make(map[string]bool)
}

// LoadAccounts fetches all accounts of the signed-in identity and selects
// the active one: the explicit primary, else the first.
func (m *Manager) LoadAccounts(ctx context.Context) ([]domain.AccountRecord, error) {
	sess, ok := m.sessions.Session()
	if !ok {
		return nil, ErrNotAuthenticated
	}

	accounts, err := m.backend.ListAccounts(ctx, sess.Identity.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	m.mu.Lock()
	m.accounts = accounts
	if m.current == nil && len(accounts) > 0 {
		primary := pickPrimary(accounts)
		m.current = &primary
	}
	m.mu.Unlock()

	m.log.WithField("count", len(accounts)).Info("accounts loaded")
	return append([]domain.AccountRecord(nil), accounts...), nil
}

func pickPrimary(accounts []domain.AccountRecord) domain.AccountRecord {
	for _, a := range accounts {
		if a.IsPrimary {
			return a
		}
	}
	return accounts[0]
}

// CreateAccount creates an account with the given handle. Accounts beyond
// the first are policy-gated and priced.
func (m *Manager) CreateAccount(ctx context.Context, handle, displayName string) (domain.AccountRecord, error) {
	sess, ok := m.sessions.Session()
	if !ok {
		return domain.AccountRecord{}, ErrNotAuthenticated
	}
	if len(strings.TrimSpace(handle)) < minHandleLength {
		return domain.AccountRecord{}, fmt.Errorf("%w: at least %d characters", ErrInvalidUsername, minHandleLength)
	}

	m.mu.RLock()
	additional := len(m.accounts) > 0
	m.mu.RUnlock()

	if additional && !m.policy.AllowMultiple {
		return domain.AccountRecord{}, ErrMultiAccountDisabled
	}

	req := CreateRequest{
		PiUserID:      sess.Identity.ExternalID,
		Username:      handle,
		DisplayName:   displayName,
		WalletAddress: sess.Identity.WalletAddress,
	}
	if additional {
		req.PaymentAmount = m.policy.AdditionalAccountPrice
	}

	rec, err := m.backend.CreateAccount(ctx, req)
	if err != nil {
		return domain.AccountRecord{}, mapCreateError(err)
	}

	m.mu.Lock()
	m.accounts = append(m.accounts, rec)
	if m.current == nil {
		m.current = &rec
	}
	m.mu.Unlock()

	m.log.WithField("account_id", rec.ID).WithField("username", rec.Username).Info("account created")
	return rec, nil
}

// mapCreateError translates backend rejection texts into sentinel errors.
func mapCreateError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "username_exists") || strings.Contains(msg, "already taken") || strings.Contains(msg, "duplicate key"):
		return fmt.Errorf("%w: %v", ErrUsernameTaken, err)
	case strings.Contains(msg, "insufficient_payment") || strings.Contains(msg, "payment required"):
		return fmt.Errorf("%w: %v", ErrInsufficientPayment, err)
	case strings.Contains(msg, "invalid_username") || strings.Contains(msg, "invalid username"):
		return fmt.Errorf("%w: %v", ErrInvalidUsername, err)
	default:
		return fmt.Errorf("create account: %w", err)
	}
}

// SwitchAccount activates another account. A backend rejection is logged and
// the previous account stays active.
func (m *Manager) SwitchAccount(ctx context.Context, rec domain.AccountRecord) {
	sess, ok := m.sessions.Session()
	if !ok {
		m.log.Warn("account switch without session ignored")
		return
	}

	if err := m.backend.SwitchAccount(ctx, sess.Identity.ExternalID, rec.Username); err != nil {
		m.log.WithError(err).WithField("username", rec.Username).Warn("account switch rejected, keeping previous account")
		return
	}

	m.mu.Lock()
	m.current = &rec
	hooks := append([]func(domain.AccountRecord){}, m.onSwitch...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(rec)
	}
	m.log.WithField("account_id", rec.ID).Info("account switched")
}

// DeleteAccount removes an account and its dependent records. When the
// active account is deleted, the primary of the remainder takes over.
func (m *Manager) DeleteAccount(ctx context.Context, accountID string) error {
	if _, ok := m.sessions.Session(); !ok {
		return ErrNotAuthenticated
	}
	if err := m.backend.DeleteAccount(ctx, accountID); err != nil {
		return fmt.Errorf("delete account %s: %w", accountID, err)
	}

	m.mu.Lock()
	kept := m.accounts[:0]
	for _, a := range m.accounts {
		if a.ID != accountID {
			kept = append(kept, a)
		}
	}
	m.accounts = kept
	if m.current != nil && m.current.ID == accountID {
		if len(kept) > 0 {
			primary := pickPrimary(kept)
			m.current = &primary
		} else {
			m.current = nil
		}
	}
	m.mu.Unlock()

	m.log.WithField("account_id", accountID).Info("account deleted")
	return nil
}

// CurrentAccount returns a copy of the active account.
func (m *Manager) CurrentAccount() (domain.AccountRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return domain.AccountRecord{}, false
	}
	return *m.current, true
}

// Accounts returns a copy of the loaded account list.
func (m *Manager) Accounts() []domain.AccountRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.AccountRecord(nil), m.accounts...)
}

// RecoverAccount resolves the acting account when none is active: one
// re-authentication round-trip, then a fresh account lookup.
func (m *Manager) RecoverAccount(ctx context.Context) (domain.AccountRecord, error) {
	if rec, ok := m.CurrentAccount(); ok {
		return rec, nil
	}
	if _, ok := m.sessions.Session(); !ok {
		if _, err := m.reauth.SignIn(ctx, nil); err != nil {
			return domain.AccountRecord{}, fmt.Errorf("recover account: %w", err)
		}
	}
	accounts, err := m.LoadAccounts(ctx)
	if err != nil {
		return domain.AccountRecord{}, fmt.Errorf("recover account: %w", err)
	}
	if len(accounts) == 0 {
		return domain.AccountRecord{}, fmt.Errorf("recover account: identity owns no accounts")
	}
	return pickPrimary(accounts), nil
}

// GetTokenBalance reads the distribution token balance of a wallet. An empty
// address means the signed-in wallet. Ledger failures degrade to a zero
// balance so balance widgets never break the caller.
func (m *Manager) GetTokenBalance(ctx context.Context, address string) (domain.TokenBalance, error) {
	if address == "" {
		sess, ok := m.sessions.Session()
		if !ok {
			return domain.TokenBalance{}, ErrNotAuthenticated
		}
		address = sess.Identity.WalletAddress
	}
	zero := domain.TokenBalance{WalletAddress: address, AssetCode: m.assetCode, Balance: "0"}
	if address == "" {
		return zero, nil
	}

	bal, err := m.ledger.TokenBalance(ctx, address, m.assetCode)
	if err != nil {
		m.log.WithError(err).WithField("wallet", address).Warn("token balance lookup failed, reporting zero")
		return zero, nil
	}
	return bal, nil
}

// RequestTokens asks the distributor to send tokens to the signed-in wallet.
// The new balance becomes visible once the transfer lands; callers re-query.
func (m *Manager) RequestTokens(ctx context.Context, amount float64, adIDs []string) error {
	sess, ok := m.sessions.Session()
	if !ok {
		return ErrNotAuthenticated
	}
	if sess.Identity.WalletAddress == "" {
		return fmt.Errorf("request tokens: session has no wallet address")
	}

	fresh := m.filterGrantedAds(adIDs)
	if len(adIDs) > 0 && len(fresh) == 0 {
		m.log.Info("all ad rewards already redeemed")
		return nil
	}

	if err := m.backend.DistributeTokens(ctx, sess.Identity.WalletAddress, amount, fresh); err != nil {
		return fmt.Errorf("request tokens: %w", err)
	}
	m.markGranted(fresh)
	m.log.WithField("amount", amount).WithField("wallet", sess.Identity.WalletAddress).Info("token distribution requested")
	return nil
}

// RedeemAdReward verifies a rewarded-ad claim and requests its token grant.
func (m *Manager) RedeemAdReward(ctx context.Context, adID string, amount float64) error {
	if _, ok := m.sessions.Session(); !ok {
		return ErrNotAuthenticated
	}
	m.mu.RLock()
	granted := m.grantedAds[adID]
	m.mu.RUnlock()
	if granted {
		return nil
	}

	rewarded, err := m.backend.VerifyAd(ctx, adID)
	if err != nil {
		return fmt.Errorf("redeem ad %s: %w", adID, err)
	}
	if !rewarded {
		return fmt.Errorf("%w: %s", ErrAdNotRewarded, adID)
	}
	return m.RequestTokens(ctx, amount, []string{adID})
}

func (m *Manager) filterGrantedAds(adIDs []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var fresh []string
	for _, id := range adIDs {
		if !m.grantedAds[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh
}

func (m *Manager) markGranted(adIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range adIDs {
		m.grantedAds[id] = true
	}
}
