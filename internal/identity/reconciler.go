// Package identity signs users in through the Pi wallet, verifies their
// access tokens and reconciles them to application accounts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playdroplink/pi-gateway/internal/domain"
	"github.com/playdroplink/pi-gateway/internal/piapi"
	"github.com/playdroplink/pi-gateway/internal/pisdk"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

// Errors reported by the reconciler.
var (
	ErrSDKUnavailable     = errors.New("wallet sdk unavailable")
	ErrAuthRejected       = errors.New("wallet authentication rejected")
	ErrVerificationFailed = errors.New("access token verification failed")
)

// Verifier proves an access token against the Pi platform.
type Verifier interface {
	Me(ctx context.Context, accessToken string) (piapi.UserInfo, error)
}

// SessionCache persists the session across restarts. Load returns (nil, nil)
// when no session is cached.
type SessionCache interface {
	Load(ctx context.Context) (*domain.Session, error)
	Store(ctx context.Context, sess domain.Session) error
	Clear(ctx context.Context) error
}

// Reconciler owns the session and the current account record. All writes go
// through it; readers get copies.
type Reconciler struct {
	adapter    *pisdk.Adapter
	verifier   Verifier
	cache      SessionCache
	strategies []Strategy
	log        *logger.Logger

	onIncomplete func(pisdk.Payment)

	mu         sync.RWMutex
	session    *domain.Session
	account    *domain.AccountRecord
	resetHooks []func()
}

// NewReconciler creates a reconciler with the ordered strategy chain.
func NewReconciler(adapter *pisdk.Adapter, verifier Verifier, cache SessionCache, strategies []Strategy, log *logger.Logger) *Reconciler {
	return &Reconciler{
		adapter:    adapter,
		verifier:   verifier,
		cache:      cache,
		strategies: strategies,
		log:        log,
	}
}

// SetIncompletePaymentHandler installs the handler for payments the wallet
// replays at sign-in. The replay itself is informational; sign-in never
// fails because of it.
func (r *Reconciler) SetIncompletePaymentHandler(fn func(pisdk.Payment)) {
	r.onIncomplete = fn
}

// OnReset registers a hook invoked on sign-out.
func (r *Reconciler) OnReset(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetHooks = append(r.resetHooks, fn)
}

func (r *Reconciler) handleIncompletePayment(p pisdk.Payment) {
	r.log.WithField("payment_id", p.Identifier).WithField("txid", p.TxID).
		Info("wallet replayed incomplete payment")
	if r.onIncomplete != nil {
		r.onIncomplete(p)
	}
}

// SignIn authenticates with the wallet, verifies the token and reconciles
// the identity to an account through the strategy chain.
func (r *Reconciler) SignIn(ctx context.Context, scopes []string) (domain.Session, error) {
	result, err := r.adapter.Authenticate(ctx, scopes, r.handleIncompletePayment)
	if err != nil {
		if errors.Is(err, pisdk.ErrUnavailable) {
			return domain.Session{}, fmt.Errorf("%w: %v", ErrSDKUnavailable, err)
		}
		return domain.Session{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	info, err := r.verifier.Me(ctx, result.AccessToken)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	ident := domain.Identity{
		ExternalID:    info.UID,
		Handle:        info.Username,
		WalletAddress: info.Wallet,
	}
	if ident.WalletAddress == "" {
		ident.WalletAddress = result.User.WalletAddress
	}

	rec, err := r.reconcile(ctx, ident, result.AccessToken)
	if err != nil {
		return domain.Session{}, err
	}

	sess := domain.Session{
		Identity:    ident,
		AccessToken: result.AccessToken,
		IssuedAt:    time.Now().UTC(),
	}
	r.adopt(sess, rec)

	if err := r.cache.Store(ctx, sess); err != nil {
		r.log.WithError(err).Warn("session cache write failed")
	}
	return sess, nil
}

// reconcile walks the strategy chain. Errors from non-final strategies are
// logged and swallowed; an error from the final one surfaces.
func (r *Reconciler) reconcile(ctx context.Context, ident domain.Identity, accessToken string) (*domain.AccountRecord, error) {
	for i, s := range r.strategies {
		rec, err := s.Reconcile(ctx, ident, accessToken)
		if err != nil {
			if i == len(r.strategies)-1 {
				return nil, fmt.Errorf("reconcile identity (%s): %w", s.Name(), err)
			}
			r.log.WithError(err).WithField("strategy", s.Name()).
				Warn("reconcile strategy failed, trying next")
			continue
		}
		if rec != nil {
			r.log.WithField("strategy", s.Name()).WithField("account_id", rec.ID).
				Info("identity reconciled")
			return rec, nil
		}
	}
	return nil, fmt.Errorf("reconcile identity: no strategy produced an account for %s", ident.ExternalID)
}

func (r *Reconciler) adopt(sess domain.Session, rec *domain.AccountRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = &sess
	r.account = rec
}

// SignOut clears the cached session and all derived state. Cache errors are
// logged, never surfaced.
func (r *Reconciler) SignOut(ctx context.Context) {
	if err := r.cache.Clear(ctx); err != nil {
		r.log.WithError(err).Warn("session cache clear failed")
	}
	r.mu.Lock()
	r.session = nil
	r.account = nil
	hooks := append([]func(){}, r.resetHooks...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	r.log.Info("signed out")
}

// Resume restores the cached session at startup, re-verifying its token.
// It returns (nil, nil) when no session is cached. A rejected token clears
// the cache and reports ErrVerificationFailed so the caller falls back to
// interactive sign-in.
func (r *Reconciler) Resume(ctx context.Context) (*domain.Session, error) {
	cached, err := r.cache.Load(ctx)
	if err != nil {
		r.log.WithError(err).Warn("session cache read failed")
		return nil, nil
	}
	if cached == nil {
		return nil, nil
	}

	info, err := r.verifier.Me(ctx, cached.AccessToken)
	if err != nil {
		if clearErr := r.cache.Clear(ctx); clearErr != nil {
			r.log.WithError(clearErr).Warn("session cache clear failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	// Freshly verified fields win over the cached copy.
	ident := domain.Identity{
		ExternalID:    info.UID,
		Handle:        info.Username,
		WalletAddress: info.Wallet,
	}
	if ident.WalletAddress == "" {
		ident.WalletAddress = cached.Identity.WalletAddress
	}

	sess := domain.Session{
		Identity:    ident,
		AccessToken: cached.AccessToken,
		IssuedAt:    cached.IssuedAt,
	}
	r.adopt(sess, nil)

	if err := r.cache.Store(ctx, sess); err != nil {
		r.log.WithError(err).Warn("session cache write failed")
	}
	return &sess, nil
}

// Session returns a copy of the active session.
func (r *Reconciler) Session() (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return domain.Session{}, false
	}
	return *r.session, true
}

// CurrentAccount returns a copy of the reconciled account record.
func (r *Reconciler) CurrentAccount() (domain.AccountRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.account == nil {
		return domain.AccountRecord{}, false
	}
	return *r.account, true
}

// SetCurrentAccount replaces the reconciled account record, e.g. after an
// account switch.
func (r *Reconciler) SetCurrentAccount(rec domain.AccountRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.account = &rec
}
