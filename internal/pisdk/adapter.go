package pisdk

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/playdroplink/pi-gateway/pkg/logger"
)

// Adapter wraps an SDK with lazy one-time initialization, availability
// tracking, ad-network detection and a scope-downgrade retry on
// authentication. It owns no session state.
type Adapter struct {
	sdk     SDK
	version string
	sandbox bool
	log     *logger.Logger

	mu          sync.Mutex
	initialized bool
	initErr     error
	adNetwork   bool
}

// NewAdapter creates an adapter over sdk. Initialization is deferred to the
// first call that needs the wallet.
func NewAdapter(sdk SDK, version string, sandbox bool, log *logger.Logger) *Adapter {
	if version == "" {
		version = "2.0"
	}
	return &Adapter{sdk: sdk, version: version, sandbox: sandbox, log: log}
}

// EnsureInit initializes the SDK once. A failed init is remembered and
// reported as ErrUnavailable on every subsequent call.
func (a *Adapter) EnsureInit(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return a.initErr
	}
	a.initialized = true

	if err := a.sdk.Init(ctx, InitConfig{Version: a.version, Sandbox: a.sandbox}); err != nil {
		a.initErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		a.log.WithError(err).Warn("pi sdk init failed")
		return a.initErr
	}
	a.detectAdNetwork(ctx)
	a.log.WithField("sandbox", a.sandbox).Info("pi sdk initialized")
	return nil
}

// detectAdNetwork probes nativeFeaturesList, falling back to the ad API.
// Failures leave ad support off; they never fail initialization.
func (a *Adapter) detectAdNetwork(ctx context.Context) {
	features, err := a.sdk.NativeFeaturesList(ctx)
	if err == nil {
		for _, f := range features {
			if f == "ad_network" {
				a.adNetwork = true
				return
			}
		}
		return
	}
	if _, probeErr := a.sdk.IsAdReady(ctx, AdInterstitial); probeErr == nil {
		a.adNetwork = true
		return
	}
	a.log.WithError(err).Debug("ad network detection failed")
}

// AdNetworkSupported reports whether the wallet exposes the ad network.
// Meaningful only after a successful EnsureInit.
func (a *Adapter) AdNetworkSupported() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adNetwork
}

// Authenticate authenticates with the requested scopes. When the wallet
// rejects the scope set with a permission-shaped error, it retries once with
// the username scope only.
func (a *Adapter) Authenticate(ctx context.Context, scopes []string, onIncompletePayment func(Payment)) (AuthResult, error) {
	if err := a.EnsureInit(ctx); err != nil {
		return AuthResult{}, err
	}
	if len(scopes) == 0 {
		scopes = []string{"username", "payments", "wallet_address"}
	}

	result, err := a.sdk.Authenticate(ctx, scopes, onIncompletePayment)
	if err == nil {
		return result, nil
	}
	if len(scopes) > 1 && isScopeError(err) {
		a.log.WithError(err).Warn("authentication rejected, retrying with username scope only")
		return a.sdk.Authenticate(ctx, []string{"username"}, onIncompletePayment)
	}
	return AuthResult{}, err
}

func isScopeError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "scope") ||
		strings.Contains(msg, "permission") ||
		strings.Contains(msg, "payments")
}

// CreatePayment starts a payment flow. Lifecycle events arrive through the
// callbacks.
func (a *Adapter) CreatePayment(ctx context.Context, data PaymentData, callbacks PaymentCallbacks) error {
	if err := a.EnsureInit(ctx); err != nil {
		return err
	}
	return a.sdk.CreatePayment(ctx, data, callbacks)
}

// ShowAd displays an ad of the given kind.
func (a *Adapter) ShowAd(ctx context.Context, kind AdKind) (AdResponse, error) {
	if err := a.EnsureInit(ctx); err != nil {
		return AdResponse{}, err
	}
	if !a.AdNetworkSupported() {
		return AdResponse{Kind: kind, Result: AdResultNotSupported}, ErrAdsNotSupported
	}
	return a.sdk.ShowAd(ctx, kind)
}

// IsAdReady reports whether an ad of the given kind is loaded.
func (a *Adapter) IsAdReady(ctx context.Context, kind AdKind) (bool, error) {
	if err := a.EnsureInit(ctx); err != nil {
		return false, err
	}
	if !a.AdNetworkSupported() {
		return false, ErrAdsNotSupported
	}
	return a.sdk.IsAdReady(ctx, kind)
}

// OpenShareDialog opens the wallet share dialog.
func (a *Adapter) OpenShareDialog(ctx context.Context, title, message string) error {
	if err := a.EnsureInit(ctx); err != nil {
		return err
	}
	return a.sdk.OpenShareDialog(title, message)
}
