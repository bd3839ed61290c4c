// Package pisdk defines the Pi wallet SDK surface and the adapter the rest
// of the system talks to.
package pisdk

import (
	"context"
	"errors"
)

// Errors reported by the SDK layer.
var (
	ErrUnavailable     = errors.New("pi sdk unavailable")
	ErrAdsNotSupported = errors.New("ad network not supported")
)

// InitConfig configures SDK initialization.
type InitConfig struct {
	Version string
	Sandbox bool
}

// User is the wallet-side view of the authenticated user.
type User struct {
	UID           string `json:"uid"`
	Username      string `json:"username"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// AuthResult is returned by a successful Authenticate call.
type AuthResult struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
}

// PaymentData describes a payment to be created.
type PaymentData struct {
	Amount   float64                `json:"amount"`
	Memo     string                 `json:"memo"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Payment is an in-flight payment replayed by the wallet, e.g. through the
// incomplete-payment callback at sign-in.
type Payment struct {
	Identifier string                 `json:"identifier"`
	Amount     float64                `json:"amount"`
	Memo       string                 `json:"memo"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	TxID       string                 `json:"txid,omitempty"`
}

// PaymentCallbacks receives the lifecycle events of a single payment. The
// wallet invokes them strictly in protocol order.
type PaymentCallbacks struct {
	OnReadyForServerApproval   func(paymentID string)
	OnReadyForServerCompletion func(paymentID, txid string)
	OnCancel                   func(paymentID string)
	OnError                    func(err error, payment *Payment)
}

// AdKind selects the ad format.
type AdKind string

const (
	AdInterstitial AdKind = "interstitial"
	AdRewarded     AdKind = "rewarded"
)

// Ad display results reported by the wallet.
const (
	AdResultClosed          = "AD_CLOSED"
	AdResultRewarded        = "AD_REWARDED"
	AdResultDisplayError    = "AD_DISPLAY_ERROR"
	AdResultNetworkError    = "AD_NETWORK_ERROR"
	AdResultNotAvailable    = "ADS_NOT_AVAILABLE"
	AdResultNotSupported    = "ADS_NOT_SUPPORTED"
	AdResultUnauthenticated = "USER_UNAUTHENTICATED"
)

// AdResponse is the outcome of showing an ad.
type AdResponse struct {
	Kind   AdKind `json:"type"`
	Result string `json:"result"`
	AdID   string `json:"adId,omitempty"`
}

// SDK is the wallet bridge. Implementations wrap whatever host exposes the
// Pi SDK; tests use the scripted fake in testing.go.
type SDK interface {
	Init(ctx context.Context, cfg InitConfig) error
	Authenticate(ctx context.Context, scopes []string, onIncompletePayment func(Payment)) (AuthResult, error)
	CreatePayment(ctx context.Context, data PaymentData, callbacks PaymentCallbacks) error
	NativeFeaturesList(ctx context.Context) ([]string, error)
	ShowAd(ctx context.Context, kind AdKind) (AdResponse, error)
	IsAdReady(ctx context.Context, kind AdKind) (bool, error)
	OpenShareDialog(title, message string) error
}
