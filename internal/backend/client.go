// Package backend is the orchestrator's client for the gateway REST API.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/playdroplink/pi-gateway/internal/httputil"
)

// Client calls the gateway endpoints. Raw JSON is returned where the caller
// normalizes duck-typed response shapes itself.
type Client struct {
	http        *httputil.Client
	distributor *rate.Limiter
}

// Config configures the gateway client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// DistributeEvery throttles token distribution requests; zero applies
	// the default of one request per 30 seconds.
	DistributeEvery time.Duration
}

// NewClient creates a gateway client.
func NewClient(cfg Config) *Client {
	every := cfg.DistributeEvery
	if every == 0 {
		every = 30 * time.Second
	}
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}),
		distributor: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (c *Client) postRaw(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	resp, err := c.http.Post(ctx, path, body, nil)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := httputil.DecodeResponse(resp, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// AuthenticatePi runs the authenticate-or-register quick path for a verified
// Pi access token.
func (c *Client) AuthenticatePi(ctx context.Context, accessToken string) (json.RawMessage, error) {
	raw, err := c.postRaw(ctx, "/v1/auth/pi", map[string]string{"access_token": accessToken})
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return raw, nil
}

// SyncAuth registers the identity/session mapping durably.
func (c *Client) SyncAuth(ctx context.Context, payload interface{}) (json.RawMessage, error) {
	raw, err := c.postRaw(ctx, "/v1/auth/sync", payload)
	if err != nil {
		return nil, fmt.Errorf("auth sync: %w", err)
	}
	return raw, nil
}

// ApprovePayment asks the gateway to approve a payment with the platform.
func (c *Client) ApprovePayment(ctx context.Context, paymentID string, metadata map[string]interface{}) error {
	body := map[string]interface{}{"metadata": metadata}
	if _, err := c.postRaw(ctx, "/v1/payments/"+paymentID+"/approve", body); err != nil {
		return fmt.Errorf("approve payment %s: %w", paymentID, err)
	}
	return nil
}

// CompletePayment asks the gateway to complete a payment with its txid.
func (c *Client) CompletePayment(ctx context.Context, paymentID, txid string, metadata map[string]interface{}) error {
	body := map[string]interface{}{"txid": txid, "metadata": metadata}
	if _, err := c.postRaw(ctx, "/v1/payments/"+paymentID+"/complete", body); err != nil {
		return fmt.Errorf("complete payment %s: %w", paymentID, err)
	}
	return nil
}

// ListAccounts returns all accounts owned by a Pi identity.
func (c *Client) ListAccounts(ctx context.Context, piUserID string) (json.RawMessage, error) {
	resp, err := c.http.Get(ctx, "/v1/accounts?pi_user_id="+piUserID, nil)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var raw json.RawMessage
	if err := httputil.DecodeResponse(resp, &raw); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return raw, nil
}

// CreateAccount creates a new account for an identity.
func (c *Client) CreateAccount(ctx context.Context, payload interface{}) (json.RawMessage, error) {
	raw, err := c.postRaw(ctx, "/v1/accounts", payload)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return raw, nil
}

// SwitchAccount activates another account of the same identity.
func (c *Client) SwitchAccount(ctx context.Context, piUserID, username string) error {
	body := map[string]string{"pi_user_id": piUserID, "username": username}
	if _, err := c.postRaw(ctx, "/v1/accounts/switch", body); err != nil {
		return fmt.Errorf("switch account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account and its dependent records.
func (c *Client) DeleteAccount(ctx context.Context, accountID string) error {
	resp, err := c.http.Delete(ctx, "/v1/accounts/"+accountID, nil)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", accountID, err)
	}
	if err := httputil.DecodeResponse(resp, nil); err != nil {
		return fmt.Errorf("delete account %s: %w", accountID, err)
	}
	return nil
}

// DistributeTokens requests a DROP distribution to a wallet. Calls are
// throttled client-side; the balance becomes visible once the distributor
// lands the transfer.
func (c *Client) DistributeTokens(ctx context.Context, recipient string, amount float64, adIDs []string) error {
	if err := c.distributor.Wait(ctx); err != nil {
		return fmt.Errorf("distribute tokens: %w", err)
	}
	body := map[string]interface{}{
		"recipient": recipient,
		"amount":    amount,
		"ad_ids":    adIDs,
	}
	if _, err := c.postRaw(ctx, "/v1/tokens/distribute", body); err != nil {
		return fmt.Errorf("distribute tokens: %w", err)
	}
	return nil
}

// VerifyAd checks a rewarded-ad claim before tokens are granted for it.
func (c *Client) VerifyAd(ctx context.Context, adID string) (bool, error) {
	raw, err := c.postRaw(ctx, "/v1/ads/verify", map[string]string{"ad_id": adID})
	if err != nil {
		return false, fmt.Errorf("verify ad %s: %w", adID, err)
	}
	var out struct {
		Rewarded bool `json:"rewarded"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("verify ad %s: %w", adID, err)
	}
	return out.Rewarded, nil
}
