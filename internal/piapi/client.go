// Package piapi is the client for the Pi platform API: access token
// verification and server-side payment approval/completion.
package piapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/playdroplink/pi-gateway/internal/httputil"
)

// ErrUnauthorized means the platform rejected the presented access token.
var ErrUnauthorized = errors.New("pi platform rejected access token")

// UserInfo is the /me projection of a verified token.
type UserInfo struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
	Wallet   string `json:"wallet_address"`
}

// PaymentStatus tracks the platform-side flags of a payment.
type PaymentStatus struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

// PaymentTransaction is the on-ledger transaction of a payment, present once
// the user has signed.
type PaymentTransaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
}

// Payment is the platform's view of a payment.
type Payment struct {
	Identifier  string                 `json:"identifier"`
	UserUID     string                 `json:"user_uid"`
	Amount      float64                `json:"amount"`
	Memo        string                 `json:"memo"`
	Metadata    map[string]interface{} `json:"metadata"`
	Status      PaymentStatus          `json:"status"`
	Transaction *PaymentTransaction    `json:"transaction,omitempty"`
}

// Client talks to the Pi platform API.
type Client struct {
	http    *httputil.Client
	version string
	apiKey  string
}

// Config configures the platform client.
type Config struct {
	BaseURL string
	Version string
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a platform API client.
func NewClient(cfg Config) *Client {
	version := cfg.Version
	if version == "" {
		version = "v2"
	}
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}),
		version: version,
		apiKey:  cfg.APIKey,
	}
}

// Me verifies an access token and returns the user it belongs to.
// A 401 from the platform maps to ErrUnauthorized.
func (c *Client) Me(ctx context.Context, accessToken string) (UserInfo, error) {
	resp, err := c.http.Get(ctx, "/"+c.version+"/me", map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	if err != nil {
		return UserInfo{}, fmt.Errorf("verify token: %w", err)
	}
	var info UserInfo
	if err := httputil.DecodeResponse(resp, &info); err != nil {
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			return UserInfo{}, ErrUnauthorized
		}
		return UserInfo{}, fmt.Errorf("verify token: %w", err)
	}
	if info.UID == "" {
		return UserInfo{}, fmt.Errorf("verify token: response missing uid")
	}
	return info, nil
}

// GetPayment fetches the platform state of a payment.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	resp, err := c.http.Get(ctx, c.paymentPath(paymentID, ""), c.keyAuth())
	if err != nil {
		return Payment{}, fmt.Errorf("get payment %s: %w", paymentID, err)
	}
	var p Payment
	if err := httputil.DecodeResponse(resp, &p); err != nil {
		return Payment{}, fmt.Errorf("get payment %s: %w", paymentID, err)
	}
	return p, nil
}

// ApprovePayment marks a payment as developer-approved.
func (c *Client) ApprovePayment(ctx context.Context, paymentID string) (Payment, error) {
	resp, err := c.http.Post(ctx, c.paymentPath(paymentID, "approve"), nil, c.keyAuth())
	if err != nil {
		return Payment{}, fmt.Errorf("approve payment %s: %w", paymentID, err)
	}
	var p Payment
	if err := httputil.DecodeResponse(resp, &p); err != nil {
		return Payment{}, fmt.Errorf("approve payment %s: %w", paymentID, err)
	}
	return p, nil
}

// CompletePayment marks a payment as developer-completed with its ledger txid.
func (c *Client) CompletePayment(ctx context.Context, paymentID, txid string) (Payment, error) {
	body := map[string]string{"txid": txid}
	resp, err := c.http.Post(ctx, c.paymentPath(paymentID, "complete"), body, c.keyAuth())
	if err != nil {
		return Payment{}, fmt.Errorf("complete payment %s: %w", paymentID, err)
	}
	var p Payment
	if err := httputil.DecodeResponse(resp, &p); err != nil {
		return Payment{}, fmt.Errorf("complete payment %s: %w", paymentID, err)
	}
	return p, nil
}

func (c *Client) paymentPath(paymentID, action string) string {
	path := "/" + c.version + "/payments/" + paymentID
	if action != "" {
		path += "/" + action
	}
	return path
}

func (c *Client) keyAuth() map[string]string {
	return map[string]string{"Authorization": "Key " + c.apiKey}
}
