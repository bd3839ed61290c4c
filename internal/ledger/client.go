// Package ledger reads wallet balances from the Pi blockchain API.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/playdroplink/pi-gateway/internal/domain"
	"github.com/playdroplink/pi-gateway/internal/httputil"
)

// ErrAccountNotFound means the wallet address has no ledger entry yet.
var ErrAccountNotFound = errors.New("ledger account not found")

// Balance is one asset line of a ledger account.
type Balance struct {
	AssetType   string `json:"asset_type"`
	AssetCode   string `json:"asset_code,omitempty"`
	AssetIssuer string `json:"asset_issuer,omitempty"`
	Balance     string `json:"balance"`
	Limit       string `json:"limit,omitempty"`
}

// AccountDetail is the ledger view of a wallet.
type AccountDetail struct {
	AccountID string    `json:"account_id"`
	Sequence  string    `json:"sequence"`
	Balances  []Balance `json:"balances"`
}

// FindAsset returns the balance line for an asset code; the native asset is
// addressed as "native".
func (a AccountDetail) FindAsset(code string) (Balance, bool) {
	for _, b := range a.Balances {
		if code == "native" && b.AssetType == "native" {
			return b, true
		}
		if b.AssetCode == code {
			return b, true
		}
	}
	return Balance{}, false
}

// Client reads the horizon-style ledger REST API.
type Client struct {
	http *httputil.Client
}

// NewClient creates a ledger client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{
			BaseURL: baseURL,
			Timeout: timeout,
		}),
	}
}

// Account fetches the ledger entry of a wallet address.
func (c *Client) Account(ctx context.Context, address string) (AccountDetail, error) {
	resp, err := c.http.Get(ctx, "/accounts/"+address, nil)
	if err != nil {
		return AccountDetail{}, fmt.Errorf("ledger account %s: %w", address, err)
	}
	var detail AccountDetail
	if err := httputil.DecodeResponse(resp, &detail); err != nil {
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return AccountDetail{}, ErrAccountNotFound
		}
		return AccountDetail{}, fmt.Errorf("ledger account %s: %w", address, err)
	}
	return detail, nil
}

// TokenBalance resolves the balance of one asset for a wallet. A missing
// account or absent trustline yields a zero balance, not an error.
func (c *Client) TokenBalance(ctx context.Context, address, assetCode string) (domain.TokenBalance, error) {
	zero := domain.TokenBalance{
		WalletAddress: address,
		AssetCode:     assetCode,
		Balance:       "0",
		HasTrustline:  false,
	}

	detail, err := c.Account(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return zero, nil
	}
	if err != nil {
		return domain.TokenBalance{}, err
	}

	line, ok := detail.FindAsset(assetCode)
	if !ok {
		return zero, nil
	}
	return domain.TokenBalance{
		WalletAddress: address,
		AssetCode:     assetCode,
		Balance:       line.Balance,
		HasTrustline:  true,
	}, nil
}
