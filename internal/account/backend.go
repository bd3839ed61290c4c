package account

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/playdroplink/pi-gateway/internal/backend"
	"github.com/playdroplink/pi-gateway/internal/domain"
)

// GatewayBackend adapts the raw gateway client to the typed Backend surface.
type GatewayBackend struct {
	client *backend.Client
}

var _ Backend = (*GatewayBackend)(nil)

// NewGatewayBackend wraps a gateway client.
func NewGatewayBackend(client *backend.Client) *GatewayBackend {
	return &GatewayBackend{client: client}
}

func (g *GatewayBackend) ListAccounts(ctx context.Context, piUserID string) ([]domain.AccountRecord, error) {
	raw, err := g.client.ListAccounts(ctx, piUserID)
	if err != nil {
		return nil, err
	}
	// The list may arrive at the root or under "accounts".
	payload := raw
	if nested := gjson.GetBytes(raw, "accounts"); nested.Exists() {
		payload = json.RawMessage(nested.Raw)
	}
	var accounts []domain.AccountRecord
	if err := json.Unmarshal(payload, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

func (g *GatewayBackend) CreateAccount(ctx context.Context, req CreateRequest) (domain.AccountRecord, error) {
	raw, err := g.client.CreateAccount(ctx, req)
	if err != nil {
		return domain.AccountRecord{}, err
	}
	payload := raw
	if nested := gjson.GetBytes(raw, "account"); nested.Exists() {
		payload = json.RawMessage(nested.Raw)
	}
	var rec domain.AccountRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return domain.AccountRecord{}, fmt.Errorf("decode account: %w", err)
	}
	return rec, nil
}

func (g *GatewayBackend) SwitchAccount(ctx context.Context, piUserID, username string) error {
	return g.client.SwitchAccount(ctx, piUserID, username)
}

func (g *GatewayBackend) DeleteAccount(ctx context.Context, accountID string) error {
	return g.client.DeleteAccount(ctx, accountID)
}

func (g *GatewayBackend) DistributeTokens(ctx context.Context, recipient string, amount float64, adIDs []string) error {
	return g.client.DistributeTokens(ctx, recipient, amount, adIDs)
}

func (g *GatewayBackend) VerifyAd(ctx context.Context, adID string) (bool, error) {
	return g.client.VerifyAd(ctx, adID)
}
