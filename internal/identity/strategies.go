package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/playdroplink/pi-gateway/internal/backend"
	"github.com/playdroplink/pi-gateway/internal/database"
	"github.com/playdroplink/pi-gateway/internal/domain"
)

const tableProfiles = "profiles"

// Strategy reconciles a verified identity to an application account record.
// A nil record with a nil error means "not resolved here, try the next one".
type Strategy interface {
	Name() string
	Reconcile(ctx context.Context, ident domain.Identity, accessToken string) (*domain.AccountRecord, error)
}

// profileRow is the Supabase projection of an account profile.
type profileRow struct {
	ID            string `json:"id,omitempty"`
	PiUserID      string `json:"pi_user_id"`
	Username      string `json:"username"`
	PiUsername    string `json:"pi_username,omitempty"`
	DisplayName   string `json:"business_name,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
	PlanType      string `json:"plan_type,omitempty"`
	Status        string `json:"status,omitempty"`
	IsPrimary     bool   `json:"is_primary,omitempty"`
}

func (p profileRow) record() *domain.AccountRecord {
	return &domain.AccountRecord{
		ID:            p.ID,
		PiUserID:      p.PiUserID,
		Username:      p.Username,
		DisplayName:   p.DisplayName,
		WalletAddress: p.WalletAddress,
		PlanType:      p.PlanType,
		Status:        p.Status,
		IsPrimary:     p.IsPrimary,
	}
}

// recordFromResponse normalizes the duck-typed JSON shapes the gateway RPCs
// return into a canonical account record. The profile may arrive at the
// root, under "profile", "account" or "data.profile".
func recordFromResponse(raw json.RawMessage) *domain.AccountRecord {
	root := gjson.ParseBytes(raw)
	node := root
	for _, path := range []string{"profile", "account", "data.profile"} {
		if candidate := root.Get(path); candidate.Exists() {
			node = candidate
			break
		}
	}
	id := node.Get("id").String()
	piUserID := firstString(node, "pi_user_id", "piUserId", "uid")
	if id == "" && piUserID == "" {
		return nil
	}
	return &domain.AccountRecord{
		ID:            id,
		PiUserID:      piUserID,
		Username:      firstString(node, "username", "handle"),
		DisplayName:   firstString(node, "business_name", "display_name"),
		WalletAddress: firstString(node, "wallet_address", "walletAddress"),
		PlanType:      node.Get("plan_type").String(),
		Status:        node.Get("status").String(),
		IsPrimary:     node.Get("is_primary").Bool(),
	}
}

func firstString(node gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := node.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// =============================================================================
// Strategy 1: gateway RPC authenticate-or-register
// =============================================================================

type rpcStrategy struct {
	backend *backend.Client
}

// NewRPCStrategy resolves the account through the gateway quick path.
func NewRPCStrategy(b *backend.Client) Strategy {
	return &rpcStrategy{backend: b}
}

func (s *rpcStrategy) Name() string { return "rpc-authenticate" }

func (s *rpcStrategy) Reconcile(ctx context.Context, ident domain.Identity, accessToken string) (*domain.AccountRecord, error) {
	raw, err := s.backend.AuthenticatePi(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !gjson.GetBytes(raw, "success").Bool() {
		return nil, nil
	}
	return recordFromResponse(raw), nil
}

// =============================================================================
// Strategy 2: durable auth-sync registration
// =============================================================================

type syncStrategy struct {
	backend *backend.Client
}

// NewSyncStrategy registers the identity/session mapping durably and adopts
// the account projection the gateway echoes back.
func NewSyncStrategy(b *backend.Client) Strategy {
	return &syncStrategy{backend: b}
}

func (s *syncStrategy) Name() string { return "auth-sync" }

func (s *syncStrategy) Reconcile(ctx context.Context, ident domain.Identity, accessToken string) (*domain.AccountRecord, error) {
	payload := map[string]interface{}{
		"access_token":   accessToken,
		"pi_user_id":     ident.ExternalID,
		"username":       ident.Handle,
		"wallet_address": ident.WalletAddress,
		"synced_at":      time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := s.backend.SyncAuth(ctx, payload)
	if err != nil {
		return nil, err
	}
	return recordFromResponse(raw), nil
}

// =============================================================================
// Strategy 3: direct profile upsert keyed by the Pi user id
// =============================================================================

type upsertStrategy struct {
	db *database.Repository
}

// NewUpsertStrategy writes a minimal identity-keyed profile row straight to
// the database, merging on pi_user_id.
func NewUpsertStrategy(db *database.Repository) Strategy {
	return &upsertStrategy{db: db}
}

func (s *upsertStrategy) Name() string { return "profile-upsert" }

func (s *upsertStrategy) Reconcile(ctx context.Context, ident domain.Identity, _ string) (*domain.AccountRecord, error) {
	row := profileRow{
		PiUserID:      ident.ExternalID,
		Username:      SanitizeHandle(ident.Handle),
		PiUsername:    ident.Handle,
		WalletAddress: ident.WalletAddress,
	}
	err := database.GenericUpsert(s.db, ctx, tableProfiles, "pi_user_id", &row, func(rows []profileRow) {
		if len(rows) > 0 {
			row = rows[0]
		}
	})
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return row.record(), nil
}

// =============================================================================
// Strategy 4: query-or-create with sanitized handle
// =============================================================================

type queryOrCreateStrategy struct {
	db *database.Repository
}

// NewQueryOrCreateStrategy is the last resort: find a profile by external id
// or sanitized handle, creating one when neither matches. A uniqueness
// collision on insert is retried once with a random handle suffix.
func NewQueryOrCreateStrategy(db *database.Repository) Strategy {
	return &queryOrCreateStrategy{db: db}
}

func (s *queryOrCreateStrategy) Name() string { return "query-or-create" }

func (s *queryOrCreateStrategy) Reconcile(ctx context.Context, ident domain.Identity, _ string) (*domain.AccountRecord, error) {
	handle := SanitizeHandle(ident.Handle)
	query := database.NewQuery().
		Or(
			database.Cond("pi_user_id", "eq", ident.ExternalID),
			database.Cond("username", "eq", handle),
		).
		Limit(1).
		Build()
	rows, err := database.GenericListWithQuery[profileRow](s.db, ctx, tableProfiles, query)
	if err != nil {
		return nil, fmt.Errorf("lookup profile: %w", err)
	}
	if len(rows) > 0 {
		return rows[0].record(), nil
	}

	row := profileRow{
		PiUserID:      ident.ExternalID,
		Username:      handle,
		PiUsername:    ident.Handle,
		WalletAddress: ident.WalletAddress,
	}
	err = database.GenericCreate(s.db, ctx, tableProfiles, &row, func(created []profileRow) {
		if len(created) > 0 {
			row = created[0]
		}
	})
	if database.IsUniqueViolation(err) {
		row.Username = handle + "-" + randomSuffix()
		err = database.GenericCreate(s.db, ctx, tableProfiles, &row, func(created []profileRow) {
			if len(created) > 0 {
				row = created[0]
			}
		})
	}
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return row.record(), nil
}
