package main

import (
	"context"
	"time"

	"github.com/playdroplink/pi-gateway/internal/database"
	"github.com/playdroplink/pi-gateway/internal/domain"
)

const (
	tableProfiles  = "profiles"
	tableGrants    = "token_grants"
	tableAdRewards = "ad_rewards"
)

// ProfileStore persists account profiles. Get methods return (nil, nil) when
// no row matches.
type ProfileStore interface {
	Upsert(ctx context.Context, rec *domain.AccountRecord) error
	Create(ctx context.Context, rec *domain.AccountRecord) error
	GetByField(ctx context.Context, field, value string) (*domain.AccountRecord, error)
	ListByUser(ctx context.Context, piUserID string) ([]domain.AccountRecord, error)
	// SetPrimary marks the named account primary and demotes the user's
	// other accounts.
	SetPrimary(ctx context.Context, piUserID, username string) error
	Delete(ctx context.Context, id string) error
}

// GrantStore tracks rewarded-ad claims and the token grants minted for them.
type GrantStore interface {
	// RecordGrant persists a grant for the ad id. It returns false when the
	// ad was already granted, without error.
	RecordGrant(ctx context.Context, adID, recipient string, amount float64) (bool, error)
	AdRewarded(ctx context.Context, adID string) (bool, error)
}

// =============================================================================
// Supabase-backed stores
// =============================================================================

type supabaseProfiles struct {
	db *database.Repository
}

var _ ProfileStore = (*supabaseProfiles)(nil)

func newSupabaseProfiles(db *database.Repository) *supabaseProfiles {
	return &supabaseProfiles{db: db}
}

func (s *supabaseProfiles) Upsert(ctx context.Context, rec *domain.AccountRecord) error {
	return database.GenericUpsert(s.db, ctx, tableProfiles, "pi_user_id", rec, func(rows []domain.AccountRecord) {
		if len(rows) > 0 {
			*rec = rows[0]
		}
	})
}

func (s *supabaseProfiles) Create(ctx context.Context, rec *domain.AccountRecord) error {
	return database.GenericCreate(s.db, ctx, tableProfiles, rec, func(rows []domain.AccountRecord) {
		if len(rows) > 0 {
			*rec = rows[0]
		}
	})
}

func (s *supabaseProfiles) GetByField(ctx context.Context, field, value string) (*domain.AccountRecord, error) {
	return database.GenericGetByField[domain.AccountRecord](s.db, ctx, tableProfiles, field, value)
}

func (s *supabaseProfiles) ListByUser(ctx context.Context, piUserID string) ([]domain.AccountRecord, error) {
	return database.GenericListByField[domain.AccountRecord](s.db, ctx, tableProfiles, "pi_user_id", piUserID)
}

func (s *supabaseProfiles) SetPrimary(ctx context.Context, piUserID, username string) error {
	demote := map[string]interface{}{"is_primary": false}
	if err := database.GenericUpdate(s.db, ctx, tableProfiles, "pi_user_id", piUserID, &demote); err != nil {
		return err
	}
	promote := map[string]interface{}{"is_primary": true}
	return database.GenericUpdate(s.db, ctx, tableProfiles, "username", username, &promote)
}

func (s *supabaseProfiles) Delete(ctx context.Context, id string) error {
	return database.GenericDelete(s.db, ctx, tableProfiles, "id", id)
}

type grantRow struct {
	ID        string    `json:"id,omitempty"`
	AdID      string    `json:"ad_id"`
	Recipient string    `json:"recipient"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type adRewardRow struct {
	AdID     string `json:"ad_id"`
	Rewarded bool   `json:"rewarded"`
}

type supabaseGrants struct {
	db *database.Repository
}

var _ GrantStore = (*supabaseGrants)(nil)

func newSupabaseGrants(db *database.Repository) *supabaseGrants {
	return &supabaseGrants{db: db}
}

func (s *supabaseGrants) RecordGrant(ctx context.Context, adID, recipient string, amount float64) (bool, error) {
	row := grantRow{AdID: adID, Recipient: recipient, Amount: amount}
	err := database.GenericCreate(s.db, ctx, tableGrants, &row, nil)
	if database.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *supabaseGrants) AdRewarded(ctx context.Context, adID string) (bool, error) {
	row, err := database.GenericGetByField[adRewardRow](s.db, ctx, tableAdRewards, "ad_id", adID)
	if err != nil {
		return false, err
	}
	return row != nil && row.Rewarded, nil
}
