// Package domain holds the core record types shared across the gateway and
// the orchestration services.
package domain

import "time"

// Identity is the verified Pi-network identity of the signed-in user.
type Identity struct {
	// ExternalID is the Pi network user id (uid from the platform API).
	ExternalID string `json:"pi_user_id"`
	// Handle is the Pi username.
	Handle string `json:"username"`
	// WalletAddress is the user's Pi wallet address when the wallet_address
	// scope was granted, empty otherwise.
	WalletAddress string `json:"wallet_address,omitempty"`
}

// Session pairs a verified identity with the access token that proved it.
type Session struct {
	Identity    Identity  `json:"identity"`
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
}

// AccountRecord is an application account tied to a Pi identity. One identity
// may own several accounts; exactly one is primary.
type AccountRecord struct {
	ID            string    `json:"id"`
	PiUserID      string    `json:"pi_user_id"`
	Username      string    `json:"username"`
	DisplayName   string    `json:"business_name,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	PlanType      string    `json:"plan_type,omitempty"`
	Status        string    `json:"status,omitempty"`
	IsPrimary     bool      `json:"is_primary"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// SubscriptionRecord is an activated paid subscription.
type SubscriptionRecord struct {
	ID            string    `json:"id,omitempty"`
	ProfileID     string    `json:"profile_id"`
	PlanType      string    `json:"plan_type"`
	BillingPeriod string    `json:"billing_period"`
	Amount        float64   `json:"pi_amount"`
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
}

// TokenBalance is the ledger balance of a single asset for a wallet.
// A wallet without a trustline for the asset reports a zero balance.
type TokenBalance struct {
	WalletAddress string `json:"wallet_address"`
	AssetCode     string `json:"asset_code"`
	Balance       string `json:"balance"`
	HasTrustline  bool   `json:"has_trustline"`
}
