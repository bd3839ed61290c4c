package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/playdroplink/pi-gateway/internal/config"
	"github.com/playdroplink/pi-gateway/internal/domain"
	"github.com/playdroplink/pi-gateway/internal/payment"
	"github.com/playdroplink/pi-gateway/internal/piapi"
	"github.com/playdroplink/pi-gateway/internal/subscription"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

// =============================================================================
// Fakes
// =============================================================================

type fakePlatform struct {
	mu       sync.Mutex
	users    map[string]piapi.UserInfo
	payments map[string]piapi.Payment

	approved  []string
	completed []string
}

func (f *fakePlatform) Me(ctx context.Context, accessToken string) (piapi.UserInfo, error) {
	if info, ok := f.users[accessToken]; ok {
		return info, nil
	}
	return piapi.UserInfo{}, piapi.ErrUnauthorized
}

func (f *fakePlatform) GetPayment(ctx context.Context, paymentID string) (piapi.Payment, error) {
	p, ok := f.payments[paymentID]
	if !ok {
		return piapi.Payment{}, fmt.Errorf("payment %s not found", paymentID)
	}
	return p, nil
}

func (f *fakePlatform) ApprovePayment(ctx context.Context, paymentID string) (piapi.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, paymentID)
	return f.payments[paymentID], nil
}

func (f *fakePlatform) CompletePayment(ctx context.Context, paymentID, txid string) (piapi.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, paymentID)
	p := f.payments[paymentID]
	p.Status.DeveloperCompleted = true
	f.payments[paymentID] = p
	return p, nil
}

type memProfiles struct {
	mu     sync.Mutex
	rows   []domain.AccountRecord
	nextID int
}

func (m *memProfiles) assignID() string {
	m.nextID++
	return fmt.Sprintf("profile-%d", m.nextID)
}

func (m *memProfiles) Upsert(ctx context.Context, rec *domain.AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.rows {
		if row.PiUserID == rec.PiUserID {
			rec.ID = row.ID
			rec.IsPrimary = row.IsPrimary
			m.rows[i] = *rec
			return nil
		}
	}
	rec.ID = m.assignID()
	m.rows = append(m.rows, *rec)
	return nil
}

func (m *memProfiles) Create(ctx context.Context, rec *domain.AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Username == rec.Username {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	rec.ID = m.assignID()
	m.rows = append(m.rows, *rec)
	return nil
}

func (m *memProfiles) GetByField(ctx context.Context, field, value string) (*domain.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		switch field {
		case "pi_user_id":
			if row.PiUserID == value {
				return &row, nil
			}
		case "username":
			if row.Username == value {
				return &row, nil
			}
		case "id":
			if row.ID == value {
				return &row, nil
			}
		}
	}
	return nil, nil
}

func (m *memProfiles) ListByUser(ctx context.Context, piUserID string) ([]domain.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AccountRecord
	for _, row := range m.rows {
		if row.PiUserID == piUserID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memProfiles) SetPrimary(ctx context.Context, piUserID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.rows {
		if row.PiUserID == piUserID {
			m.rows[i].IsPrimary = row.Username == username
		}
	}
	return nil
}

func (m *memProfiles) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.rows {
		if row.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

type memGrants struct {
	mu       sync.Mutex
	granted  map[string]bool
	rewarded map[string]bool
}

func newMemGrants() *memGrants {
	return &memGrants{granted: make(map[string]bool), rewarded: make(map[string]bool)}
}

func (m *memGrants) RecordGrant(ctx context.Context, adID, recipient string, amount float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.granted[adID] {
		return false, nil
	}
	m.granted[adID] = true
	return true, nil
}

func (m *memGrants) AdRewarded(ctx context.Context, adID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rewarded[adID], nil
}

// =============================================================================
// Harness
// =============================================================================

type testEnv struct {
	srv      *httptest.Server
	gateway  *server
	platform *fakePlatform
	profiles *memProfiles
	grants   *memGrants
	subs     *subscription.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	platform := &fakePlatform{
		users:    make(map[string]piapi.UserInfo),
		payments: make(map[string]piapi.Payment),
	}
	profiles := &memProfiles{}
	grants := newMemGrants()
	subs := subscription.NewMemoryStore()

	gw := &server{
		cfg: config.Config{
			Network:                config.NetworkSandbox,
			AdditionalAccountPrice: 10,
			SupabaseJWTSecret:      "test-secret",
		},
		log:      logger.NewDefault("gateway-test"),
		platform: platform,
		profiles: profiles,
		grants:   grants,
		payments: payment.NewMemoryIdempotencyStore(),
		subs:     subs,
		metrics:  newMetrics(),
	}

	srv := httptest.NewServer(gw.routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, gateway: gw, platform: platform, profiles: profiles, grants: grants, subs: subs}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	} else {
		buf.WriteString("{}")
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

// =============================================================================
// Auth
// =============================================================================

func TestAuthPiLinksProfile(t *testing.T) {
	env := newTestEnv(t)
	env.platform.users["tok-1"] = piapi.UserInfo{UID: "uid-1", Username: "Alice Pi", Wallet: "GABC"}

	resp, body := env.do(t, http.MethodPost, "/v1/auth/pi", map[string]string{"access_token": "tok-1"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if success, _ := body["success"].(bool); !success {
		t.Error("expected success flag")
	}
	profile, _ := body["profile"].(map[string]interface{})
	if profile["pi_user_id"] != "uid-1" {
		t.Errorf("profile = %v", profile)
	}
	if profile["username"] != "alice-pi" {
		t.Errorf("username = %v, want sanitized handle", profile["username"])
	}

	// A second sign-in links the same profile instead of creating another.
	_, body2 := env.do(t, http.MethodPost, "/v1/auth/pi", map[string]string{"access_token": "tok-1"}, nil)
	profile2, _ := body2["profile"].(map[string]interface{})
	if profile2["id"] != profile["id"] {
		t.Errorf("profile id changed across sign-ins: %v vs %v", profile2["id"], profile["id"])
	}
}

func TestAuthPiRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/v1/auth/pi", map[string]string{"access_token": "bogus"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthSyncUpsertsProfile(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/v1/auth/sync", map[string]string{
		"pi_user_id":     "uid-9",
		"username":       "Bob",
		"wallet_address": "GXYZ",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	profile, _ := body["profile"].(map[string]interface{})
	if profile["pi_user_id"] != "uid-9" || profile["wallet_address"] != "GXYZ" {
		t.Errorf("profile = %v", profile)
	}
}

// =============================================================================
// Payments
// =============================================================================

func TestApprovePaymentIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.platform.payments["pay-1"] = piapi.Payment{Identifier: "pay-1", Amount: 5}

	resp, _ := env.do(t, http.MethodPost, "/v1/payments/pay-1/approve", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(env.platform.approved) != 1 {
		t.Fatalf("approved = %v", env.platform.approved)
	}

	// Repeating the approval must not hit the platform again.
	resp, body := env.do(t, http.MethodPost, "/v1/payments/pay-1/approve", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if body["status"] != payment.IdemApproved {
		t.Errorf("status = %v", body["status"])
	}
	if len(env.platform.approved) != 1 {
		t.Errorf("approved = %v, want single platform call", env.platform.approved)
	}
}

func TestApprovePaymentConflictWhileInFlight(t *testing.T) {
	env := newTestEnv(t)
	rec := &payment.IdempotencyRecord{PaymentID: "pay-2", Status: payment.IdemPending}
	if err := env.gateway.payments.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	resp, _ := env.do(t, http.MethodPost, "/v1/payments/pay-2/approve", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCompletePaymentActivatesSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.Create(context.Background(), &domain.AccountRecord{PiUserID: "uid-1", Username: "alice"})
	env.platform.payments["pay-3"] = piapi.Payment{
		Identifier:  "pay-3",
		UserUID:     "uid-1",
		Amount:      99,
		Memo:        "Premium Yearly Subscription",
		Status:      piapi.PaymentStatus{DeveloperApproved: true, TransactionVerified: true},
		Transaction: &piapi.PaymentTransaction{TxID: "tx-abc", Verified: true},
	}

	resp, body := env.do(t, http.MethodPost, "/v1/payments/pay-3/complete", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["txid"] != "tx-abc" {
		t.Errorf("txid = %v", body["txid"])
	}
	if len(env.platform.completed) != 1 {
		t.Fatalf("completed = %v", env.platform.completed)
	}

	sub, err := env.subs.FindByTransactionID(context.Background(), "tx-abc")
	if err != nil || sub == nil {
		t.Fatalf("subscription = %v, err %v", sub, err)
	}
	if sub.PlanType != subscription.PlanPremium || sub.BillingPeriod != subscription.BillingYearly {
		t.Errorf("plan = %s/%s", sub.PlanType, sub.BillingPeriod)
	}
	wantEnd := sub.StartDate.Add(365 * 24 * time.Hour)
	if !sub.EndDate.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", sub.EndDate, wantEnd)
	}

	// Completing again is a no-op and does not re-drive the platform.
	resp, _ = env.do(t, http.MethodPost, "/v1/payments/pay-3/complete", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if len(env.platform.completed) != 1 {
		t.Errorf("completed = %v, want single platform call", env.platform.completed)
	}
}

func TestCompletePaymentTxidMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.platform.payments["pay-4"] = piapi.Payment{
		Identifier:  "pay-4",
		Transaction: &piapi.PaymentTransaction{TxID: "tx-real"},
	}

	resp, _ := env.do(t, http.MethodPost, "/v1/payments/pay-4/complete", map[string]string{"txid": "tx-forged"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCompletePaymentCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.platform.payments["pay-5"] = piapi.Payment{
		Identifier: "pay-5",
		Status:     piapi.PaymentStatus{Cancelled: true},
	}

	resp, _ := env.do(t, http.MethodPost, "/v1/payments/pay-5/complete", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	rec, err := env.gateway.payments.Get(context.Background(), "pay-5")
	if err != nil || rec == nil {
		t.Fatalf("record = %v, err %v", rec, err)
	}
	if rec.Status != payment.IdemFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
}

// =============================================================================
// Accounts
// =============================================================================

func TestCreateAccountFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{
		"pi_user_id": "uid-1",
		"username":   "alice",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	account, _ := body["account"].(map[string]interface{})
	if primary, _ := account["is_primary"].(bool); !primary {
		t.Error("first account should be primary")
	}

	t.Run("duplicate username", func(t *testing.T) {
		resp, body := env.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{
			"pi_user_id": "uid-2",
			"username":   "alice",
		}, nil)
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want 409", resp.StatusCode)
		}
		if !strings.Contains(fmt.Sprint(body["error"]), "USERNAME_EXISTS") {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("additional account requires payment", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{
			"pi_user_id": "uid-1",
			"username":   "alice-shop",
		}, nil)
		if resp.StatusCode != http.StatusPaymentRequired {
			t.Fatalf("status = %d, want 402", resp.StatusCode)
		}

		resp, body := env.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{
			"pi_user_id":     "uid-1",
			"username":       "alice-shop",
			"payment_amount": 10,
		}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("paid status = %d", resp.StatusCode)
		}
		account, _ := body["account"].(map[string]interface{})
		if primary, _ := account["is_primary"].(bool); primary {
			t.Error("second account must not be primary")
		}
	})

	t.Run("invalid username", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{
			"pi_user_id": "uid-3",
			"username":   "ab",
		}, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestSwitchAccount(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.Create(context.Background(), &domain.AccountRecord{PiUserID: "uid-1", Username: "alice", IsPrimary: true})
	env.profiles.Create(context.Background(), &domain.AccountRecord{PiUserID: "uid-1", Username: "alice-shop"})

	resp, _ := env.do(t, http.MethodPost, "/v1/accounts/switch", map[string]string{
		"pi_user_id": "uid-1",
		"username":   "alice-shop",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	target, _ := env.profiles.GetByField(context.Background(), "username", "alice-shop")
	if target == nil || !target.IsPrimary {
		t.Errorf("target = %+v, want primary after switch", target)
	}
	old, _ := env.profiles.GetByField(context.Background(), "username", "alice")
	if old == nil || old.IsPrimary {
		t.Errorf("old = %+v, want demoted", old)
	}

	t.Run("unknown account", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/v1/accounts/switch", map[string]string{
			"pi_user_id": "uid-1",
			"username":   "nobody",
		}, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("foreign account", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/v1/accounts/switch", map[string]string{
			"pi_user_id": "uid-2",
			"username":   "alice",
		}, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestDeleteAccount(t *testing.T) {
	env := newTestEnv(t)
	rec := domain.AccountRecord{PiUserID: "uid-1", Username: "alice"}
	env.profiles.Create(context.Background(), &rec)

	resp, _ := env.do(t, http.MethodDelete, "/v1/accounts/"+rec.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got, _ := env.profiles.GetByField(context.Background(), "id", rec.ID); got != nil {
		t.Errorf("account survived delete: %+v", got)
	}
}

// =============================================================================
// Tokens & Ads
// =============================================================================

func TestDistributeTokensDedupesAds(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/tokens/distribute", map[string]interface{}{
		"recipient": "GABC",
		"amount":    5,
		"ad_ids":    []string{"ad-1", "ad-2"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["distributed"].(float64) != 2 {
		t.Errorf("distributed = %v", body["distributed"])
	}

	resp, body = env.do(t, http.MethodPost, "/v1/tokens/distribute", map[string]interface{}{
		"recipient": "GABC",
		"amount":    5,
		"ad_ids":    []string{"ad-1", "ad-2"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if body["distributed"].(float64) != 0 {
		t.Errorf("replay distributed = %v, want 0", body["distributed"])
	}
}

func TestVerifyAd(t *testing.T) {
	env := newTestEnv(t)
	env.grants.rewarded["ad-ok"] = true

	_, body := env.do(t, http.MethodPost, "/v1/ads/verify", map[string]string{"ad_id": "ad-ok"}, nil)
	if rewarded, _ := body["rewarded"].(bool); !rewarded {
		t.Error("expected rewarded")
	}

	_, body = env.do(t, http.MethodPost, "/v1/ads/verify", map[string]string{"ad_id": "ad-bad"}, nil)
	if rewarded, _ := body["rewarded"].(bool); rewarded {
		t.Error("expected not rewarded")
	}
}

// =============================================================================
// Dashboard
// =============================================================================

func dashboardToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestDashboardAuth(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.Create(context.Background(), &domain.AccountRecord{PiUserID: "uid-1", Username: "alice"})

	t.Run("missing token", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodGet, "/v1/dashboard/profile", nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("supabase jwt", func(t *testing.T) {
		token := dashboardToken(t, "test-secret", "uid-1")
		resp, body := env.do(t, http.MethodGet, "/v1/dashboard/profile", nil, map[string]string{
			"Authorization": "Bearer " + token,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		profile, _ := body["profile"].(map[string]interface{})
		if profile["username"] != "alice" {
			t.Errorf("profile = %v", profile)
		}
	})

	t.Run("pi bearer fallback", func(t *testing.T) {
		env.platform.users["pi-tok"] = piapi.UserInfo{UID: "uid-1", Username: "alice"}
		resp, _ := env.do(t, http.MethodGet, "/v1/dashboard/profile", nil, map[string]string{
			"Authorization": "Bearer pi-tok",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})
}

func TestDashboardSubscription(t *testing.T) {
	env := newTestEnv(t)
	rec := domain.AccountRecord{PiUserID: "uid-1", Username: "alice"}
	env.profiles.Create(context.Background(), &rec)
	if _, err := env.subs.Upsert(context.Background(), domain.SubscriptionRecord{
		ProfileID:     rec.ID,
		PlanType:      subscription.PlanPremium,
		BillingPeriod: subscription.BillingYearly,
		TransactionID: "tx-1",
		Status:        subscription.StatusActive,
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	token := dashboardToken(t, "test-secret", "uid-1")
	resp, body := env.do(t, http.MethodGet, "/v1/dashboard/subscription", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sub, _ := body["subscription"].(map[string]interface{})
	if sub["plan_type"] != subscription.PlanPremium {
		t.Errorf("subscription = %v", sub)
	}
}
