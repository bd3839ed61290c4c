package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/playdroplink/pi-gateway/internal/config"
	"github.com/playdroplink/pi-gateway/internal/database"
	"github.com/playdroplink/pi-gateway/internal/domain"
	"github.com/playdroplink/pi-gateway/internal/httputil"
	"github.com/playdroplink/pi-gateway/internal/identity"
	"github.com/playdroplink/pi-gateway/internal/payment"
	"github.com/playdroplink/pi-gateway/internal/piapi"
	"github.com/playdroplink/pi-gateway/internal/subscription"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

const minUsernameLength = 3

var validUsername = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// platformAPI is the slice of the Pi platform client the handlers use.
type platformAPI interface {
	Me(ctx context.Context, accessToken string) (piapi.UserInfo, error)
	GetPayment(ctx context.Context, paymentID string) (piapi.Payment, error)
	ApprovePayment(ctx context.Context, paymentID string) (piapi.Payment, error)
	CompletePayment(ctx context.Context, paymentID, txid string) (piapi.Payment, error)
}

type server struct {
	cfg      config.Config
	log      *logger.Logger
	platform platformAPI
	profiles ProfileStore
	grants   GrantStore
	payments payment.IdempotencyStore
	subs     subscription.Store
	// distributor forwards token grants to the external distributor when
	// DISTRIBUTOR_URL is configured.
	distributor *httputil.Client
	metrics     *gatewayMetrics
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auth/pi", s.handleAuthPi).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/auth/sync", s.handleAuthSync).Methods(http.MethodPost, http.MethodOptions)
	v1.HandleFunc("/payments/{id}/approve", s.handleApprovePayment).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/complete", s.handleCompletePayment).Methods(http.MethodPost)
	v1.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/switch", s.handleSwitchAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", s.handleDeleteAccount).Methods(http.MethodDelete)
	v1.HandleFunc("/tokens/distribute", s.handleDistributeTokens).Methods(http.MethodPost)
	v1.HandleFunc("/ads/verify", s.handleVerifyAd).Methods(http.MethodPost)

	dash := v1.PathPrefix("/dashboard").Subrouter()
	dash.Use(s.authMiddleware)
	dash.HandleFunc("/profile", s.handleDashboardProfile).Methods(http.MethodGet)
	dash.HandleFunc("/subscription", s.handleDashboardSubscription).Methods(http.MethodGet)

	return r
}

// =============================================================================
// Health
// =============================================================================

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "pi-gateway",
		"network":   s.cfg.Network,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// =============================================================================
// Auth Handlers
// =============================================================================

// handleAuthPi is the authenticate-or-register quick path: verify the access
// token with the platform, then link or create the profile row in one upsert.
func (s *server) handleAuthPi(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	token := req.AccessToken
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		jsonError(w, "access_token is required", http.StatusBadRequest)
		return
	}

	info, err := s.platform.Me(r.Context(), token)
	if err != nil {
		if errors.Is(err, piapi.ErrUnauthorized) {
			jsonError(w, "access token rejected", http.StatusUnauthorized)
			return
		}
		s.log.WithError(err).Error("token verification failed")
		jsonError(w, "verification failed", http.StatusBadGateway)
		return
	}

	rec := domain.AccountRecord{
		PiUserID:      info.UID,
		Username:      identity.SanitizeHandle(info.Username),
		WalletAddress: info.Wallet,
	}
	if err := s.profiles.Upsert(r.Context(), &rec); err != nil {
		s.log.WithError(err).Error("profile upsert failed")
		jsonError(w, "profile upsert failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"profile": rec,
	})
}

// handleAuthSync registers the identity/session mapping durably.
func (s *server) handleAuthSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PiUserID      string `json:"pi_user_id"`
		Username      string `json:"username"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.PiUserID == "" {
		jsonError(w, "pi_user_id is required", http.StatusBadRequest)
		return
	}

	rec := domain.AccountRecord{
		PiUserID:      req.PiUserID,
		Username:      identity.SanitizeHandle(req.Username),
		WalletAddress: req.WalletAddress,
	}
	if err := s.profiles.Upsert(r.Context(), &rec); err != nil {
		s.log.WithError(err).Error("auth sync upsert failed")
		jsonError(w, "profile upsert failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"profile": rec})
}

// =============================================================================
// Payment Handlers
// =============================================================================

func (s *server) handleApprovePayment(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["id"]

	rec, err := s.payments.Get(r.Context(), paymentID)
	if err != nil {
		s.log.WithError(err).Error("idempotency lookup failed")
		jsonError(w, "idempotency lookup failed", http.StatusInternalServerError)
		return
	}
	switch {
	case rec == nil:
		rec = &payment.IdempotencyRecord{PaymentID: paymentID, Status: payment.IdemPending}
		if err := s.payments.Create(r.Context(), rec); err != nil {
			// Another approval beat us to the insert.
			jsonError(w, "payment approval already in flight", http.StatusConflict)
			return
		}
	case rec.Status == payment.IdemApproved || rec.Status == payment.IdemCompleted:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": rec.Status, "txid": rec.TxID})
		return
	case rec.Status == payment.IdemPending:
		jsonError(w, "payment approval already in flight", http.StatusConflict)
		return
	}

	p, err := s.platform.ApprovePayment(r.Context(), paymentID)
	if err != nil {
		if setErr := s.payments.SetStatus(r.Context(), paymentID, payment.IdemFailed, ""); setErr != nil {
			s.log.WithError(setErr).Warn("mark failed failed")
		}
		s.log.WithError(err).WithField("payment_id", paymentID).Error("platform approval failed")
		jsonError(w, "platform approval failed", http.StatusBadGateway)
		return
	}
	if err := s.payments.SetStatus(r.Context(), paymentID, payment.IdemApproved, ""); err != nil {
		s.log.WithError(err).Error("mark approved failed")
		jsonError(w, "idempotency update failed", http.StatusInternalServerError)
		return
	}

	s.metrics.approvals.Inc()
	s.log.WithField("payment_id", paymentID).Info("payment approved")
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": payment.IdemApproved, "payment": p})
}

func (s *server) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["id"]

	var req struct {
		TxID     string                 `json:"txid"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}

	rec, err := s.payments.Get(r.Context(), paymentID)
	if err != nil {
		s.log.WithError(err).Error("idempotency lookup failed")
		jsonError(w, "idempotency lookup failed", http.StatusInternalServerError)
		return
	}
	if rec != nil && rec.Status == payment.IdemCompleted {
		// Completion already landed; repeating it is a no-op.
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": payment.IdemCompleted, "txid": rec.TxID})
		return
	}
	if rec == nil {
		// The approval may have gone through another instance; track the
		// payment from here on regardless.
		rec = &payment.IdempotencyRecord{PaymentID: paymentID, Status: payment.IdemPending}
		if err := s.payments.Create(r.Context(), rec); err != nil && !database.IsUniqueViolation(err) {
			s.log.WithError(err).Error("idempotency create failed")
			jsonError(w, "idempotency create failed", http.StatusInternalServerError)
			return
		}
	}

	p, err := s.platform.GetPayment(r.Context(), paymentID)
	if err != nil {
		s.log.WithError(err).WithField("payment_id", paymentID).Error("platform lookup failed")
		jsonError(w, "platform lookup failed", http.StatusBadGateway)
		return
	}
	if p.Status.Cancelled || p.Status.UserCancelled {
		if setErr := s.payments.SetStatus(r.Context(), paymentID, payment.IdemFailed, ""); setErr != nil {
			s.log.WithError(setErr).Warn("mark failed failed")
		}
		jsonError(w, "payment was cancelled", http.StatusConflict)
		return
	}

	txid := req.TxID
	if p.Transaction != nil {
		if txid == "" {
			txid = p.Transaction.TxID
		} else if txid != p.Transaction.TxID {
			jsonError(w, "txid mismatch", http.StatusBadRequest)
			return
		}
	}
	if txid == "" {
		jsonError(w, "txid is required", http.StatusBadRequest)
		return
	}

	if !p.Status.DeveloperCompleted {
		if _, err := s.platform.CompletePayment(r.Context(), paymentID, txid); err != nil {
			s.log.WithError(err).WithField("payment_id", paymentID).Error("platform completion failed")
			jsonError(w, "platform completion failed", http.StatusBadGateway)
			return
		}
	}
	if err := s.payments.SetStatus(r.Context(), paymentID, payment.IdemCompleted, txid); err != nil {
		s.log.WithError(err).Error("mark completed failed")
		jsonError(w, "idempotency update failed", http.StatusInternalServerError)
		return
	}

	s.metrics.completions.Inc()
	s.log.WithField("payment_id", paymentID).WithField("txid", txid).Info("payment completed")

	if memo := subscriptionMemo(req.Metadata, p); memo != "" {
		s.activateSubscription(r.Context(), memo, txid, req.Metadata, p)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": payment.IdemCompleted, "txid": txid})
}

// subscriptionMemo picks the memo text that names a subscription plan, or
// empty when the payment is not a subscription purchase.
func subscriptionMemo(meta map[string]interface{}, p piapi.Payment) string {
	if plan, ok := meta["plan"].(string); ok && plan != "" {
		return plan
	}
	if plan, ok := p.Metadata["plan"].(string); ok && plan != "" {
		return plan
	}
	if strings.Contains(strings.ToLower(p.Memo), "subscription") {
		return p.Memo
	}
	return ""
}

// activateSubscription upserts the subscription named by the memo. The
// payment is already completed, so failures are logged for reconciliation
// instead of failing the request.
func (s *server) activateSubscription(ctx context.Context, memo, txid string, meta map[string]interface{}, p piapi.Payment) {
	if s.subs == nil {
		s.log.WithField("txid", txid).Warn("subscription store not configured, skipping activation")
		return
	}

	profileID, _ := meta["profile_id"].(string)
	if profileID == "" {
		profile, err := s.profiles.GetByField(ctx, "pi_user_id", p.UserUID)
		if err != nil || profile == nil {
			s.log.WithField("txid", txid).WithField("pi_user_id", p.UserUID).
				Error("subscription activation failed: no profile for payer")
			return
		}
		profileID = profile.ID
	}

	start := time.Now().UTC()
	billing := subscription.ParseBilling(memo)
	rec := domain.SubscriptionRecord{
		ProfileID:     profileID,
		PlanType:      subscription.ParsePlan(memo),
		BillingPeriod: billing,
		Amount:        p.Amount,
		TransactionID: txid,
		Status:        subscription.StatusActive,
		StartDate:     start,
		EndDate:       subscription.PeriodEnd(start, billing),
	}

	stored, err := s.subs.Upsert(ctx, rec)
	if errors.Is(err, subscription.ErrDuplicateTransaction) {
		s.log.WithField("txid", txid).Info("subscription already activated")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("txid", txid).Error("subscription activation failed")
		return
	}
	s.metrics.activations.Inc()
	s.log.WithField("txid", txid).
		WithField("profile_id", stored.ProfileID).
		WithField("plan", stored.PlanType).
		Info("subscription activated")
}

// =============================================================================
// Account Handlers
// =============================================================================

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	piUserID := r.URL.Query().Get("pi_user_id")
	if piUserID == "" {
		jsonError(w, "pi_user_id is required", http.StatusBadRequest)
		return
	}

	accounts, err := s.profiles.ListByUser(r.Context(), piUserID)
	if err != nil {
		s.log.WithError(err).Error("account list failed")
		jsonError(w, "account list failed", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []domain.AccountRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PiUserID      string  `json:"pi_user_id"`
		Username      string  `json:"username"`
		DisplayName   string  `json:"business_name"`
		WalletAddress string  `json:"wallet_address"`
		PaymentAmount float64 `json:"payment_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.PiUserID == "" {
		jsonError(w, "pi_user_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Username) < minUsernameLength || !validUsername.MatchString(req.Username) {
		jsonError(w, "invalid username", http.StatusBadRequest)
		return
	}

	if existing, err := s.profiles.GetByField(r.Context(), "username", req.Username); err != nil {
		s.log.WithError(err).Error("username lookup failed")
		jsonError(w, "username lookup failed", http.StatusInternalServerError)
		return
	} else if existing != nil {
		jsonError(w, "USERNAME_EXISTS", http.StatusConflict)
		return
	}

	owned, err := s.profiles.ListByUser(r.Context(), req.PiUserID)
	if err != nil {
		s.log.WithError(err).Error("account list failed")
		jsonError(w, "account list failed", http.StatusInternalServerError)
		return
	}
	if len(owned) > 0 && s.cfg.AdditionalAccountPrice > 0 && req.PaymentAmount < s.cfg.AdditionalAccountPrice {
		jsonError(w, "INSUFFICIENT_PAYMENT", http.StatusPaymentRequired)
		return
	}

	rec := domain.AccountRecord{
		PiUserID:      req.PiUserID,
		Username:      req.Username,
		DisplayName:   req.DisplayName,
		WalletAddress: req.WalletAddress,
		IsPrimary:     len(owned) == 0,
	}
	if err := s.profiles.Create(r.Context(), &rec); err != nil {
		if database.IsUniqueViolation(err) {
			jsonError(w, "USERNAME_EXISTS", http.StatusConflict)
			return
		}
		s.log.WithError(err).Error("account create failed")
		jsonError(w, "account create failed", http.StatusInternalServerError)
		return
	}

	s.log.WithField("pi_user_id", req.PiUserID).WithField("username", req.Username).Info("account created")
	writeJSON(w, http.StatusCreated, map[string]interface{}{"account": rec})
}

func (s *server) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PiUserID string `json:"pi_user_id"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}

	target, err := s.profiles.GetByField(r.Context(), "username", req.Username)
	if err != nil {
		s.log.WithError(err).Error("account lookup failed")
		jsonError(w, "account lookup failed", http.StatusInternalServerError)
		return
	}
	if target == nil || target.PiUserID != req.PiUserID {
		jsonError(w, "account not found", http.StatusNotFound)
		return
	}

	if err := s.profiles.SetPrimary(r.Context(), req.PiUserID, req.Username); err != nil {
		s.log.WithError(err).Error("account switch failed")
		jsonError(w, "account switch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "switched"})
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.profiles.Delete(r.Context(), id); err != nil {
		s.log.WithError(err).Error("account delete failed")
		jsonError(w, "account delete failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// =============================================================================
// Token & Ad Handlers
// =============================================================================

func (s *server) handleDistributeTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string   `json:"recipient"`
		Amount    float64  `json:"amount"`
		AdIDs     []string `json:"ad_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Recipient == "" || req.Amount <= 0 {
		jsonError(w, "recipient and a positive amount are required", http.StatusBadRequest)
		return
	}

	granted := 0
	for _, adID := range req.AdIDs {
		fresh, err := s.grants.RecordGrant(r.Context(), adID, req.Recipient, req.Amount)
		if err != nil {
			s.log.WithError(err).WithField("ad_id", adID).Error("grant record failed")
			jsonError(w, "grant record failed", http.StatusInternalServerError)
			return
		}
		if fresh {
			granted++
		}
	}
	if len(req.AdIDs) == 0 {
		granted = 1
	}
	if granted == 0 {
		// All ad ids were already granted; nothing to distribute.
		writeJSON(w, http.StatusOK, map[string]interface{}{"distributed": 0})
		return
	}

	if s.distributor != nil {
		body := map[string]interface{}{"recipient": req.Recipient, "amount": req.Amount}
		resp, err := s.distributor.Post(r.Context(), "/distribute", body, nil)
		if err == nil {
			err = httputil.DecodeResponse(resp, nil)
		}
		if err != nil {
			s.log.WithError(err).WithField("recipient", req.Recipient).Error("distributor call failed")
			jsonError(w, "distribution failed", http.StatusBadGateway)
			return
		}
	}

	s.log.WithField("recipient", req.Recipient).WithField("amount", req.Amount).Info("tokens distributed")
	writeJSON(w, http.StatusOK, map[string]interface{}{"distributed": granted})
}

func (s *server) handleVerifyAd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdID string `json:"ad_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdID == "" {
		jsonError(w, "ad_id is required", http.StatusBadRequest)
		return
	}

	rewarded, err := s.grants.AdRewarded(r.Context(), req.AdID)
	if err != nil {
		s.log.WithError(err).WithField("ad_id", req.AdID).Error("ad verification failed")
		jsonError(w, "ad verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rewarded": rewarded})
}

// =============================================================================
// Dashboard Handlers
// =============================================================================

func (s *server) handleDashboardProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	profile, err := s.profiles.GetByField(r.Context(), "pi_user_id", userID)
	if err != nil {
		s.log.WithError(err).Error("profile lookup failed")
		jsonError(w, "profile lookup failed", http.StatusInternalServerError)
		return
	}
	if profile == nil {
		jsonError(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profile": profile})
}

func (s *server) handleDashboardSubscription(w http.ResponseWriter, r *http.Request) {
	if s.subs == nil {
		jsonError(w, "subscription not found", http.StatusNotFound)
		return
	}
	userID := r.Header.Get("X-User-ID")
	profile, err := s.profiles.GetByField(r.Context(), "pi_user_id", userID)
	if err != nil || profile == nil {
		jsonError(w, "profile not found", http.StatusNotFound)
		return
	}
	sub, err := s.subs.FindByProfile(r.Context(), profile.ID)
	if err != nil {
		s.log.WithError(err).Error("subscription lookup failed")
		jsonError(w, "subscription lookup failed", http.StatusInternalServerError)
		return
	}
	if sub == nil {
		jsonError(w, "subscription not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscription": sub})
}
