package piapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMeVerifiesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good-token":
			json.NewEncoder(w).Encode(UserInfo{UID: "uid-1", Username: "alice", Wallet: "GABC"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})

	t.Run("valid token", func(t *testing.T) {
		info, err := c.Me(context.Background(), "good-token")
		if err != nil {
			t.Fatalf("Me: %v", err)
		}
		if info.UID != "uid-1" || info.Username != "alice" {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := c.Me(context.Background(), "bad-token")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
	})
}

func TestApproveAndCompleteUseKeyAuth(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Key server-key" {
			t.Errorf("Authorization = %q", got)
		}
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)

		p := Payment{Identifier: "pay-1", Amount: 9.99}
		if r.URL.Path == "/v2/payments/pay-1/complete" {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["txid"] != "tx-abc" {
				t.Errorf("txid = %q", body["txid"])
			}
			p.Status.DeveloperCompleted = true
			p.Transaction = &PaymentTransaction{TxID: "tx-abc", Verified: true}
		} else {
			p.Status.DeveloperApproved = true
		}
		json.NewEncoder(w).Encode(p)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "server-key"})
	ctx := context.Background()

	approved, err := c.ApprovePayment(ctx, "pay-1")
	if err != nil {
		t.Fatalf("ApprovePayment: %v", err)
	}
	if !approved.Status.DeveloperApproved {
		t.Error("expected developer_approved")
	}

	completed, err := c.CompletePayment(ctx, "pay-1", "tx-abc")
	if err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
	if completed.Transaction == nil || completed.Transaction.TxID != "tx-abc" {
		t.Errorf("transaction = %+v", completed.Transaction)
	}

	want := []string{"POST /v2/payments/pay-1/approve", "POST /v2/payments/pay-1/complete"}
	if len(gotPaths) != 2 || gotPaths[0] != want[0] || gotPaths[1] != want[1] {
		t.Errorf("paths = %v, want %v", gotPaths, want)
	}
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/payments/pay-9" || r.Method != http.MethodGet {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(Payment{
			Identifier:  "pay-9",
			Status:      PaymentStatus{DeveloperApproved: true, TransactionVerified: true},
			Transaction: &PaymentTransaction{TxID: "tx-9", Verified: true},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	p, err := c.GetPayment(context.Background(), "pay-9")
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if !p.Status.TransactionVerified || p.Transaction.TxID != "tx-9" {
		t.Errorf("payment = %+v", p)
	}
}
