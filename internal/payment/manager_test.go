package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playdroplink/pi-gateway/internal/domain"
	"github.com/playdroplink/pi-gateway/internal/pisdk"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

type fakeApprover struct {
	mu          sync.Mutex
	approveErr  error
	completeErr error
	approvals   []string
	completions []string
}

func (f *fakeApprover) ApprovePayment(ctx context.Context, paymentID string, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approvals = append(f.approvals, paymentID)
	return nil
}

func (f *fakeApprover) CompletePayment(ctx context.Context, paymentID, txid string, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completions = append(f.completions, paymentID+"/"+txid)
	return nil
}

type fakeSessions struct {
	active bool
}

func (f *fakeSessions) Session() (domain.Session, bool) {
	if !f.active {
		return domain.Session{}, false
	}
	return domain.Session{
		Identity:    domain.Identity{ExternalID: "uid-1", Handle: "alice"},
		AccessToken: "tok",
	}, true
}

func newTestManager(sdk *pisdk.FakeSDK, backend Approver, active bool) *Manager {
	log := logger.NewDefault("payment-test")
	adapter := pisdk.NewAdapter(sdk, "2.0", true, log)
	return NewManager(adapter, backend, &fakeSessions{active: active}, log)
}

func TestCreatePaymentCompletes(t *testing.T) {
	sdk := &pisdk.FakeSDK{
		Script: []pisdk.PaymentStep{
			{Approve: true, PaymentID: "pay-1"},
			{Complete: true, PaymentID: "pay-1", TxID: "tx-1"},
		},
	}
	approver := &fakeApprover{}
	m := newTestManager(sdk, approver, true)

	txid, err := m.CreatePayment(context.Background(), 9.99, "Premium Yearly Subscription", map[string]interface{}{"plan": "premium"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if txid != "tx-1" {
		t.Errorf("txid = %q, want tx-1", txid)
	}
	if len(approver.approvals) != 1 || approver.approvals[0] != "pay-1" {
		t.Errorf("approvals = %v", approver.approvals)
	}
	if len(approver.completions) != 1 || approver.completions[0] != "pay-1/tx-1" {
		t.Errorf("completions = %v", approver.completions)
	}
}

func TestCreatePaymentRequiresSession(t *testing.T) {
	m := newTestManager(&pisdk.FakeSDK{}, &fakeApprover{}, false)
	_, err := m.CreatePayment(context.Background(), 1, "memo", nil)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestCreatePaymentCancelled(t *testing.T) {
	sdk := &pisdk.FakeSDK{
		Script: []pisdk.PaymentStep{{Cancel: true, PaymentID: "pay-1"}},
	}
	m := newTestManager(sdk, &fakeApprover{}, true)

	_, err := m.CreatePayment(context.Background(), 5, "memo", nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestCreatePaymentWalletError(t *testing.T) {
	sdk := &pisdk.FakeSDK{
		Script: []pisdk.PaymentStep{{Err: errors.New("wallet exploded")}},
	}
	m := newTestManager(sdk, &fakeApprover{}, true)

	_, err := m.CreatePayment(context.Background(), 5, "memo", nil)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
}

func TestCreatePaymentApprovalFailureStopsFlow(t *testing.T) {
	sdk := &pisdk.FakeSDK{
		Script: []pisdk.PaymentStep{
			{Approve: true, PaymentID: "pay-1"},
			{Complete: true, PaymentID: "pay-1", TxID: "tx-1"},
		},
	}
	approver := &fakeApprover{approveErr: errors.New("gateway 500")}
	m := newTestManager(sdk, approver, true)

	_, err := m.CreatePayment(context.Background(), 5, "memo", nil)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
	if len(approver.completions) != 0 {
		t.Errorf("completions = %v, want none after approval failure", approver.completions)
	}
}

func TestCreatePaymentCompletionFailure(t *testing.T) {
	sdk := &pisdk.FakeSDK{
		Script: []pisdk.PaymentStep{
			{Approve: true, PaymentID: "pay-1"},
			{Complete: true, PaymentID: "pay-1", TxID: "tx-1"},
		},
	}
	approver := &fakeApprover{completeErr: errors.New("gateway timeout")}
	m := newTestManager(sdk, approver, true)

	_, err := m.CreatePayment(context.Background(), 5, "memo", nil)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
}

func TestCreatePaymentContextCancellation(t *testing.T) {
	// No scripted steps: the wallet never reports a terminal event.
	sdk := &pisdk.FakeSDK{}
	m := newTestManager(sdk, &fakeApprover{}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.CreatePayment(ctx, 5, "memo", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCreatePaymentCreateError(t *testing.T) {
	sdk := &pisdk.FakeSDK{CreateErr: errors.New("dialog blocked")}
	m := newTestManager(sdk, &fakeApprover{}, true)

	_, err := m.CreatePayment(context.Background(), 5, "memo", nil)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
}
