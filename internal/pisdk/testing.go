package pisdk

import (
	"context"
	"sync"
)

// PaymentStep drives one callback of a scripted payment flow.
type PaymentStep struct {
	Approve  bool
	Complete bool
	Cancel   bool
	Err      error

	PaymentID string
	TxID      string
}

// FakeSDK is a scriptable in-memory SDK for tests.
type FakeSDK struct {
	mu sync.Mutex

	InitErr  error
	AuthErr  error
	Result   AuthResult
	Features []string
	AdReady  bool
	Ad       AdResponse

	// Script is replayed, in order, on CreatePayment.
	Script []PaymentStep
	// CreateErr fails CreatePayment before any callback fires.
	CreateErr error
	// IncompletePayment, when set, is replayed through the authenticate
	// callback.
	IncompletePayment *Payment

	InitCalls int
	AuthCalls [][]string
	Payments  []PaymentData
	Shared    []string
}

var _ SDK = (*FakeSDK)(nil)

func (f *FakeSDK) Init(ctx context.Context, cfg InitConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InitCalls++
	return f.InitErr
}

func (f *FakeSDK) Authenticate(ctx context.Context, scopes []string, onIncompletePayment func(Payment)) (AuthResult, error) {
	f.mu.Lock()
	f.AuthCalls = append(f.AuthCalls, append([]string(nil), scopes...))
	authErr := f.AuthErr
	incomplete := f.IncompletePayment
	result := f.Result
	f.mu.Unlock()

	if authErr != nil {
		// A retry with the reduced scope set succeeds.
		if len(scopes) == 1 && scopes[0] == "username" {
			return result, nil
		}
		return AuthResult{}, authErr
	}
	if incomplete != nil && onIncompletePayment != nil {
		onIncompletePayment(*incomplete)
	}
	return result, nil
}

func (f *FakeSDK) CreatePayment(ctx context.Context, data PaymentData, callbacks PaymentCallbacks) error {
	f.mu.Lock()
	f.Payments = append(f.Payments, data)
	script := append([]PaymentStep(nil), f.Script...)
	createErr := f.CreateErr
	f.mu.Unlock()

	if createErr != nil {
		return createErr
	}
	go func() {
		for _, step := range script {
			switch {
			case step.Approve:
				callbacks.OnReadyForServerApproval(step.PaymentID)
			case step.Complete:
				callbacks.OnReadyForServerCompletion(step.PaymentID, step.TxID)
			case step.Cancel:
				callbacks.OnCancel(step.PaymentID)
			case step.Err != nil:
				callbacks.OnError(step.Err, nil)
			}
		}
	}()
	return nil
}

func (f *FakeSDK) NativeFeaturesList(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Features, nil
}

func (f *FakeSDK) ShowAd(ctx context.Context, kind AdKind) (AdResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Ad, nil
}

func (f *FakeSDK) IsAdReady(ctx context.Context, kind AdKind) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AdReady, nil
}

func (f *FakeSDK) OpenShareDialog(title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Shared = append(f.Shared, title+": "+message)
	return nil
}
