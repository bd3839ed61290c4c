// Package payment drives the payment lifecycle: one wallet payment per call,
// advanced by strictly ordered SDK callbacks, awaited to a single terminal
// result.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/playdroplink/pi-gateway/internal/domain"
	"github.com/playdroplink/pi-gateway/internal/pisdk"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

// Errors reported by CreatePayment.
var (
	ErrNotAuthenticated = errors.New("payment requires an authenticated session")
	// ErrCancelled reports a user cancellation. Callers treat it as a
	// neutral outcome, not a failure.
	ErrCancelled = errors.New("payment cancelled")
	ErrFailed    = errors.New("payment failed")
)

// State of a payment request.
type State string

const (
	StateCreated            State = "created"
	StateAwaitingApproval   State = "awaiting_approval"
	StateAwaitingCompletion State = "awaiting_completion"
	StateCompleted          State = "completed"
	StateCancelled          State = "cancelled"
	StateFailed             State = "failed"
)

// Approver is the gateway side of the flow.
type Approver interface {
	ApprovePayment(ctx context.Context, paymentID string, metadata map[string]interface{}) error
	CompletePayment(ctx context.Context, paymentID, txid string, metadata map[string]interface{}) error
}

// SessionSource exposes the active session.
type SessionSource interface {
	Session() (domain.Session, bool)
}

// Manager creates payments and owns their state transitions.
type Manager struct {
	adapter  *pisdk.Adapter
	backend  Approver
	sessions SessionSource
	log      *logger.Logger
}

// NewManager creates a payment manager.
func NewManager(adapter *pisdk.Adapter, backend Approver, sessions SessionSource, log *logger.Logger) *Manager {
	return &Manager{adapter: adapter, backend: backend, sessions: sessions, log: log}
}

type eventKind int

const (
	evApproval eventKind = iota
	evCompletion
	evCancel
	evError
)

type event struct {
	kind      eventKind
	paymentID string
	txid      string
	err       error
}

// CreatePayment runs a payment to its terminal state and returns the ledger
// txid on completion. The wallet invokes callbacks in order; they feed an
// event channel consumed here, so the caller awaits exactly one outcome.
// Cancellation of ctx abandons the wait; the wallet replays unfinished
// payments at the next sign-in.
func (m *Manager) CreatePayment(ctx context.Context, amount float64, memo string, metadata map[string]interface{}) (string, error) {
	if _, ok := m.sessions.Session(); !ok {
		return "", ErrNotAuthenticated
	}

	localID := uuid.NewString()
	log := m.log.WithField("local_id", localID).WithField("memo", memo)
	state := StateCreated
	transition := func(next State) {
		log.WithField("from", string(state)).WithField("to", string(next)).Debug("payment state transition")
		state = next
	}

	// Buffered so late callbacks never block wallet internals; sends drop
	// once the terminal event has been consumed.
	events := make(chan event, 8)
	push := func(ev event) {
		select {
		case events <- ev:
		default:
		}
	}

	callbacks := pisdk.PaymentCallbacks{
		OnReadyForServerApproval: func(paymentID string) {
			push(event{kind: evApproval, paymentID: paymentID})
		},
		OnReadyForServerCompletion: func(paymentID, txid string) {
			push(event{kind: evCompletion, paymentID: paymentID, txid: txid})
		},
		OnCancel: func(paymentID string) {
			push(event{kind: evCancel, paymentID: paymentID})
		},
		OnError: func(err error, _ *pisdk.Payment) {
			push(event{kind: evError, err: err})
		},
	}

	data := pisdk.PaymentData{Amount: amount, Memo: memo, Metadata: metadata}
	if err := m.adapter.CreatePayment(ctx, data, callbacks); err != nil {
		log.WithError(err).Error("payment creation failed")
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	log.WithField("amount", amount).Info("payment created")

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev := <-events:
			switch ev.kind {
			case evApproval:
				transition(StateAwaitingApproval)
				if err := m.backend.ApprovePayment(ctx, ev.paymentID, metadata); err != nil {
					transition(StateFailed)
					log.WithError(err).WithField("payment_id", ev.paymentID).Error("server approval failed")
					return "", fmt.Errorf("%w: server approval: %v", ErrFailed, err)
				}
				log.WithField("payment_id", ev.paymentID).Info("payment approved")

			case evCompletion:
				transition(StateAwaitingCompletion)
				if err := m.backend.CompletePayment(ctx, ev.paymentID, ev.txid, metadata); err != nil {
					transition(StateFailed)
					log.WithError(err).WithField("payment_id", ev.paymentID).Error("server completion failed")
					return "", fmt.Errorf("%w: server completion: %v", ErrFailed, err)
				}
				transition(StateCompleted)
				log.WithField("payment_id", ev.paymentID).WithField("txid", ev.txid).Info("payment completed")
				return ev.txid, nil

			case evCancel:
				transition(StateCancelled)
				log.WithField("payment_id", ev.paymentID).Info("payment cancelled by user")
				return "", ErrCancelled

			case evError:
				transition(StateFailed)
				log.WithError(ev.err).Error("wallet reported payment error")
				return "", fmt.Errorf("%w: %v", ErrFailed, ev.err)
			}
		}
	}
}
