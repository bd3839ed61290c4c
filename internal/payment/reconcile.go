package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/playdroplink/pi-gateway/internal/piapi"
	"github.com/playdroplink/pi-gateway/pkg/logger"
)

// PlatformAPI is the slice of the Pi platform client the sweep needs.
type PlatformAPI interface {
	GetPayment(ctx context.Context, paymentID string) (piapi.Payment, error)
	CompletePayment(ctx context.Context, paymentID, txid string) (piapi.Payment, error)
}

// Reconciler periodically re-drives payments whose approval landed but whose
// completion never arrived, e.g. when the client died between the two
// callbacks.
type Reconciler struct {
	store     IdempotencyStore
	api       PlatformAPI
	log       *logger.Logger
	threshold time.Duration
	cron      *cron.Cron
}

// NewReconciler creates a sweep over the idempotency store. threshold is how
// long a payment may sit approved before it is considered stuck.
func NewReconciler(store IdempotencyStore, api PlatformAPI, threshold time.Duration, log *logger.Logger) *Reconciler {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &Reconciler{store: store, api: api, threshold: threshold, log: log}
}

// Start schedules the sweep with a cron spec such as "@every 5m".
func (r *Reconciler) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := r.Sweep(context.Background()); err != nil {
			r.log.WithError(err).Warn("payment reconciliation sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule payment sweep: %w", err)
	}
	c.Start()
	r.cron = c
	r.log.WithField("schedule", schedule).Info("payment reconciliation sweep scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep completes every stuck payment whose ledger transaction the platform
// has verified. It returns how many payments were completed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.threshold)
	stuck, err := r.store.ListStuckApproved(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stuck payments: %w", err)
	}

	completed := 0
	for _, rec := range stuck {
		log := r.log.WithField("payment_id", rec.PaymentID)

		p, err := r.api.GetPayment(ctx, rec.PaymentID)
		if err != nil {
			log.WithError(err).Warn("platform lookup failed, will retry next sweep")
			continue
		}

		switch {
		case p.Status.DeveloperCompleted:
			txid := ""
			if p.Transaction != nil {
				txid = p.Transaction.TxID
			}
			if err := r.store.SetStatus(ctx, rec.PaymentID, IdemCompleted, txid); err != nil {
				log.WithError(err).Warn("mark completed failed")
				continue
			}
			completed++

		case p.Status.Cancelled || p.Status.UserCancelled:
			if err := r.store.SetStatus(ctx, rec.PaymentID, IdemFailed, ""); err != nil {
				log.WithError(err).Warn("mark failed failed")
			}

		case p.Transaction != nil && p.Status.TransactionVerified:
			if _, err := r.api.CompletePayment(ctx, rec.PaymentID, p.Transaction.TxID); err != nil {
				log.WithError(err).Warn("completion retry failed")
				continue
			}
			if err := r.store.SetStatus(ctx, rec.PaymentID, IdemCompleted, p.Transaction.TxID); err != nil {
				log.WithError(err).Warn("mark completed failed")
				continue
			}
			log.WithField("txid", p.Transaction.TxID).Info("stuck payment completed")
			completed++

		default:
			// No verified transaction yet; leave it for the next sweep.
		}
	}
	return completed, nil
}
