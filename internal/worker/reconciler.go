package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/surahj/ai-interviewer/internal/infrastructure/observability"
	"github.com/surahj/ai-interviewer/internal/models"
	"github.com/surahj/ai-interviewer/internal/payment"
	service "github.com/surahj/ai-interviewer/internal/services"
)

const (
	DefaultBatchSize   = 50
	DefaultWorkerCount = 5
	DefaultInterval    = 5 * time.Minute
)

// PurchaseReconciler is the part of the purchase service the sweep needs.
type PurchaseReconciler interface {
	ListStalePurchases(ctx context.Context, olderThan time.Duration, limit int) ([]models.Transaction, error)
	ReconcilePurchase(ctx context.Context, sessionRef string) (service.ReconcileOutcome, error)
}

// Summary counts the outcomes of one sweep.
type Summary struct {
	Scanned          int
	Confirmed        int
	Failed           int
	Unchanged        int
	AlreadyProcessed int
	Errors           int
}

func (s *Summary) add(outcome service.ReconcileOutcome, err error) {
	if err != nil {
		s.Errors++
		return
	}
	switch outcome {
	case service.OutcomeConfirmed:
		s.Confirmed++
	case service.OutcomeFailed:
		s.Failed++
	case service.OutcomeAlreadyProcessed:
		s.AlreadyProcessed++
	default:
		s.Unchanged++
	}
}

// Reconciler finds purchases stuck in purchase_pending because a webhook
// never arrived and syncs them with the payment provider.
type Reconciler struct {
	purchases   PurchaseReconciler
	interval    time.Duration
	staleAfter  time.Duration
	batchSize   int
	workerCount int
}

func NewReconciler(purchases PurchaseReconciler, interval, staleAfter time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		purchases:   purchases,
		interval:    interval,
		staleAfter:  staleAfter,
		batchSize:   DefaultBatchSize,
		workerCount: DefaultWorkerCount,
	}
}

// Start runs a sweep every interval until ctx is cancelled. Blocking.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	slog.Info("purchase reconciler started", "interval", r.interval, "stale_after", r.staleAfter)

	for {
		select {
		case <-ctx.Done():
			slog.Info("purchase reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				slog.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// RunOnce reconciles one batch of stale purchases with a bounded pool of
// workers. The returned error covers only the listing step; per-purchase
// failures are counted in the summary.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary

	pending, err := r.purchases.ListStalePurchases(ctx, r.staleAfter, r.batchSize)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(pending)
	if len(pending) == 0 {
		slog.Debug("no stale purchases found")
		return summary, nil
	}
	slog.Info("reconciling stale purchases", "count", len(pending))

	jobs := make(chan models.Transaction, len(pending))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for w := 0; w < r.workerCount; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for tx := range jobs {
				outcome, err := r.purchases.ReconcilePurchase(ctx, tx.ExternalRef)
				if err != nil {
					slog.Error("failed to reconcile purchase", "worker", id, "user_id", tx.UserID,
						"external_ref", tx.ExternalRef, "retryable", payment.IsRetryable(err), "error", err)
				} else {
					slog.Info("purchase reconciled", "user_id", tx.UserID, "external_ref", tx.ExternalRef, "outcome", outcome)
				}
				observability.PurchasesReconciled.WithLabelValues(outcomeLabel(outcome, err)).Inc()

				mu.Lock()
				summary.add(outcome, err)
				mu.Unlock()
			}
		}(w)
	}

	for _, tx := range pending {
		jobs <- tx
	}
	close(jobs)
	wg.Wait()

	slog.Info("reconciliation sweep completed", "scanned", summary.Scanned, "confirmed", summary.Confirmed,
		"failed", summary.Failed, "unchanged", summary.Unchanged, "errors", summary.Errors)
	return summary, nil
}

func outcomeLabel(outcome service.ReconcileOutcome, err error) string {
	if err != nil {
		return "error"
	}
	return string(outcome)
}
