package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surahj/ai-interviewer/internal/models"
	service "github.com/surahj/ai-interviewer/internal/services"
)

type fakePurchases struct {
	mu       sync.Mutex
	pending  []models.Transaction
	outcomes map[string]service.ReconcileOutcome
	errs     map[string]error
	listErr  error
	seen     []string
	limit    int
}

func (f *fakePurchases) ListStalePurchases(_ context.Context, _ time.Duration, limit int) ([]models.Transaction, error) {
	f.limit = limit
	return f.pending, f.listErr
}

func (f *fakePurchases) ReconcilePurchase(_ context.Context, sessionRef string) (service.ReconcileOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, sessionRef)
	if err := f.errs[sessionRef]; err != nil {
		return service.OutcomeUnchanged, err
	}
	return f.outcomes[sessionRef], nil
}

func TestReconciler_RunOnce(t *testing.T) {
	fake := &fakePurchases{
		pending: []models.Transaction{
			{UserID: "u1", ExternalRef: "cs_paid"},
			{UserID: "u2", ExternalRef: "cs_expired"},
			{UserID: "u3", ExternalRef: "cs_open"},
			{UserID: "u4", ExternalRef: "cs_done"},
			{UserID: "u5", ExternalRef: "cs_down"},
		},
		outcomes: map[string]service.ReconcileOutcome{
			"cs_paid":    service.OutcomeConfirmed,
			"cs_expired": service.OutcomeFailed,
			"cs_open":    service.OutcomeUnchanged,
			"cs_done":    service.OutcomeAlreadyProcessed,
		},
		errs: map[string]error{"cs_down": errors.New("stripe unavailable")},
	}

	r := NewReconciler(fake, time.Minute, 30*time.Minute)
	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Scanned: 5, Confirmed: 1, Failed: 1, Unchanged: 1, AlreadyProcessed: 1, Errors: 1}, summary)
	assert.ElementsMatch(t, []string{"cs_paid", "cs_expired", "cs_open", "cs_done", "cs_down"}, fake.seen)
	assert.Equal(t, DefaultBatchSize, fake.limit)
}

func TestReconciler_RunOnce_Empty(t *testing.T) {
	r := NewReconciler(&fakePurchases{}, time.Minute, time.Minute)
	summary, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestReconciler_RunOnce_ListError(t *testing.T) {
	r := NewReconciler(&fakePurchases{listErr: errors.New("db down")}, time.Minute, time.Minute)
	_, err := r.RunOnce(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestReconciler_RunOnce_MoreJobsThanWorkers(t *testing.T) {
	fake := &fakePurchases{outcomes: map[string]service.ReconcileOutcome{}}
	for i := 0; i < 23; i++ {
		ref := fmt.Sprintf("cs_%d", i)
		fake.pending = append(fake.pending, models.Transaction{ExternalRef: ref})
		fake.outcomes[ref] = service.OutcomeConfirmed
	}

	summary, err := NewReconciler(fake, time.Minute, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 23, summary.Confirmed)
	assert.Len(t, fake.seen, 23)
}

func TestReconciler_StartStopsOnCancel(t *testing.T) {
	r := NewReconciler(&fakePurchases{}, 10*time.Millisecond, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}
