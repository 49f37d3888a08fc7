package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surahj/ai-interviewer/internal/catalog"
	redismocks "github.com/surahj/ai-interviewer/internal/infrastructure/redis/mocks"
	"github.com/surahj/ai-interviewer/internal/models"
	"github.com/surahj/ai-interviewer/internal/payment"
	paymentmocks "github.com/surahj/ai-interviewer/internal/payment/mocks"
	"github.com/surahj/ai-interviewer/internal/repository/memory"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
	"go.uber.org/mock/gomock"
)

type stubWebhook struct {
	event *payment.NormalizedEvent
	err   error
}

func (s stubWebhook) VerifyAndParse([]byte, string) (*payment.NormalizedEvent, error) {
	return s.event, s.err
}

func TestPurchaseService_StartCheckout(t *testing.T) {
	ctrl := gomock.NewController(t)
	gateway := paymentmocks.NewMockCheckoutGateway(ctrl)
	repo := memory.NewLedgerRepository()
	svc := NewPurchaseService(repo, catalog.Default(), gateway, nil, nil, nil, PurchaseOptions{
		SuccessURL: "https://app.example.com/credits?status=success",
		CancelURL:  "https://app.example.com/credits?status=cancelled",
	})
	ctx := context.Background()

	t.Run("CreatesPendingPurchase", func(t *testing.T) {
		gateway.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
				assert.Equal(t, "user-1", req.UserID)
				assert.Equal(t, "professional", req.Package.ID)
				assert.Equal(t, int64(2499), req.Package.UnitAmount())
				return &payment.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1", Status: payment.SessionOpen}, nil
			})

		result, err := svc.StartCheckout(ctx, "user-1", "professional")
		require.NoError(t, err)
		assert.Equal(t, "cs_test_1", result.SessionID)
		assert.NotEmpty(t, result.CheckoutURL)

		pending, err := repo.GetPurchaseByExternalRef(ctx, "cs_test_1")
		require.NoError(t, err)
		assert.Equal(t, models.TypePurchasePending, pending.Type)
		assert.Equal(t, int64(0), pending.Credits)
		assert.Equal(t, "300", pending.Metadata[models.MetaCredits])
		assert.Equal(t, "professional", pending.Metadata[models.MetaPackageID])
	})

	t.Run("UnknownPackage", func(t *testing.T) {
		_, err := svc.StartCheckout(ctx, "user-1", "platinum")
		assert.ErrorIs(t, err, pkgerrors.ErrPackageNotFound)
	})

	t.Run("ProviderError", func(t *testing.T) {
		gateway.EXPECT().CreateCheckoutSession(gomock.Any(), gomock.Any()).Return(nil, payment.ErrProviderDown)
		_, err := svc.StartCheckout(ctx, "user-1", "starter")
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentProvider)
	})
}

func TestPurchaseService_MarkFailed(t *testing.T) {
	repo := memory.NewLedgerRepository()
	svc := NewPurchaseService(repo, catalog.Default(), nil, nil, nil, nil, PurchaseOptions{})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "user-1", "starter", "cs_1")
	require.NoError(t, err)

	tx, err := svc.MarkFailed(ctx, "cs_1", "card declined")
	require.NoError(t, err)
	assert.Equal(t, models.TypePurchaseFailed, tx.Type)
	assert.Contains(t, tx.Description, "card declined")

	_, err = svc.Confirm(ctx, "cs_1")
	assert.ErrorIs(t, err, pkgerrors.ErrAlreadyProcessed)
	_, err = svc.Confirm(ctx, "cs_unknown")
	assert.ErrorIs(t, err, pkgerrors.ErrPendingPurchaseNotFound)

	_, err = repo.GetAccount(ctx, "user-1")
	assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
}

func TestPurchaseService_ConcurrentConfirm(t *testing.T) {
	const n = 16
	repo := memory.NewLedgerRepository()
	purchases := NewPurchaseService(repo, catalog.Default(), nil, nil, nil, nil, PurchaseOptions{})
	credits := NewCreditService(repo, nil, nil, "")
	ctx := context.Background()

	_, _, err := credits.InitializeAccount(ctx, "user-1", 50, "")
	require.NoError(t, err)
	_, err = purchases.Initiate(ctx, "user-1", "starter", "cs_1")
	require.NoError(t, err)

	var (
		wg                sync.WaitGroup
		mu                sync.Mutex
		succeeded, repeat int
		unexpected        []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := purchases.Confirm(ctx, "cs_1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, pkgerrors.ErrAlreadyProcessed):
				repeat++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, unexpected)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, repeat)

	account, err := credits.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertAccount(t, account, 150, 150, 0)

	v, err := credits.VerifyAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, v.Consistent)
	assert.Equal(t, int64(150), v.LedgerSum)
}

func TestPurchaseService_ConfirmRacesMarkFailed(t *testing.T) {
	repo := memory.NewLedgerRepository()
	purchases := NewPurchaseService(repo, catalog.Default(), nil, nil, nil, nil, PurchaseOptions{})
	ctx := context.Background()

	_, err := purchases.Initiate(ctx, "user-1", "starter", "cs_1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var confirmErr, failErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = purchases.Confirm(ctx, "cs_1")
	}()
	go func() {
		defer wg.Done()
		_, failErr = purchases.MarkFailed(ctx, "cs_1", "payment failed")
	}()
	wg.Wait()

	// exactly one transition wins
	require.True(t, (confirmErr == nil) != (failErr == nil), "confirm=%v fail=%v", confirmErr, failErr)
	tx, err := repo.GetPurchaseByExternalRef(ctx, "cs_1")
	require.NoError(t, err)
	if confirmErr == nil {
		assert.ErrorIs(t, failErr, pkgerrors.ErrAlreadyProcessed)
		assert.Equal(t, models.TypePurchase, tx.Type)
		account, err := repo.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), account.AvailableCredits)
	} else {
		assert.ErrorIs(t, confirmErr, pkgerrors.ErrAlreadyProcessed)
		assert.Equal(t, models.TypePurchaseFailed, tx.Type)
		_, err := repo.GetAccount(ctx, "user-1")
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
	}
}

func TestPurchaseService_HandleWebhook(t *testing.T) {
	ctx := context.Background()
	confirmEvent := &payment.NormalizedEvent{ID: "evt_1", Type: "checkout.session.completed", SessionID: "cs_1", Action: payment.ActionConfirm}

	t.Run("InvalidSignature", func(t *testing.T) {
		svc := NewPurchaseService(memory.NewLedgerRepository(), catalog.Default(), nil,
			stubWebhook{err: pkgerrors.ErrInvalidSignature}, nil, nil, PurchaseOptions{})
		_, err := svc.HandleWebhook(ctx, []byte(`{}`), "bad")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidSignature)
	})

	t.Run("ConfirmsOnceAcrossDuplicates", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cache := redismocks.NewMockRedisClient(ctrl)
		repo := memory.NewLedgerRepository()
		svc := NewPurchaseService(repo, catalog.Default(), nil, stubWebhook{event: confirmEvent}, cache, nil, PurchaseOptions{})
		_, err := svc.Initiate(ctx, "user-1", "starter", "cs_1")
		require.NoError(t, err)

		gomock.InOrder(
			cache.EXPECT().SetNX(gomock.Any(), "stripe:event:evt_1", gomock.Any(), webhookDedupeTTL).Return(true, nil),
			cache.EXPECT().Del(gomock.Any(), "user:user-1:credits").Return(nil),
			cache.EXPECT().SetNX(gomock.Any(), "stripe:event:evt_1", gomock.Any(), webhookDedupeTTL).Return(false, nil),
		)

		_, err = svc.HandleWebhook(ctx, []byte(`{}`), "sig")
		require.NoError(t, err)
		_, err = svc.HandleWebhook(ctx, []byte(`{}`), "sig")
		require.NoError(t, err)

		account, err := repo.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), account.AvailableCredits)
	})

	t.Run("RedeliveryAfterDedupeExpiryIsAcknowledged", func(t *testing.T) {
		repo := memory.NewLedgerRepository()
		svc := NewPurchaseService(repo, catalog.Default(), nil, stubWebhook{event: confirmEvent}, nil, nil, PurchaseOptions{})
		_, err := svc.Initiate(ctx, "user-1", "starter", "cs_1")
		require.NoError(t, err)

		_, err = svc.HandleWebhook(ctx, nil, "")
		require.NoError(t, err)
		_, err = svc.HandleWebhook(ctx, nil, "")
		require.NoError(t, err)

		account, err := repo.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), account.AvailableCredits)
	})

	t.Run("UnknownSessionIsAcknowledged", func(t *testing.T) {
		svc := NewPurchaseService(memory.NewLedgerRepository(), catalog.Default(), nil, stubWebhook{event: confirmEvent}, nil, nil, PurchaseOptions{})
		_, err := svc.HandleWebhook(ctx, nil, "")
		assert.NoError(t, err)
	})

	t.Run("StorageFailureReleasesDedupeKey", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		cache := redismocks.NewMockRedisClient(ctrl)
		svc := NewPurchaseService(brokenPurchases{memory.NewLedgerRepository()}, catalog.Default(), nil, stubWebhook{event: confirmEvent}, cache, nil, PurchaseOptions{})

		cache.EXPECT().SetNX(gomock.Any(), "stripe:event:evt_1", gomock.Any(), webhookDedupeTTL).Return(true, nil)
		cache.EXPECT().Del(gomock.Any(), "stripe:event:evt_1").Return(nil)

		_, err := svc.HandleWebhook(ctx, nil, "")
		assert.ErrorIs(t, err, pkgerrors.ErrStorageFailure)
	})

	t.Run("IgnoredEvent", func(t *testing.T) {
		ev := &payment.NormalizedEvent{ID: "evt_9", Type: "customer.created", Action: payment.ActionIgnore}
		svc := NewPurchaseService(memory.NewLedgerRepository(), catalog.Default(), nil, stubWebhook{event: ev}, nil, nil, PurchaseOptions{})
		got, err := svc.HandleWebhook(ctx, nil, "")
		require.NoError(t, err)
		assert.Equal(t, payment.ActionIgnore, got.Action)
	})
}

type brokenPurchases struct {
	*memory.LedgerRepository
}

func (brokenPurchases) GetPurchaseByExternalRef(context.Context, string) (*models.Transaction, error) {
	return nil, errors.New("pq: connection reset by peer")
}

func TestPurchaseService_ReconcilePurchase(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		session *payment.CheckoutSession
		err     error
		want    ReconcileOutcome
		balance int64
	}{
		{"Paid", &payment.CheckoutSession{ID: "cs_1", Status: payment.SessionComplete, Paid: true}, nil, OutcomeConfirmed, 100},
		{"Expired", &payment.CheckoutSession{ID: "cs_1", Status: payment.SessionExpired}, nil, OutcomeFailed, 0},
		{"StillOpen", &payment.CheckoutSession{ID: "cs_1", Status: payment.SessionOpen}, nil, OutcomeUnchanged, 0},
		{"CompleteAwaitingFunds", &payment.CheckoutSession{ID: "cs_1", Status: payment.SessionComplete}, nil, OutcomeUnchanged, 0},
		{"MissingAtProvider", nil, payment.ErrSessionMissing, OutcomeFailed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			gateway := paymentmocks.NewMockCheckoutGateway(ctrl)
			repo := memory.NewLedgerRepository()
			svc := NewPurchaseService(repo, catalog.Default(), gateway, nil, nil, nil, PurchaseOptions{})
			_, err := svc.Initiate(ctx, "user-1", "starter", "cs_1")
			require.NoError(t, err)

			gateway.EXPECT().GetCheckoutSession(gomock.Any(), "cs_1").Return(tt.session, tt.err)
			got, err := svc.ReconcilePurchase(ctx, "cs_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			var available int64
			if account, err := repo.GetAccount(ctx, "user-1"); err == nil {
				available = account.AvailableCredits
			}
			assert.Equal(t, tt.balance, available)
		})
	}

	t.Run("ProviderDown", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		gateway := paymentmocks.NewMockCheckoutGateway(ctrl)
		svc := NewPurchaseService(memory.NewLedgerRepository(), catalog.Default(), gateway, nil, nil, nil, PurchaseOptions{})
		gateway.EXPECT().GetCheckoutSession(gomock.Any(), "cs_1").Return(nil, payment.ErrProviderDown)

		got, err := svc.ReconcilePurchase(ctx, "cs_1")
		assert.Equal(t, OutcomeUnchanged, got)
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentProvider)
	})
}

func TestPurchaseService_OpenSessionYieldsToNewerStale(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	gateway := paymentmocks.NewMockCheckoutGateway(ctrl)
	svc := NewPurchaseService(memory.NewLedgerRepository(), catalog.Default(), gateway, nil, nil, nil, PurchaseOptions{})
	for _, ref := range []string{"cs_open", "cs_next"} {
		_, err := svc.Initiate(ctx, "user-1", "starter", ref)
		require.NoError(t, err)
	}
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	first, err := svc.ListStalePurchases(ctx, 30*time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "cs_open", first[0].ExternalRef)

	gateway.EXPECT().GetCheckoutSession(gomock.Any(), "cs_open").
		Return(&payment.CheckoutSession{ID: "cs_open", Status: payment.SessionOpen}, nil)
	got, err := svc.ReconcilePurchase(ctx, "cs_open")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, got)

	next, err := svc.ListStalePurchases(ctx, 30*time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "cs_next", next[0].ExternalRef)
}

func TestPurchaseService_ListStalePurchases(t *testing.T) {
	repo := memory.NewLedgerRepository()
	svc := NewPurchaseService(repo, catalog.Default(), nil, nil, nil, nil, PurchaseOptions{})
	ctx := context.Background()
	_, err := svc.Initiate(ctx, "user-1", "starter", "cs_1")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	stale, err := svc.ListStalePurchases(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "cs_1", stale[0].ExternalRef)

	fresh, err := svc.ListStalePurchases(ctx, 2*time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}
