package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surahj/ai-interviewer/internal/catalog"
	"github.com/surahj/ai-interviewer/internal/config"
	"github.com/surahj/ai-interviewer/internal/models"
	"github.com/surahj/ai-interviewer/internal/payment"
	paymentmocks "github.com/surahj/ai-interviewer/internal/payment/mocks"
	"github.com/surahj/ai-interviewer/internal/repository/memory"
	service "github.com/surahj/ai-interviewer/internal/services"
	"go.uber.org/mock/gomock"
)

type testLedger struct {
	repo      *memory.LedgerRepository
	gateway   *paymentmocks.MockCheckoutGateway
	purchases service.PurchaseService
	migrated  bool
}

func useTestLedger(t *testing.T) *testLedger {
	t.Helper()
	ctrl := gomock.NewController(t)
	l := &testLedger{repo: memory.NewLedgerRepository(), gateway: paymentmocks.NewMockCheckoutGateway(ctrl)}
	l.purchases = service.NewPurchaseService(l.repo, catalog.Default(), l.gateway, payment.NewStripeWebhook("whsec_test"), nil, nil, service.PurchaseOptions{})

	prev := openApp
	openApp = func(ctx context.Context) (*app, error) {
		return &app{
			cfg:       &config.Config{PendingPurchaseTTL: -time.Second, ReconcileInterval: time.Minute},
			credits:   service.NewCreditService(l.repo, nil, nil, ""),
			purchases: l.purchases,
			migrate: func(context.Context) error {
				l.migrated = true
				return nil
			},
			close: func() error { return nil },
		}, nil
	}
	t.Cleanup(func() { openApp = prev })
	return l
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestMigrate(t *testing.T) {
	l := useTestLedger(t)
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.True(t, l.migrated)
	assert.Contains(t, out, "up to date")
}

func TestGrantBonusBalanceAndVerify(t *testing.T) {
	useTestLedger(t)

	out, err := run(t, "grant-bonus", "user-1")
	require.NoError(t, err)
	assert.Contains(t, out, "granted 50 credits to user-1")

	out, err = run(t, "grant-bonus", "user-1", "--credits", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "already initialized with 50 credits")

	out, err = run(t, "grant-bonus", "user-1", "--credits", "20", "--force", "--description", "Support goodwill")
	require.NoError(t, err)
	assert.Contains(t, out, "granted 20 credits")

	out, err = run(t, "balance", "user-1")
	require.NoError(t, err)
	assert.Contains(t, out, "available: 70")
	assert.Contains(t, out, "earned:    70")

	out, err = run(t, "verify", "user-1")
	require.NoError(t, err)
	assert.Contains(t, out, "ledger:    70")
	assert.Contains(t, out, "ok")
}

func TestHistory(t *testing.T) {
	useTestLedger(t)
	_, err := run(t, "grant-bonus", "user-1")
	require.NoError(t, err)
	_, err = run(t, "grant-bonus", "user-1", "--force", "--credits", "5", "--description", "Second")
	require.NoError(t, err)

	out, err := run(t, "history", "user-1")
	require.NoError(t, err)
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "Welcome bonus")

	out, err = run(t, "history", "user-1", "--json", "-n", "1")
	require.NoError(t, err)
	var txs []models.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "Second", txs[0].Description)
}

func TestBalanceRequiresUser(t *testing.T) {
	useTestLedger(t)
	_, err := run(t, "balance")
	assert.Error(t, err)
}

func TestReconcile(t *testing.T) {
	l := useTestLedger(t)
	ctx := context.Background()
	_, err := l.purchases.Initiate(ctx, "user-1", "starter", "cs_paid")
	require.NoError(t, err)
	_, err = l.purchases.Initiate(ctx, "user-2", "starter", "cs_expired")
	require.NoError(t, err)

	l.gateway.EXPECT().GetCheckoutSession(gomock.Any(), "cs_paid").
		Return(&payment.CheckoutSession{ID: "cs_paid", Status: payment.SessionComplete, Paid: true}, nil)
	l.gateway.EXPECT().GetCheckoutSession(gomock.Any(), "cs_expired").
		Return(&payment.CheckoutSession{ID: "cs_expired", Status: payment.SessionExpired}, nil)

	out, err := run(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 2: 1 confirmed, 1 failed")

	account, err := l.repo.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.AvailableCredits)
}
