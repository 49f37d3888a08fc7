package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/surahj/ai-interviewer/internal/catalog"
	"github.com/surahj/ai-interviewer/internal/config"
	"github.com/surahj/ai-interviewer/internal/infrastructure/observability"
	"github.com/surahj/ai-interviewer/internal/payment"
	repository "github.com/surahj/ai-interviewer/internal/repository/postgres"
	service "github.com/surahj/ai-interviewer/internal/services"
)

// app holds what the admin commands operate on. Commands never touch the
// cache or the event stream.
type app struct {
	cfg       *config.Config
	credits   service.CreditService
	purchases service.PurchaseService
	migrate   func(ctx context.Context) error
	close     func() error
}

// openApp is replaced in tests.
var openApp = func(ctx context.Context) (*app, error) {
	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	cat := catalog.Default()
	if cfg.PackagesFile != "" {
		if cat, err = catalog.Load(cfg.PackagesFile); err != nil {
			db.Close()
			return nil, err
		}
	}

	repo := repository.NewPostgresLedgerRepository(db)
	return &app{
		cfg:     cfg,
		credits: service.NewCreditService(repo, nil, nil, cfg.LedgerTopic),
		purchases: service.NewPurchaseService(repo, cat,
			payment.NewStripeGateway(cfg.StripeSecretKey),
			payment.NewStripeWebhook(cfg.StripeWebhookSecret),
			nil, nil,
			service.PurchaseOptions{LedgerTopic: cfg.LedgerTopic},
		),
		migrate: func(ctx context.Context) error { return repository.Migrate(ctx, db) },
		close:   db.Close,
	}, nil
}

var rootCmd = &cobra.Command{
	Use:   "creditctl",
	Short: "Administer the interview credit ledger",
	Long: `creditctl inspects and repairs the credit ledger directly against Postgres.
It reads the same environment (and .env file) as the server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		observability.InitLogger(level)
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp opens the ledger for a single command invocation.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
