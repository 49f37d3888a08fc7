package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/surahj/ai-interviewer/internal/api"
	"github.com/surahj/ai-interviewer/internal/catalog"
	"github.com/surahj/ai-interviewer/internal/config"
	"github.com/surahj/ai-interviewer/internal/handler"
	"github.com/surahj/ai-interviewer/internal/infrastructure/kafka"
	"github.com/surahj/ai-interviewer/internal/infrastructure/redis"
	"github.com/surahj/ai-interviewer/internal/observability"
	"github.com/surahj/ai-interviewer/internal/payment"
	repository "github.com/surahj/ai-interviewer/internal/repository/postgres"
	service "github.com/surahj/ai-interviewer/internal/services"
	"github.com/surahj/ai-interviewer/internal/worker"
	"golang.org/x/sync/errgroup"
)

const serviceName = "credit-service"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracing, _ := observability.Setup(serviceName, cfg.LogLevel, cfg.OTLPEndpoint)
	defer shutdownTracing(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := repository.Migrate(ctx, db); err != nil {
		return err
	}

	// the cache is optional; without it every read goes to Postgres
	var cache redis.RedisClient
	if redisClient, err := redis.NewClient(ctx, cfg.RedisAddr); err != nil {
		slog.Warn("running without Redis cache and webhook dedupe", "addr", cfg.RedisAddr, "error", err)
	} else {
		cache = redisClient
		defer redisClient.Close()
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	cat := catalog.Default()
	if cfg.PackagesFile != "" {
		if cat, err = catalog.Load(cfg.PackagesFile); err != nil {
			return err
		}
	}

	repo := repository.NewPostgresLedgerRepository(db)
	credits := service.NewCreditService(repo, cache, producer, cfg.LedgerTopic)
	purchases := service.NewPurchaseService(repo, cat,
		payment.NewStripeGateway(cfg.StripeSecretKey),
		payment.NewStripeWebhook(cfg.StripeWebhookSecret),
		cache, producer,
		service.PurchaseOptions{
			LedgerTopic: cfg.LedgerTopic,
			SuccessURL:  cfg.CheckoutSuccessURL,
			CancelURL:   cfg.CheckoutCancelURL,
		},
	)

	usage := kafka.NewConsumer(cfg.KafkaBrokers, cfg.UsageTopic, cfg.UsageGroupID, credits)
	defer usage.Close()

	reconciler := worker.NewReconciler(purchases, cfg.ReconcileInterval, cfg.PendingPurchaseTTL)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.SetupRouter(handler.NewHandler(credits, purchases, cfg.SignupBonusCredits), cache, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return usage.Consume(gctx)
	})
	g.Go(func() error {
		reconciler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		slog.Info("server stopped")
		return nil
	})

	return g.Wait()
}
