package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/surahj/ai-interviewer/internal/catalog"
	"github.com/surahj/ai-interviewer/internal/infrastructure/kafka"
	"github.com/surahj/ai-interviewer/internal/infrastructure/observability"
	"github.com/surahj/ai-interviewer/internal/infrastructure/redis"
	"github.com/surahj/ai-interviewer/internal/models"
	"github.com/surahj/ai-interviewer/internal/payment"
	"github.com/surahj/ai-interviewer/internal/repository"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const webhookDedupeTTL = 24 * time.Hour

type ReconcileOutcome string

const (
	OutcomeConfirmed        ReconcileOutcome = "confirmed"
	OutcomeFailed           ReconcileOutcome = "failed"
	OutcomeUnchanged        ReconcileOutcome = "unchanged"
	OutcomeAlreadyProcessed ReconcileOutcome = "already_processed"
)

type CheckoutResult struct {
	SessionID   string               `json:"session_id"`
	CheckoutURL string               `json:"checkout_url"`
	Package     models.CreditPackage `json:"package"`
}

// WebhookParser verifies and decodes provider webhook deliveries.
type WebhookParser interface {
	VerifyAndParse(payload []byte, signature string) (*payment.NormalizedEvent, error)
}

type PurchaseService interface {
	Packages() []models.CreditPackage
	StartCheckout(ctx context.Context, userID, packageID string) (*CheckoutResult, error)
	Initiate(ctx context.Context, userID, packageID, sessionRef string) (*models.Transaction, error)
	Confirm(ctx context.Context, sessionRef string) (*models.Transaction, error)
	MarkFailed(ctx context.Context, sessionRef, reason string) (*models.Transaction, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*payment.NormalizedEvent, error)
	ListStalePurchases(ctx context.Context, olderThan time.Duration, limit int) ([]models.Transaction, error)
	ReconcilePurchase(ctx context.Context, sessionRef string) (ReconcileOutcome, error)
}

type PurchaseOptions struct {
	LedgerTopic string
	SuccessURL  string
	CancelURL   string
}

type purchaseService struct {
	repo     repository.LedgerRepository
	catalog  *catalog.Catalog
	gateway  payment.CheckoutGateway
	webhook  WebhookParser
	cache    redis.RedisClient
	producer kafka.KafkaProducer
	opts     PurchaseOptions
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPurchaseService wires checkout and reconciliation. cache and producer
// may be nil.
func NewPurchaseService(
	repo repository.LedgerRepository,
	cat *catalog.Catalog,
	gateway payment.CheckoutGateway,
	webhook WebhookParser,
	cache redis.RedisClient,
	producer kafka.KafkaProducer,
	opts PurchaseOptions,
) *purchaseService {
	if opts.LedgerTopic == "" {
		opts.LedgerTopic = DefaultLedgerTopic
	}
	return &purchaseService{
		repo:     repo,
		catalog:  cat,
		gateway:  gateway,
		webhook:  webhook,
		cache:    cache,
		producer: producer,
		opts:     opts,
		tracer:   otel.Tracer("purchase-service"),
		now:      time.Now,
	}
}

func (s *purchaseService) Packages() []models.CreditPackage {
	return s.catalog.Active()
}

func (s *purchaseService) StartCheckout(ctx context.Context, userID, packageID string) (result *CheckoutResult, err error) {
	ctx, span := s.tracer.Start(ctx, "StartCheckout", trace.WithAttributes(attribute.String("user_id", userID), attribute.String("package_id", packageID)))
	defer func() { finish(span, "start_checkout", err) }()

	if userID == "" {
		return nil, pkgerrors.ErrInvalidUserID
	}
	pkg, err := s.catalog.Purchasable(packageID)
	if err != nil {
		return nil, err
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		UserID:     userID,
		Package:    pkg,
		SuccessURL: s.opts.SuccessURL,
		CancelURL:  s.opts.CancelURL,
	})
	if err != nil {
		observability.WithContext(ctx).Error("failed to create checkout session", "user_id", userID, "package_id", pkg.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrPaymentProvider, err)
	}

	if _, err = s.Initiate(ctx, userID, pkg.ID, sess.ID); err != nil {
		// the session is abandoned; its webhook will find no pending row
		observability.WithContext(ctx).Error("checkout session created without pending purchase", "user_id", userID, "session_id", sess.ID, "error", err)
		return nil, err
	}

	return &CheckoutResult{SessionID: sess.ID, CheckoutURL: sess.URL, Package: pkg}, nil
}

func (s *purchaseService) Initiate(ctx context.Context, userID, packageID, sessionRef string) (tx *models.Transaction, err error) {
	ctx, span := s.tracer.Start(ctx, "InitiatePurchase", trace.WithAttributes(attribute.String("user_id", userID), attribute.String("external_ref", sessionRef)))
	defer func() { finish(span, "initiate_purchase", err) }()

	if userID == "" {
		return nil, pkgerrors.ErrInvalidUserID
	}
	if sessionRef == "" {
		return nil, pkgerrors.ErrInvalidReference
	}
	pkg, err := s.catalog.Purchasable(packageID)
	if err != nil {
		return nil, err
	}

	tx = &models.Transaction{
		UserID:      userID,
		Type:        models.TypePurchasePending,
		Description: "Credit purchase: " + pkg.Name,
		Reference:   pkg.ID,
		ExternalRef: sessionRef,
		Metadata: map[string]string{
			models.MetaPackageID: pkg.ID,
			models.MetaCredits:   strconv.FormatInt(pkg.Credits, 10),
			models.MetaSessionID: sessionRef,
		},
	}
	if err = s.repo.CreatePendingPurchase(ctx, tx); err != nil {
		observability.WithContext(ctx).Error("failed to record pending purchase", "user_id", userID, "external_ref", sessionRef, "error", err)
		return nil, classify(err)
	}

	slog.Info("purchase initiated", "user_id", userID, "package_id", pkg.ID, "external_ref", sessionRef)
	return tx, nil
}

// creditsFor reads the credits promised at checkout time, falling back to
// the catalog for rows written without them.
func (s *purchaseService) creditsFor(pending *models.Transaction) (int64, error) {
	if raw, ok := pending.Metadata[models.MetaCredits]; ok {
		credits, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && credits > 0 {
			return credits, nil
		}
	}
	pkg, err := s.catalog.Get(pending.Metadata[models.MetaPackageID])
	if err != nil {
		return 0, fmt.Errorf("purchase %s has no credit amount: %w", pending.ExternalRef, err)
	}
	return pkg.Credits, nil
}

func (s *purchaseService) Confirm(ctx context.Context, sessionRef string) (tx *models.Transaction, err error) {
	ctx, span := s.tracer.Start(ctx, "ConfirmPurchase", trace.WithAttributes(attribute.String("external_ref", sessionRef)))
	defer func() { finish(span, "confirm_purchase", err) }()

	if sessionRef == "" {
		return nil, pkgerrors.ErrInvalidReference
	}

	pending, err := s.repo.GetPurchaseByExternalRef(ctx, sessionRef)
	if err != nil {
		return nil, classify(err)
	}
	if pending.Type != models.TypePurchasePending {
		return nil, fmt.Errorf("%w: purchase is %s", pkgerrors.ErrAlreadyProcessed, pending.Type)
	}
	credits, err := s.creditsFor(pending)
	if err != nil {
		return nil, err
	}

	tx, account, err := s.repo.CompletePurchase(ctx, sessionRef, credits)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrAlreadyProcessed) {
			observability.WithContext(ctx).Warn("purchase already processed", "external_ref", sessionRef)
		} else {
			observability.WithContext(ctx).Error("failed to confirm purchase", "external_ref", sessionRef, "error", err)
		}
		return nil, classify(err)
	}

	invalidateBalance(ctx, s.cache, tx.UserID)
	observability.CreditsMoved.WithLabelValues(string(models.TypePurchase)).Add(float64(credits))
	publishEvent(ctx, s.producer, s.opts.LedgerTopic, LedgerEvent{
		EventType:        "purchase_confirmed",
		UserID:           tx.UserID,
		TransactionID:    tx.ID,
		Type:             tx.Type,
		Credits:          credits,
		AvailableCredits: account.AvailableCredits,
		Reference:        sessionRef,
		OccurredAt:       s.now().UTC(),
	})
	slog.Info("purchase confirmed", "user_id", tx.UserID, "external_ref", sessionRef, "credits", credits, "available_credits", account.AvailableCredits)
	return tx, nil
}

func (s *purchaseService) MarkFailed(ctx context.Context, sessionRef, reason string) (tx *models.Transaction, err error) {
	ctx, span := s.tracer.Start(ctx, "MarkPurchaseFailed", trace.WithAttributes(attribute.String("external_ref", sessionRef)))
	defer func() { finish(span, "fail_purchase", err) }()

	if sessionRef == "" {
		return nil, pkgerrors.ErrInvalidReference
	}
	if reason == "" {
		reason = "payment failed"
	}

	tx, err = s.repo.FailPurchase(ctx, sessionRef, reason)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrAlreadyProcessed) {
			observability.WithContext(ctx).Warn("purchase already processed", "external_ref", sessionRef)
		} else {
			observability.WithContext(ctx).Error("failed to mark purchase failed", "external_ref", sessionRef, "error", err)
		}
		return nil, classify(err)
	}

	publishEvent(ctx, s.producer, s.opts.LedgerTopic, LedgerEvent{
		EventType:     "purchase_failed",
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		Type:          tx.Type,
		Reference:     sessionRef,
		OccurredAt:    s.now().UTC(),
	})
	slog.Info("purchase marked failed", "user_id", tx.UserID, "external_ref", sessionRef, "reason", reason)
	return tx, nil
}

// HandleWebhook verifies a provider delivery and applies it. Deliveries for
// purchases that are already final or unknown are acknowledged; only
// transient failures return an error so the provider retries.
func (s *purchaseService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*payment.NormalizedEvent, error) {
	ctx, span := s.tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	ev, err := s.webhook.VerifyAndParse(payload, signature)
	if err != nil {
		observability.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		observability.WithContext(ctx).Warn("rejected webhook delivery", "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("event_id", ev.ID), attribute.String("event_type", ev.Type), attribute.String("action", ev.Action.String()))

	if ev.Action == payment.ActionIgnore {
		observability.WebhookEvents.WithLabelValues(ev.Type, "ignored").Inc()
		slog.Debug("ignoring webhook event", "event_id", ev.ID, "event_type", ev.Type)
		return ev, nil
	}

	dedupeKey := "stripe:event:" + ev.ID
	if s.cache != nil {
		fresh, err := s.cache.SetNX(ctx, dedupeKey, "processing", webhookDedupeTTL)
		if err != nil {
			observability.WithContext(ctx).Warn("webhook dedupe unavailable, relying on ledger guard", "event_id", ev.ID, "error", err)
		} else if !fresh {
			observability.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
			slog.Info("duplicate webhook delivery", "event_id", ev.ID, "event_type", ev.Type)
			return ev, nil
		}
	}

	switch ev.Action {
	case payment.ActionConfirm:
		_, err = s.Confirm(ctx, ev.SessionID)
	case payment.ActionFail:
		_, err = s.MarkFailed(ctx, ev.SessionID, ev.Reason)
	}

	switch {
	case err == nil:
		observability.WebhookEvents.WithLabelValues(ev.Type, "applied").Inc()
		return ev, nil
	case stderrors.Is(err, pkgerrors.ErrAlreadyProcessed):
		observability.WebhookEvents.WithLabelValues(ev.Type, "already_processed").Inc()
		return ev, nil
	case stderrors.Is(err, pkgerrors.ErrPendingPurchaseNotFound):
		observability.WebhookEvents.WithLabelValues(ev.Type, "not_found").Inc()
		observability.WithContext(ctx).Error("webhook references unknown purchase", "event_id", ev.ID, "session_id", ev.SessionID, "user_id", ev.UserID)
		return ev, nil
	}

	observability.WebhookEvents.WithLabelValues(ev.Type, "error").Inc()
	if s.cache != nil {
		if delErr := s.cache.Del(ctx, dedupeKey); delErr != nil {
			observability.WithContext(ctx).Warn("failed to release webhook dedupe key", "event_id", ev.ID, "error", delErr)
		}
	}
	span.RecordError(err)
	return ev, err
}

func (s *purchaseService) ListStalePurchases(ctx context.Context, olderThan time.Duration, limit int) ([]models.Transaction, error) {
	txs, err := s.repo.ListPendingPurchases(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return nil, classify(err)
	}
	return txs, nil
}

// ReconcilePurchase asks the provider for the session state of a pending
// purchase and applies it.
func (s *purchaseService) ReconcilePurchase(ctx context.Context, sessionRef string) (ReconcileOutcome, error) {
	sess, err := s.gateway.GetCheckoutSession(ctx, sessionRef)
	if stderrors.Is(err, payment.ErrSessionMissing) {
		return s.applyFailure(ctx, sessionRef, "checkout session not found")
	}
	if err != nil {
		s.markChecked(ctx, sessionRef)
		return OutcomeUnchanged, fmt.Errorf("%w: %w", pkgerrors.ErrPaymentProvider, err)
	}

	switch {
	case sess.Status == payment.SessionComplete && sess.Paid:
		_, err = s.Confirm(ctx, sessionRef)
		if stderrors.Is(err, pkgerrors.ErrAlreadyProcessed) {
			return OutcomeAlreadyProcessed, nil
		}
		if err != nil {
			return OutcomeUnchanged, err
		}
		return OutcomeConfirmed, nil
	case sess.Status == payment.SessionExpired:
		return s.applyFailure(ctx, sessionRef, "checkout session expired")
	}
	s.markChecked(ctx, sessionRef)
	return OutcomeUnchanged, nil
}

// markChecked moves a purchase that is still open behind the other stale
// rows. A failed stamp only costs ordering, so it is logged and dropped.
func (s *purchaseService) markChecked(ctx context.Context, sessionRef string) {
	if err := s.repo.MarkPurchaseChecked(ctx, sessionRef, s.now()); err != nil {
		observability.WithContext(ctx).Warn("failed to mark purchase checked", "external_ref", sessionRef, "error", err)
	}
}

func (s *purchaseService) applyFailure(ctx context.Context, sessionRef, reason string) (ReconcileOutcome, error) {
	_, err := s.MarkFailed(ctx, sessionRef, reason)
	if stderrors.Is(err, pkgerrors.ErrAlreadyProcessed) {
		return OutcomeAlreadyProcessed, nil
	}
	if err != nil {
		return OutcomeUnchanged, err
	}
	return OutcomeFailed, nil
}
