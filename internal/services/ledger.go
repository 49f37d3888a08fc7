package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/surahj/ai-interviewer/internal/infrastructure/kafka"
	"github.com/surahj/ai-interviewer/internal/infrastructure/observability"
	"github.com/surahj/ai-interviewer/internal/infrastructure/redis"
	"github.com/surahj/ai-interviewer/internal/models"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLedgerTopic = "credit-ledger"
	balanceCacheTTL    = time.Minute
	balanceLeaseTTL    = 5 * time.Second
	balanceLeasePrefix = "lease:"
)

// LedgerEvent is published after every committed ledger change, keyed by
// user id.
type LedgerEvent struct {
	EventType        string                 `json:"event_type"`
	UserID           string                 `json:"user_id"`
	TransactionID    string                 `json:"transaction_id,omitempty"`
	ReservationID    string                 `json:"reservation_id,omitempty"`
	Type             models.TransactionType `json:"type,omitempty"`
	Credits          int64                  `json:"credits"`
	AvailableCredits int64                  `json:"available_credits"`
	Reference        string                 `json:"reference,omitempty"`
	OccurredAt       time.Time              `json:"occurred_at"`
}

func balanceKey(userID string) string {
	return fmt.Sprintf("user:%s:credits", userID)
}

func invalidateBalance(ctx context.Context, cache redis.RedisClient, userID string) {
	if cache == nil || userID == "" {
		return
	}
	if err := cache.Del(ctx, balanceKey(userID)); err != nil {
		observability.WithContext(ctx).Warn("failed to invalidate cached balance", "user_id", userID, "error", err)
	}
}

// publishEvent is best effort: the ledger change is already committed.
func publishEvent(ctx context.Context, producer kafka.KafkaProducer, topic string, ev LedgerEvent) {
	if producer == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		observability.WithContext(ctx).Error("failed to marshal ledger event", "event_type", ev.EventType, "user_id", ev.UserID, "error", err)
		return
	}
	if err := producer.Send(ctx, topic, ev.UserID, payload); err != nil {
		observability.WithContext(ctx).Error("failed to publish ledger event", "event_type", ev.EventType, "user_id", ev.UserID, "error", err)
		return
	}
	slog.Debug("ledger event published", "event_type", ev.EventType, "user_id", ev.UserID)
}

var knownErrors = []error{
	pkgerrors.ErrInsufficientCredits,
	pkgerrors.ErrAlreadyProcessed,
	pkgerrors.ErrPendingPurchaseNotFound,
	pkgerrors.ErrStorageFailure,
	pkgerrors.ErrAccountNotFound,
	pkgerrors.ErrInvalidAmount,
	pkgerrors.ErrInvalidUserID,
	pkgerrors.ErrInvalidReference,
	pkgerrors.ErrNilTransaction,
	pkgerrors.ErrInvalidTransactionType,
	pkgerrors.ErrPackageNotFound,
	pkgerrors.ErrPackageInactive,
	pkgerrors.ErrReservationNotFound,
	pkgerrors.ErrReservationClosed,
	pkgerrors.ErrPaymentProvider,
}

// classify maps any store error outside the ledger taxonomy to
// ErrStorageFailure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range knownErrors {
		if stderrors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", pkgerrors.ErrStorageFailure, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case stderrors.Is(err, pkgerrors.ErrInsufficientCredits):
		return "insufficient_credits"
	case stderrors.Is(err, pkgerrors.ErrAlreadyProcessed), stderrors.Is(err, pkgerrors.ErrReservationClosed):
		return "already_processed"
	case stderrors.Is(err, pkgerrors.ErrPendingPurchaseNotFound), stderrors.Is(err, pkgerrors.ErrReservationNotFound):
		return "not_found"
	case stderrors.Is(err, pkgerrors.ErrStorageFailure):
		return "storage_failure"
	case stderrors.Is(err, pkgerrors.ErrPaymentProvider):
		return "provider_error"
	}
	return "invalid"
}

// finish records the operation outcome on the span and the ledger counter.
// Expected rejections do not mark the span as failed.
func finish(span trace.Span, operation string, err error) {
	result := outcome(err)
	observability.LedgerOperations.WithLabelValues(operation, result).Inc()
	if result == "storage_failure" || result == "provider_error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
