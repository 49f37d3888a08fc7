package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
)

// UsageEvent is published by the interview session handler when a billable
// session ends.
type UsageEvent struct {
	ReservationID   string `json:"reservation_id"`
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// UsageSettler settles a reservation against the measured session length.
type UsageSettler interface {
	SettleUsage(ctx context.Context, reservationID string, durationSeconds int64) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = 30 * time.Second
)

type Consumer struct {
	reader  messageReader
	topic   string
	settler UsageSettler

	retryInitial time.Duration
	retryMax     time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, settler UsageSettler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		topic:        topic,
		settler:      settler,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
	}
}

// Consume processes usage events until ctx is cancelled. Offsets are
// positional, so a message that fails transiently is retried in place and
// nothing behind it is fetched or committed until it settles.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to read Kafka message", "topic", c.topic, "error", err)
			continue
		}

		if err := c.handleWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit Kafka offset", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultRetryInitial
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultRetryMax
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.handle(ctx, msg)
		if err != nil {
			slog.Error("failed to settle usage, retrying", "topic", msg.Topic, "offset", msg.Offset, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	return err
}

// handle returns an error only for failures worth retrying.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var event UsageEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		slog.Error("failed to unmarshal usage event", "offset", msg.Offset, "error", err)
		return nil
	}
	if event.ReservationID == "" || event.DurationSeconds < 0 {
		slog.Error("invalid usage event", "reservation_id", event.ReservationID, "duration_seconds", event.DurationSeconds)
		return nil
	}

	err := c.settler.SettleUsage(ctx, event.ReservationID, event.DurationSeconds)
	switch {
	case err == nil:
		slog.Info("usage settled", "reservation_id", event.ReservationID, "user_id", event.UserID, "duration_seconds", event.DurationSeconds)
		return nil
	case errors.Is(err, pkgerrors.ErrReservationClosed):
		slog.Warn("usage already settled", "reservation_id", event.ReservationID)
		return nil
	case errors.Is(err, pkgerrors.ErrReservationNotFound), errors.Is(err, pkgerrors.ErrInsufficientCredits):
		// TODO: route to a dead-letter topic once the session handler consumes one
		slog.Error("usage event cannot be settled", "reservation_id", event.ReservationID, "user_id", event.UserID, "error", err)
		return nil
	default:
		return fmt.Errorf("settle reservation %s: %w", event.ReservationID, err)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
