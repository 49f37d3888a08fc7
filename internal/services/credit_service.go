package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/surahj/ai-interviewer/internal/infrastructure/kafka"
	"github.com/surahj/ai-interviewer/internal/infrastructure/observability"
	"github.com/surahj/ai-interviewer/internal/infrastructure/redis"
	"github.com/surahj/ai-interviewer/internal/models"
	"github.com/surahj/ai-interviewer/internal/repository"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	MinSessionCredits   int64 = 5
	MaxSessionCredits   int64 = 50
	MinutesPerCredit    int64 = 3
	DefaultHistoryLimit       = 50
	MaxHistoryLimit           = 200

	DefaultBonusDescription = "Welcome bonus"
)

// ComputeRequiredCredits prices an interview of the given length: one credit
// per started three minutes, never below 5 or above 50.
func ComputeRequiredCredits(durationMinutes int64) int64 {
	if durationMinutes <= 0 {
		return MinSessionCredits
	}
	credits := (durationMinutes + MinutesPerCredit - 1) / MinutesPerCredit
	if credits < MinSessionCredits {
		return MinSessionCredits
	}
	if credits > MaxSessionCredits {
		return MaxSessionCredits
	}
	return credits
}

// CreditsForSeconds prices a measured session duration.
func CreditsForSeconds(durationSeconds int64) int64 {
	return ComputeRequiredCredits((durationSeconds + 59) / 60)
}

type CreditService interface {
	GetBalance(ctx context.Context, userID string) (*models.Account, error)
	CheckSufficient(ctx context.Context, userID string, required int64) (bool, error)
	InitializeAccount(ctx context.Context, userID string, bonusCredits int64, description string) (*models.Account, bool, error)
	Grant(ctx context.Context, userID string, credits int64, description string) (*models.Transaction, error)
	Debit(ctx context.Context, userID string, amount int64, reference, description string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	VerifyAccount(ctx context.Context, userID string) (*Verification, error)

	Reserve(ctx context.Context, userID string, estimate int64, reference string) (*models.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error)
	Settle(ctx context.Context, reservationID string, actual int64) (*models.Reservation, error)
	SettleUsage(ctx context.Context, reservationID string, durationSeconds int64) error
}

// Verification is the result of recomputing an account from its ledger.
type Verification struct {
	Account    *models.Account `json:"account"`
	LedgerSum  int64           `json:"ledger_sum"`
	Consistent bool            `json:"consistent"`
}

type creditService struct {
	repo     repository.LedgerRepository
	cache    redis.RedisClient
	producer kafka.KafkaProducer
	topic    string
	loads    singleflight.Group
	tracer   trace.Tracer
}

// NewCreditService wires the ledger store. cache and producer may be nil.
func NewCreditService(
	repo repository.LedgerRepository,
	cache redis.RedisClient,
	producer kafka.KafkaProducer,
	ledgerTopic string,
) *creditService {
	if ledgerTopic == "" {
		ledgerTopic = DefaultLedgerTopic
	}
	return &creditService{
		repo:     repo,
		cache:    cache,
		producer: producer,
		topic:    ledgerTopic,
		tracer:   otel.Tracer("credit-service"),
	}
}

func (s *creditService) GetBalance(ctx context.Context, userID string) (*models.Account, error) {
	ctx, span := s.tracer.Start(ctx, "GetBalance", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	if userID == "" {
		return nil, pkgerrors.ErrInvalidUserID
	}

	if s.cache != nil {
		if account, ok := s.cachedBalance(ctx, userID); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return account, nil
		}
	}

	v, err, shared := s.loads.Do(userID, func() (any, error) {
		return s.loadBalance(ctx, userID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("cache_hit", false), attribute.Bool("shared_load", shared))
	account := *v.(*models.Account)
	return &account, nil
}

func (s *creditService) cachedBalance(ctx context.Context, userID string) (*models.Account, bool) {
	cached, err := s.cache.Get(ctx, balanceKey(userID))
	if err != nil {
		if !stderrors.Is(err, redis.ErrKeyNotFound) {
			observability.WithContext(ctx).Warn("balance cache read failed", "user_id", userID, "error", err)
		}
		return nil, false
	}
	if strings.HasPrefix(cached, balanceLeasePrefix) {
		return nil, false
	}
	var account models.Account
	if err := json.Unmarshal([]byte(cached), &account); err != nil {
		observability.WithContext(ctx).Warn("discarding malformed cached balance", "user_id", userID)
		return nil, false
	}
	return &account, true
}

// loadBalance reads the account and fills the cache under a lease. A
// mutation committed during the read deletes the lease, and the stale value
// is then not written.
func (s *creditService) loadBalance(ctx context.Context, userID string) (*models.Account, error) {
	lease := s.acquireBalanceLease(ctx, userID)

	account, err := s.repo.GetAccount(ctx, userID)
	if stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
		account, err = models.EmptyAccount(userID), nil
	}
	if err != nil {
		observability.WithContext(ctx).Error("failed to load balance", "user_id", userID, "error", err)
		return nil, classify(err)
	}

	if lease != "" {
		s.fillBalance(ctx, userID, lease, account)
	}
	return account, nil
}

func (s *creditService) acquireBalanceLease(ctx context.Context, userID string) string {
	if s.cache == nil {
		return ""
	}
	lease := balanceLeasePrefix + uuid.NewString()
	ok, err := s.cache.SetNX(ctx, balanceKey(userID), lease, balanceLeaseTTL)
	if err != nil {
		observability.WithContext(ctx).Warn("failed to take balance cache lease", "user_id", userID, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return lease
}

func (s *creditService) fillBalance(ctx context.Context, userID, lease string, account *models.Account) {
	key := balanceKey(userID)
	current, err := s.cache.Get(ctx, key)
	if err != nil || current != lease {
		slog.Debug("balance changed during load, skipping cache fill", "user_id", userID)
		return
	}
	payload, _ := json.Marshal(account)
	if err := s.cache.Set(ctx, key, string(payload), balanceCacheTTL); err != nil {
		observability.WithContext(ctx).Warn("failed to cache balance", "user_id", userID, "error", err)
	}
}

// CheckSufficient gates spending, so it reads the store and never the cache.
func (s *creditService) CheckSufficient(ctx context.Context, userID string, required int64) (bool, error) {
	if userID == "" {
		return false, pkgerrors.ErrInvalidUserID
	}
	if required <= 0 {
		return false, pkgerrors.ErrInvalidAmount
	}
	account, err := s.repo.GetAccount(ctx, userID)
	if stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		observability.WithContext(ctx).Error("failed to check balance", "user_id", userID, "error", err)
		return false, classify(err)
	}
	return account.AvailableCredits >= required, nil
}

func (s *creditService) InitializeAccount(ctx context.Context, userID string, bonusCredits int64, description string) (account *models.Account, granted bool, err error) {
	ctx, span := s.tracer.Start(ctx, "InitializeAccount", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("bonus_credits", bonusCredits),
	))
	defer func() { finish(span, "initialize_account", err) }()

	if userID == "" {
		return nil, false, pkgerrors.ErrInvalidUserID
	}
	if bonusCredits <= 0 {
		return nil, false, pkgerrors.ErrInvalidAmount
	}
	if description == "" {
		description = DefaultBonusDescription
	}

	tx := &models.Transaction{
		UserID:      userID,
		Type:        models.TypeGrant,
		Credits:     bonusCredits,
		Description: description,
	}
	account, granted, err = s.repo.GrantIfEmpty(ctx, tx)
	if err != nil {
		observability.WithContext(ctx).Error("failed to initialize account", "user_id", userID, "error", err)
		return nil, false, classify(err)
	}
	if !granted {
		slog.Info("account already initialized", "user_id", userID, "available_credits", account.AvailableCredits)
		return account, false, nil
	}

	invalidateBalance(ctx, s.cache, userID)
	observability.CreditsMoved.WithLabelValues(string(models.TypeGrant)).Add(float64(bonusCredits))
	publishEvent(ctx, s.producer, s.topic, LedgerEvent{
		EventType:        "account_initialized",
		UserID:           userID,
		TransactionID:    tx.ID,
		Type:             tx.Type,
		Credits:          tx.Credits,
		AvailableCredits: account.AvailableCredits,
		OccurredAt:       tx.CreatedAt,
	})
	slog.Info("account initialized", "user_id", userID, "credits", bonusCredits)
	return account, true, nil
}

func (s *creditService) Grant(ctx context.Context, userID string, credits int64, description string) (tx *models.Transaction, err error) {
	ctx, span := s.tracer.Start(ctx, "Grant", trace.WithAttributes(attribute.String("user_id", userID), attribute.Int64("credits", credits)))
	defer func() { finish(span, "grant", err) }()

	if userID == "" {
		return nil, pkgerrors.ErrInvalidUserID
	}
	if credits <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}

	tx = &models.Transaction{UserID: userID, Type: models.TypeGrant, Credits: credits, Description: description}
	account, err := s.repo.Grant(ctx, tx)
	if err != nil {
		observability.WithContext(ctx).Error("failed to grant credits", "user_id", userID, "credits", credits, "error", err)
		return nil, classify(err)
	}

	invalidateBalance(ctx, s.cache, userID)
	observability.CreditsMoved.WithLabelValues(string(models.TypeGrant)).Add(float64(credits))
	publishEvent(ctx, s.producer, s.topic, LedgerEvent{
		EventType:        "credits_granted",
		UserID:           userID,
		TransactionID:    tx.ID,
		Type:             tx.Type,
		Credits:          credits,
		AvailableCredits: account.AvailableCredits,
		OccurredAt:       tx.CreatedAt,
	})
	slog.Info("credits granted", "user_id", userID, "credits", credits)
	return tx, nil
}

func (s *creditService) Debit(ctx context.Context, userID string, amount int64, reference, description string) (tx *models.Transaction, err error) {
	ctx, span := s.tracer.Start(ctx, "Debit", trace.WithAttributes(attribute.String("user_id", userID), attribute.Int64("amount", amount)))
	defer func() { finish(span, "debit", err) }()

	if userID == "" {
		return nil, pkgerrors.ErrInvalidUserID
	}
	if amount < 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}

	tx = &models.Transaction{
		UserID:      userID,
		Type:        models.TypeDebit,
		Description: description,
		Reference:   reference,
	}
	account, err := s.repo.Debit(ctx, tx, amount)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrInsufficientCredits) {
			observability.WithContext(ctx).Warn("debit rejected", "user_id", userID, "amount", amount, "error", err)
			return nil, err
		}
		observability.WithContext(ctx).Error("failed to debit credits", "user_id", userID, "amount", amount, "error", err)
		return nil, classify(err)
	}

	invalidateBalance(ctx, s.cache, userID)
	observability.CreditsMoved.WithLabelValues(string(models.TypeDebit)).Add(float64(amount))
	publishEvent(ctx, s.producer, s.topic, LedgerEvent{
		EventType:        "credits_debited",
		UserID:           userID,
		TransactionID:    tx.ID,
		Type:             tx.Type,
		Credits:          tx.Credits,
		AvailableCredits: account.AvailableCredits,
		Reference:        reference,
		OccurredAt:       tx.CreatedAt,
	})
	slog.Info("credits debited", "user_id", userID, "amount", amount, "reference", reference, "available_credits", account.AvailableCredits)
	return tx, nil
}

func (s *creditService) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ListTransactions", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	if userID == "" {
		return nil, pkgerrors.ErrInvalidUserID
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	txs, err := s.repo.ListTransactions(ctx, userID, limit)
	if err != nil {
		span.RecordError(err)
		observability.WithContext(ctx).Error("failed to list transactions", "user_id", userID, "error", err)
		return nil, classify(err)
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs, nil
}

func (s *creditService) VerifyAccount(ctx context.Context, userID string) (*Verification, error) {
	ctx, span := s.tracer.Start(ctx, "VerifyAccount", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	account, err := s.repo.GetAccount(ctx, userID)
	if stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
		account, err = models.EmptyAccount(userID), nil
	}
	if err != nil {
		return nil, classify(err)
	}
	sum, err := s.repo.LedgerSum(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}

	v := &Verification{
		Account:    account,
		LedgerSum:  sum,
		Consistent: account.Consistent() && sum == account.AvailableCredits,
	}
	if !v.Consistent {
		observability.WithContext(ctx).Error("ledger inconsistency detected",
			"user_id", userID,
			"available_credits", account.AvailableCredits,
			"total_credits_earned", account.TotalCreditsEarned,
			"total_credits_used", account.TotalCreditsUsed,
			"ledger_sum", sum)
	}
	return v, nil
}

func (s *creditService) Reserve(ctx context.Context, userID string, estimate int64, reference string) (res *models.Reservation, err error) {
	ctx, span := s.tracer.Start(ctx, "Reserve", trace.WithAttributes(attribute.String("user_id", userID), attribute.Int64("estimate", estimate)))
	defer func() { finish(span, "reserve", err) }()

	if userID == "" {
		return nil, pkgerrors.ErrInvalidUserID
	}
	if estimate < 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}

	res = &models.Reservation{UserID: userID, Reference: reference, ReservedCredits: estimate}
	tx := &models.Transaction{
		UserID:      userID,
		Type:        models.TypeDebit,
		Description: "Interview reservation",
		Reference:   reference,
	}
	account, err := s.repo.OpenReservation(ctx, res, tx)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrInsufficientCredits) {
			observability.WithContext(ctx).Warn("reservation rejected", "user_id", userID, "estimate", estimate, "error", err)
			return nil, err
		}
		observability.WithContext(ctx).Error("failed to open reservation", "user_id", userID, "error", err)
		return nil, classify(err)
	}

	invalidateBalance(ctx, s.cache, userID)
	observability.CreditsMoved.WithLabelValues(string(models.TypeDebit)).Add(float64(estimate))
	publishEvent(ctx, s.producer, s.topic, LedgerEvent{
		EventType:        "reservation_opened",
		UserID:           userID,
		TransactionID:    tx.ID,
		ReservationID:    res.ID,
		Type:             tx.Type,
		Credits:          tx.Credits,
		AvailableCredits: account.AvailableCredits,
		Reference:        reference,
		OccurredAt:       res.CreatedAt,
	})
	slog.Info("reservation opened", "reservation_id", res.ID, "user_id", userID, "reserved_credits", estimate)
	return res, nil
}

func (s *creditService) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	res, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (s *creditService) Settle(ctx context.Context, reservationID string, actual int64) (res *models.Reservation, err error) {
	ctx, span := s.tracer.Start(ctx, "Settle", trace.WithAttributes(attribute.String("reservation_id", reservationID), attribute.Int64("actual", actual)))
	defer func() { finish(span, "settle", err) }()

	if actual < 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}

	open, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, classify(err)
	}
	if open.Status != models.ReservationOpen {
		return nil, pkgerrors.ErrReservationClosed
	}

	var adjustment *models.Transaction
	delta := actual - open.ReservedCredits
	switch {
	case delta > 0:
		adjustment = &models.Transaction{
			UserID:      open.UserID,
			Type:        models.TypeDebit,
			Credits:     -delta,
			Description: "Interview overage",
			Reference:   open.Reference,
		}
	case delta < 0:
		adjustment = &models.Transaction{
			UserID:      open.UserID,
			Type:        models.TypeGrant,
			Credits:     -delta,
			Description: "Unused reservation refund",
			Reference:   open.Reference,
		}
	}

	res, account, err := s.repo.SettleReservation(ctx, reservationID, actual, adjustment)
	if err != nil {
		switch {
		case stderrors.Is(err, pkgerrors.ErrInsufficientCredits):
			observability.WithContext(ctx).Warn("settlement overage rejected, reservation stays open", "reservation_id", reservationID, "user_id", open.UserID, "error", err)
		case stderrors.Is(err, pkgerrors.ErrReservationClosed):
			observability.WithContext(ctx).Warn("reservation already settled", "reservation_id", reservationID)
		default:
			observability.WithContext(ctx).Error("failed to settle reservation", "reservation_id", reservationID, "error", err)
		}
		return nil, classify(err)
	}

	invalidateBalance(ctx, s.cache, res.UserID)
	ev := LedgerEvent{
		EventType:        "reservation_settled",
		UserID:           res.UserID,
		ReservationID:    res.ID,
		Credits:          actual,
		AvailableCredits: account.AvailableCredits,
		Reference:        res.Reference,
		OccurredAt:       time.Now().UTC(),
	}
	if adjustment != nil {
		observability.CreditsMoved.WithLabelValues(string(adjustment.Type)).Add(float64(abs(adjustment.Credits)))
		ev.TransactionID = adjustment.ID
		ev.Type = adjustment.Type
	}
	publishEvent(ctx, s.producer, s.topic, ev)
	slog.Info("reservation settled", "reservation_id", res.ID, "user_id", res.UserID, "reserved_credits", res.ReservedCredits, "settled_credits", actual)
	return res, nil
}

func (s *creditService) SettleUsage(ctx context.Context, reservationID string, durationSeconds int64) error {
	_, err := s.Settle(ctx, reservationID, CreditsForSeconds(durationSeconds))
	return err
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
