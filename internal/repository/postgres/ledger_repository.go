package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/surahj/ai-interviewer/internal/infrastructure/observability"
	"github.com/surahj/ai-interviewer/internal/models"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	accountColumns     = `user_id, available_credits, total_credits_earned, total_credits_used, created_at, updated_at`
	transactionColumns = `id, user_id, type, credits, description, reference, external_ref, metadata, created_at`
	reservationColumns = `id, user_id, reference, reserved_credits, settled_credits, status, created_at, settled_at`

	ensureAccountQuery = `INSERT INTO credit_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`

	debitAccountQuery = `UPDATE credit_accounts SET available_credits = available_credits - $2, total_credits_used = total_credits_used + $2, updated_at = NOW() WHERE user_id = $1 AND available_credits >= $2 RETURNING ` + accountColumns

	creditAccountQuery = `INSERT INTO credit_accounts (user_id, available_credits, total_credits_earned) VALUES ($1, $2, $2) ON CONFLICT (user_id) DO UPDATE SET available_credits = credit_accounts.available_credits + EXCLUDED.available_credits, total_credits_earned = credit_accounts.total_credits_earned + EXCLUDED.total_credits_earned, updated_at = NOW() RETURNING ` + accountColumns

	insertTransactionQuery = `INSERT INTO credit_transactions (id, user_id, type, credits, description, reference, external_ref, metadata) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`

	uniqueViolation = "23505"
)

type PostgresLedgerRepository struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresLedgerRepository(db *sql.DB) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db, tracer: otel.Tracer("ledger-repository")}
}

// observe starts a span for method and returns the function that records
// the call outcome. Business rejections are counted apart from failures.
func (r *PostgresLedgerRepository) observe(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := r.tracer.Start(ctx, method, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		status := "success"
		switch {
		case err == nil:
		case isRejection(err):
			status = "rejected"
			span.SetAttributes(attribute.String("rejection", err.Error()))
		default:
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func isRejection(err error) bool {
	return stderrors.Is(err, pkgerrors.ErrInsufficientCredits) ||
		stderrors.Is(err, pkgerrors.ErrAlreadyProcessed) ||
		stderrors.Is(err, pkgerrors.ErrPendingPurchaseNotFound) ||
		stderrors.Is(err, pkgerrors.ErrAccountNotFound) ||
		stderrors.Is(err, pkgerrors.ErrReservationNotFound) ||
		stderrors.Is(err, pkgerrors.ErrReservationClosed)
}

func rollback(dbTx *sql.Tx, method string, err error) error {
	if rbErr := dbTx.Rollback(); rbErr != nil {
		slog.Error("rollback failed", "method", method, "error", rbErr)
		return fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.UserID, &a.AvailableCredits, &a.TotalCreditsEarned, &a.TotalCreditsUsed, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t           models.Transaction
		externalRef sql.NullString
		metadata    []byte
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Credits, &t.Description, &t.Reference, &externalRef, &metadata, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ExternalRef = externalRef.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &t, nil
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		res       models.Reservation
		settledAt sql.NullTime
	)
	if err := row.Scan(&res.ID, &res.UserID, &res.Reference, &res.ReservedCredits, &res.SettledCredits, &res.Status, &res.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	if settledAt.Valid {
		res.SettledAt = &settledAt.Time
	}
	return &res, nil
}

func validateTransaction(tx *models.Transaction) error {
	if tx == nil {
		return pkgerrors.ErrNilTransaction
	}
	if tx.UserID == "" {
		return pkgerrors.ErrInvalidUserID
	}
	if !tx.Type.Valid() {
		return pkgerrors.ErrInvalidTransactionType
	}
	return nil
}

// insertTransaction appends tx inside dbTx, assigning an id when tx has none.
func insertTransaction(ctx context.Context, dbTx *sql.Tx, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	metadata := []byte("{}")
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = b
	}
	externalRef := sql.NullString{String: tx.ExternalRef, Valid: tx.ExternalRef != ""}
	err := dbTx.QueryRowContext(ctx, insertTransactionQuery,
		tx.ID, tx.UserID, tx.Type, tx.Credits, tx.Description, tx.Reference, externalRef, string(metadata),
	).Scan(&tx.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: duplicate external reference %q", pkgerrors.ErrAlreadyProcessed, tx.ExternalRef)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// debitAccount runs the conditional decrement. When no row qualifies it
// reads the current balance to report the shortfall.
func debitAccount(ctx context.Context, dbTx *sql.Tx, userID string, amount int64) (*models.Account, error) {
	account, err := scanAccount(dbTx.QueryRowContext(ctx, debitAccountQuery, userID, amount))
	if err == nil {
		return account, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to debit account: %w", err)
	}
	var available int64
	err = dbTx.QueryRowContext(ctx, `SELECT available_credits FROM credit_accounts WHERE user_id = $1`, userID).Scan(&available)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return nil, &pkgerrors.InsufficientCreditsError{Required: amount, Available: available}
}

func creditAccount(ctx context.Context, dbTx *sql.Tx, userID string, amount int64) (*models.Account, error) {
	account, err := scanAccount(dbTx.QueryRowContext(ctx, creditAccountQuery, userID, amount))
	if err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}
	return account, nil
}

func (r *PostgresLedgerRepository) GetAccount(ctx context.Context, userID string) (account *models.Account, err error) {
	ctx, done := r.observe(ctx, "GetAccount", attribute.String("user_id", userID))
	defer func() { done(err) }()

	query := `SELECT ` + accountColumns + ` FROM credit_accounts WHERE user_id = $1`
	account, err = scanAccount(r.db.QueryRowContext(ctx, query, userID))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrAccountNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get account", "method", "GetAccount", "user_id", userID, "error", err)
		err = fmt.Errorf("failed to get account: %w", err)
		return nil, err
	}
	return account, nil
}

func (r *PostgresLedgerRepository) GrantIfEmpty(ctx context.Context, tx *models.Transaction) (account *models.Account, granted bool, err error) {
	if err = validateTransaction(tx); err != nil {
		return nil, false, err
	}
	ctx, done := r.observe(ctx, "GrantIfEmpty", attribute.String("user_id", tx.UserID), attribute.Int64("credits", tx.Credits))
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "GrantIfEmpty", "error", err)
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, false, err
	}

	if _, err = dbTx.ExecContext(ctx, ensureAccountQuery, tx.UserID); err != nil {
		err = rollback(dbTx, "GrantIfEmpty", fmt.Errorf("failed to create account: %w", err))
		return nil, false, err
	}

	query := `UPDATE credit_accounts SET available_credits = available_credits + $2, total_credits_earned = total_credits_earned + $2, updated_at = NOW() WHERE user_id = $1 AND available_credits = 0 RETURNING ` + accountColumns
	account, err = scanAccount(dbTx.QueryRowContext(ctx, query, tx.UserID, tx.Credits))
	if stderrors.Is(err, sql.ErrNoRows) {
		account, err = scanAccount(dbTx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, tx.UserID))
		if err != nil {
			err = rollback(dbTx, "GrantIfEmpty", fmt.Errorf("failed to read account: %w", err))
			return nil, false, err
		}
		if err = dbTx.Commit(); err != nil {
			err = fmt.Errorf("failed to commit transaction: %w", err)
			return nil, false, err
		}
		slog.Info("account already initialized", "method", "GrantIfEmpty", "user_id", tx.UserID, "available_credits", account.AvailableCredits)
		return account, false, nil
	}
	if err != nil {
		err = rollback(dbTx, "GrantIfEmpty", fmt.Errorf("failed to grant credits: %w", err))
		return nil, false, err
	}

	if err = insertTransaction(ctx, dbTx, tx); err != nil {
		err = rollback(dbTx, "GrantIfEmpty", err)
		return nil, false, err
	}
	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "GrantIfEmpty", "error", err)
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, false, err
	}

	slog.Info("account initialized", "method", "GrantIfEmpty", "user_id", tx.UserID, "credits", tx.Credits, "transaction_id", tx.ID)
	return account, true, nil
}

func (r *PostgresLedgerRepository) Debit(ctx context.Context, tx *models.Transaction, amount int64) (account *models.Account, err error) {
	if err = validateTransaction(tx); err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	ctx, done := r.observe(ctx, "Debit", attribute.String("user_id", tx.UserID), attribute.Int64("amount", amount))
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Debit", "error", err)
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, err
	}

	if _, err = dbTx.ExecContext(ctx, ensureAccountQuery, tx.UserID); err != nil {
		err = rollback(dbTx, "Debit", fmt.Errorf("failed to create account: %w", err))
		return nil, err
	}
	if account, err = debitAccount(ctx, dbTx, tx.UserID, amount); err != nil {
		err = rollback(dbTx, "Debit", err)
		return nil, err
	}

	tx.Type = models.TypeDebit
	tx.Credits = -amount
	if err = insertTransaction(ctx, dbTx, tx); err != nil {
		err = rollback(dbTx, "Debit", err)
		return nil, err
	}
	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Debit", "error", err)
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, err
	}

	slog.Info("credits debited", "method", "Debit", "user_id", tx.UserID, "amount", amount, "available_credits", account.AvailableCredits)
	return account, nil
}

func (r *PostgresLedgerRepository) Grant(ctx context.Context, tx *models.Transaction) (account *models.Account, err error) {
	if err = validateTransaction(tx); err != nil {
		return nil, err
	}
	if tx.Credits <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	ctx, done := r.observe(ctx, "Grant", attribute.String("user_id", tx.UserID), attribute.Int64("credits", tx.Credits))
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, err
	}
	if account, err = creditAccount(ctx, dbTx, tx.UserID, tx.Credits); err != nil {
		err = rollback(dbTx, "Grant", err)
		return nil, err
	}
	if err = insertTransaction(ctx, dbTx, tx); err != nil {
		err = rollback(dbTx, "Grant", err)
		return nil, err
	}
	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Grant", "error", err)
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, err
	}

	slog.Info("credits granted", "method", "Grant", "user_id", tx.UserID, "credits", tx.Credits, "type", tx.Type)
	return account, nil
}

func (r *PostgresLedgerRepository) CreatePendingPurchase(ctx context.Context, tx *models.Transaction) (err error) {
	if err = validateTransaction(tx); err != nil {
		return err
	}
	if tx.ExternalRef == "" {
		return pkgerrors.ErrInvalidReference
	}
	ctx, done := r.observe(ctx, "CreatePendingPurchase", attribute.String("user_id", tx.UserID), attribute.String("external_ref", tx.ExternalRef))
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return err
	}
	tx.Type = models.TypePurchasePending
	tx.Credits = 0
	if err = insertTransaction(ctx, dbTx, tx); err != nil {
		err = rollback(dbTx, "CreatePendingPurchase", err)
		return err
	}
	if err = dbTx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return err
	}

	slog.Info("pending purchase recorded", "method", "CreatePendingPurchase", "user_id", tx.UserID, "external_ref", tx.ExternalRef)
	return nil
}

func (r *PostgresLedgerRepository) GetPurchaseByExternalRef(ctx context.Context, externalRef string) (tx *models.Transaction, err error) {
	ctx, done := r.observe(ctx, "GetPurchaseByExternalRef", attribute.String("external_ref", externalRef))
	defer func() { done(err) }()

	query := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE external_ref = $1`
	tx, err = scanTransaction(r.db.QueryRowContext(ctx, query, externalRef))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPendingPurchaseNotFound
		return nil, err
	}
	if err != nil {
		err = fmt.Errorf("failed to get purchase: %w", err)
		return nil, err
	}
	return tx, nil
}

// classifyPurchaseMiss tells a reference that was already finalized apart
// from one that never existed.
func classifyPurchaseMiss(ctx context.Context, dbTx *sql.Tx, externalRef string) error {
	var current models.TransactionType
	err := dbTx.QueryRowContext(ctx, `SELECT type FROM credit_transactions WHERE external_ref = $1`, externalRef).Scan(&current)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return pkgerrors.ErrPendingPurchaseNotFound
	case err != nil:
		return fmt.Errorf("failed to read purchase: %w", err)
	default:
		return fmt.Errorf("%w: purchase is %s", pkgerrors.ErrAlreadyProcessed, current)
	}
}

func (r *PostgresLedgerRepository) CompletePurchase(ctx context.Context, externalRef string, credits int64) (tx *models.Transaction, account *models.Account, err error) {
	if externalRef == "" {
		return nil, nil, pkgerrors.ErrInvalidReference
	}
	if credits <= 0 {
		return nil, nil, pkgerrors.ErrInvalidAmount
	}
	ctx, done := r.observe(ctx, "CompletePurchase", attribute.String("external_ref", externalRef), attribute.Int64("credits", credits))
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, nil, err
	}

	query := `UPDATE credit_transactions SET type = 'purchase', credits = $2 WHERE external_ref = $1 AND type = 'purchase_pending' RETURNING ` + transactionColumns
	tx, err = scanTransaction(dbTx.QueryRowContext(ctx, query, externalRef, credits))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = rollback(dbTx, "CompletePurchase", classifyPurchaseMiss(ctx, dbTx, externalRef))
		return nil, nil, err
	}
	if err != nil {
		err = rollback(dbTx, "CompletePurchase", fmt.Errorf("failed to complete purchase: %w", err))
		return nil, nil, err
	}

	if account, err = creditAccount(ctx, dbTx, tx.UserID, credits); err != nil {
		err = rollback(dbTx, "CompletePurchase", err)
		return nil, nil, err
	}
	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "CompletePurchase", "error", err)
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, nil, err
	}

	slog.Info("purchase completed", "method", "CompletePurchase", "user_id", tx.UserID, "external_ref", externalRef, "credits", credits)
	return tx, account, nil
}

func (r *PostgresLedgerRepository) FailPurchase(ctx context.Context, externalRef, reason string) (tx *models.Transaction, err error) {
	if externalRef == "" {
		return nil, pkgerrors.ErrInvalidReference
	}
	ctx, done := r.observe(ctx, "FailPurchase", attribute.String("external_ref", externalRef))
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, err
	}

	query := `UPDATE credit_transactions SET type = 'purchase_failed', description = description || ' (failed: ' || $2 || ')', metadata = metadata || jsonb_build_object('failure_reason', $2::text) WHERE external_ref = $1 AND type = 'purchase_pending' RETURNING ` + transactionColumns
	tx, err = scanTransaction(dbTx.QueryRowContext(ctx, query, externalRef, reason))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = rollback(dbTx, "FailPurchase", classifyPurchaseMiss(ctx, dbTx, externalRef))
		return nil, err
	}
	if err != nil {
		err = rollback(dbTx, "FailPurchase", fmt.Errorf("failed to mark purchase failed: %w", err))
		return nil, err
	}
	if err = dbTx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, err
	}

	slog.Info("purchase marked failed", "method", "FailPurchase", "user_id", tx.UserID, "external_ref", externalRef, "reason", reason)
	return tx, nil
}

func (r *PostgresLedgerRepository) listTransactions(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

func (r *PostgresLedgerRepository) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) (txs []models.Transaction, err error) {
	ctx, done := r.observe(ctx, "ListPendingPurchases", attribute.Int("limit", limit))
	defer func() { done(err) }()

	query := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE type = 'purchase_pending' AND created_at < $1 ORDER BY last_checked_at NULLS FIRST, created_at LIMIT $2`
	txs, err = r.listTransactions(ctx, query, olderThan, limit)
	if err != nil {
		slog.Error("failed to list pending purchases", "method", "ListPendingPurchases", "error", err)
	}
	return txs, err
}

func (r *PostgresLedgerRepository) MarkPurchaseChecked(ctx context.Context, externalRef string, at time.Time) (err error) {
	if externalRef == "" {
		return pkgerrors.ErrInvalidReference
	}
	ctx, done := r.observe(ctx, "MarkPurchaseChecked", attribute.String("external_ref", externalRef))
	defer func() { done(err) }()

	query := `UPDATE credit_transactions SET last_checked_at = $2 WHERE external_ref = $1 AND type = 'purchase_pending'`
	if _, err = r.db.ExecContext(ctx, query, externalRef, at); err != nil {
		err = fmt.Errorf("failed to mark purchase checked: %w", err)
		slog.Error("failed to mark purchase checked", "method", "MarkPurchaseChecked", "external_ref", externalRef, "error", err)
		return err
	}
	return nil
}

func (r *PostgresLedgerRepository) ListTransactions(ctx context.Context, userID string, limit int) (txs []models.Transaction, err error) {
	ctx, done := r.observe(ctx, "ListTransactions", attribute.String("user_id", userID), attribute.Int("limit", limit))
	defer func() { done(err) }()

	query := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	txs, err = r.listTransactions(ctx, query, userID, limit)
	if err != nil {
		slog.Error("failed to list transactions", "method", "ListTransactions", "user_id", userID, "error", err)
	}
	return txs, err
}

func (r *PostgresLedgerRepository) LedgerSum(ctx context.Context, userID string) (sum int64, err error) {
	ctx, done := r.observe(ctx, "LedgerSum", attribute.String("user_id", userID))
	defer func() { done(err) }()

	query := `SELECT COALESCE(SUM(credits), 0) FROM credit_transactions WHERE user_id = $1 AND type IN ('grant', 'purchase', 'debit')`
	if err = r.db.QueryRowContext(ctx, query, userID).Scan(&sum); err != nil {
		err = fmt.Errorf("failed to sum ledger: %w", err)
		return 0, err
	}
	return sum, nil
}

func (r *PostgresLedgerRepository) OpenReservation(ctx context.Context, res *models.Reservation, tx *models.Transaction) (account *models.Account, err error) {
	if res == nil {
		return nil, pkgerrors.ErrNilTransaction
	}
	if err = validateTransaction(tx); err != nil {
		return nil, err
	}
	if res.ReservedCredits < 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}
	ctx, done := r.observe(ctx, "OpenReservation", attribute.String("user_id", res.UserID), attribute.Int64("reserved_credits", res.ReservedCredits))
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, err
	}
	if _, err = dbTx.ExecContext(ctx, ensureAccountQuery, res.UserID); err != nil {
		err = rollback(dbTx, "OpenReservation", fmt.Errorf("failed to create account: %w", err))
		return nil, err
	}
	if account, err = debitAccount(ctx, dbTx, res.UserID, res.ReservedCredits); err != nil {
		err = rollback(dbTx, "OpenReservation", err)
		return nil, err
	}

	tx.Type = models.TypeDebit
	tx.Credits = -res.ReservedCredits
	if err = insertTransaction(ctx, dbTx, tx); err != nil {
		err = rollback(dbTx, "OpenReservation", err)
		return nil, err
	}

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	res.Status = models.ReservationOpen
	query := `INSERT INTO credit_reservations (id, user_id, reference, reserved_credits, status) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	err = dbTx.QueryRowContext(ctx, query, res.ID, res.UserID, res.Reference, res.ReservedCredits, res.Status).Scan(&res.CreatedAt)
	if err != nil {
		err = rollback(dbTx, "OpenReservation", fmt.Errorf("failed to insert reservation: %w", err))
		return nil, err
	}
	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "OpenReservation", "error", err)
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, err
	}

	slog.Info("reservation opened", "method", "OpenReservation", "reservation_id", res.ID, "user_id", res.UserID, "reserved_credits", res.ReservedCredits)
	return account, nil
}

func (r *PostgresLedgerRepository) GetReservation(ctx context.Context, id string) (res *models.Reservation, err error) {
	ctx, done := r.observe(ctx, "GetReservation", attribute.String("reservation_id", id))
	defer func() { done(err) }()

	query := `SELECT ` + reservationColumns + ` FROM credit_reservations WHERE id = $1`
	res, err = scanReservation(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrReservationNotFound
		return nil, err
	}
	if err != nil {
		err = fmt.Errorf("failed to get reservation: %w", err)
		return nil, err
	}
	return res, nil
}

func (r *PostgresLedgerRepository) SettleReservation(ctx context.Context, id string, actual int64, adjustment *models.Transaction) (res *models.Reservation, account *models.Account, err error) {
	if actual < 0 {
		return nil, nil, pkgerrors.ErrInvalidAmount
	}
	if adjustment != nil {
		if err = validateTransaction(adjustment); err != nil {
			return nil, nil, err
		}
	}
	ctx, done := r.observe(ctx, "SettleReservation", attribute.String("reservation_id", id), attribute.Int64("actual_credits", actual))
	defer func() { done(err) }()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to begin transaction: %w", err)
		return nil, nil, err
	}

	query := `UPDATE credit_reservations SET status = 'settled', settled_credits = $2, settled_at = NOW() WHERE id = $1 AND status = 'open' RETURNING ` + reservationColumns
	res, err = scanReservation(dbTx.QueryRowContext(ctx, query, id, actual))
	if stderrors.Is(err, sql.ErrNoRows) {
		var status string
		err = dbTx.QueryRowContext(ctx, `SELECT status FROM credit_reservations WHERE id = $1`, id).Scan(&status)
		switch {
		case stderrors.Is(err, sql.ErrNoRows):
			err = pkgerrors.ErrReservationNotFound
		case err != nil:
			err = fmt.Errorf("failed to read reservation: %w", err)
		default:
			err = pkgerrors.ErrReservationClosed
		}
		err = rollback(dbTx, "SettleReservation", err)
		return nil, nil, err
	}
	if err != nil {
		err = rollback(dbTx, "SettleReservation", fmt.Errorf("failed to settle reservation: %w", err))
		return nil, nil, err
	}

	switch {
	case adjustment == nil:
		account, err = scanAccount(dbTx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, res.UserID))
		if err != nil {
			err = fmt.Errorf("failed to read account: %w", err)
		}
	case adjustment.Type == models.TypeDebit:
		account, err = debitAccount(ctx, dbTx, res.UserID, -adjustment.Credits)
	default:
		account, err = creditAccount(ctx, dbTx, res.UserID, adjustment.Credits)
	}
	if err != nil {
		err = rollback(dbTx, "SettleReservation", err)
		return nil, nil, err
	}
	if adjustment != nil {
		if err = insertTransaction(ctx, dbTx, adjustment); err != nil {
			err = rollback(dbTx, "SettleReservation", err)
			return nil, nil, err
		}
	}
	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "SettleReservation", "error", err)
		err = fmt.Errorf("failed to commit transaction: %w", err)
		return nil, nil, err
	}

	slog.Info("reservation settled", "method", "SettleReservation", "reservation_id", id, "user_id", res.UserID, "reserved_credits", res.ReservedCredits, "settled_credits", actual)
	return res, account, nil
}
