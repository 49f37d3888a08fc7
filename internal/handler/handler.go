package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/surahj/ai-interviewer/internal/infrastructure/auth"
	service "github.com/surahj/ai-interviewer/internal/services"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
)

const maxWebhookBytes = 64 << 10

type Handler struct {
	credits     service.CreditService
	purchases   service.PurchaseService
	signupBonus int64
}

func NewHandler(credits service.CreditService, purchases service.PurchaseService, signupBonus int64) *Handler {
	return &Handler{credits: credits, purchases: purchases, signupBonus: signupBonus}
}

type errorResponse struct {
	Error string `json:"error"`
}

type balanceResponse struct {
	AvailableCredits   int64 `json:"available_credits"`
	TotalCreditsEarned int64 `json:"total_credits_earned"`
	TotalCreditsUsed   int64 `json:"total_credits_used"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps the ledger error taxonomy onto HTTP. Storage
// details never reach the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *pkgerrors.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		h.writeError(w, http.StatusPaymentRequired, fmt.Sprintf(
			"insufficient credits: this needs %d credits and you have %d", insufficient.Required, insufficient.Available))
	case errors.Is(err, pkgerrors.ErrInsufficientCredits):
		h.writeError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrInvalidUserID),
		errors.Is(err, pkgerrors.ErrInvalidReference):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pkgerrors.ErrPackageNotFound),
		errors.Is(err, pkgerrors.ErrReservationNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pkgerrors.ErrPackageInactive),
		errors.Is(err, pkgerrors.ErrReservationClosed),
		errors.Is(err, pkgerrors.ErrAlreadyProcessed):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pkgerrors.ErrPaymentProvider):
		slog.Error("payment provider failure", "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusBadGateway, "payment provider is unavailable, please try again")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, "something went wrong, please try again")
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "user not authenticated")
	}
	return userID, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/stripe", h.StripeWebhook).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/credits", h.GetBalance).Methods(http.MethodGet)
	r.HandleFunc("/credits/transactions", h.ListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/credits/packages", h.ListPackages).Methods(http.MethodGet)
	r.HandleFunc("/credits/initialize", h.InitializeAccount).Methods(http.MethodPost)
	r.HandleFunc("/credits/check", h.CheckCredits).Methods(http.MethodPost)
	r.HandleFunc("/credits/debit", h.Debit).Methods(http.MethodPost)
	r.HandleFunc("/credits/purchase", h.Purchase).Methods(http.MethodPost)
	r.HandleFunc("/interviews/reservations", h.Reserve).Methods(http.MethodPost)
	r.HandleFunc("/interviews/reservations/{id}/settle", h.Settle).Methods(http.MethodPost)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	account, err := h.credits.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AvailableCredits:   account.AvailableCredits,
		TotalCreditsEarned: account.TotalCreditsEarned,
		TotalCreditsUsed:   account.TotalCreditsUsed,
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	txs, err := h.credits.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packages": h.purchases.Packages()})
}

func (h *Handler) InitializeAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	account, granted, err := h.credits.InitializeAccount(r.Context(), userID, h.signupBonus, service.DefaultBonusDescription)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	msg := "account initialized"
	if !granted {
		msg = "account already initialized"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"granted": granted,
		"message": msg,
		"balance": balanceResponse{
			AvailableCredits:   account.AvailableCredits,
			TotalCreditsEarned: account.TotalCreditsEarned,
			TotalCreditsUsed:   account.TotalCreditsUsed,
		},
	})
}

func (h *Handler) CheckCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		DurationMinutes int64 `json:"duration_minutes"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	required := service.ComputeRequiredCredits(req.DurationMinutes)
	sufficient, err := h.credits.CheckSufficient(r.Context(), userID, required)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"required_credits": required,
		"sufficient":       sufficient,
	})
}

func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount      int64  `json:"amount"`
		Reference   string `json:"reference"`
		Description string `json:"description"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.credits.Debit(r.Context(), userID, req.Amount, req.Reference, req.Description)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		PackageID string `json:"package_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.PackageID == "" {
		h.writeError(w, http.StatusBadRequest, "package_id is required")
		return
	}
	result, err := h.purchases.StartCheckout(r.Context(), userID, req.PackageID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"checkout_url": result.CheckoutURL,
		"session_id":   result.SessionID,
	})
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		DurationMinutes int64  `json:"duration_minutes"`
		SessionID       string `json:"session_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.credits.Reserve(r.Context(), userID, service.ComputeRequiredCredits(req.DurationMinutes), req.SessionID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var req struct {
		ActualMinutes int64 `json:"actual_minutes"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	open, err := h.credits.GetReservation(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if open.UserID != userID {
		h.writeServiceError(w, r, pkgerrors.ErrReservationNotFound)
		return
	}

	res, err := h.credits.Settle(r.Context(), id, service.ComputeRequiredCredits(req.ActualMinutes))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StripeWebhook acknowledges every verified delivery except transient
// failures, which answer 500 so the provider retries.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := h.purchases.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidSignature):
		h.writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		attrs := []any{"error", err}
		if ev != nil {
			attrs = append(attrs, "event_id", ev.ID, "event_type", ev.Type)
		}
		slog.Error("webhook processing failed", attrs...)
		h.writeError(w, http.StatusInternalServerError, "processing failed, please retry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
