/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the transfer
 * engine, and mapping engine outcomes to HTTP status codes. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: For engine logic and models.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oakline/ledger-service/internal/app"
	"github.com/oakline/ledger-service/internal/domain"
)

// idempotencyKeyHeader carries a caller-supplied idempotency key for externally
// retried requests.
const idempotencyKeyHeader = "Idempotency-Key"

// LedgerHandlers holds the transfer engine that handlers will use.
type LedgerHandlers struct {
	service            *app.Service
	rateLimitPerMinute int
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, rateLimitPerMinute int) *LedgerHandlers {
	return &LedgerHandlers{service: service, rateLimitPerMinute: rateLimitPerMinute}
}

// transferResponse mirrors the engine's transfer result for the HTTP contract.
type transferResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
}

// TransferHandler handles requests for internal transfers between a
// requester's own accounts.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := GetRequesterID(r.Context())
	if !ok {
		http.Error(w, "Could not get requester ID from context", http.StatusInternalServerError)
		return
	}

	if allowed, retryAfter := h.service.CheckTransferRateLimit(r.Context(), requesterID, h.rateLimitPerMinute, time.Minute); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many transfer requests; slow down", "rate_limited")
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body", string(app.KindInvalidRequest))
		return
	}

	idempotencyKey := r.Header.Get(idempotencyKeyHeader)

	result, err := h.service.PostTransfer(r.Context(), requesterID, req, idempotencyKey)
	if err != nil {
		h.writeEngineError(w, r, "transfer", requesterID, err)
		return
	}

	log.Printf("level=info component=api endpoint=transfer outcome=posted requester_id=%s transaction_id=%s amount=%d",
		requesterID, result.TransactionID, result.Amount)
	h.writeJSON(w, http.StatusOK, transferResponse{
		Success:       result.Success,
		Message:       result.Message,
		TransactionID: result.TransactionID.String(),
		Amount:        result.Amount,
	})
}

// ListAccountsHandler returns the requester's accounts with balances.
func (h *LedgerHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := GetRequesterID(r.Context())
	if !ok {
		http.Error(w, "Could not get requester ID from context", http.StatusInternalServerError)
		return
	}

	accounts, err := h.service.GetAccounts(r.Context(), requesterID)
	if err != nil {
		h.writeEngineError(w, r, "list_accounts", requesterID, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

// GetAccountHandler returns one account owned by the requester.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := GetRequesterID(r.Context())
	if !ok {
		http.Error(w, "Could not get requester ID from context", http.StatusInternalServerError)
		return
	}

	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id", string(app.KindInvalidRequest))
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID, requesterID)
	if err != nil {
		h.writeEngineError(w, r, "get_account", requesterID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// ListAccountTransactionsHandler returns paged ledger history for an owned
// account, newest first.
func (h *LedgerHandlers) ListAccountTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := GetRequesterID(r.Context())
	if !ok {
		http.Error(w, "Could not get requester ID from context", http.StatusInternalServerError)
		return
	}

	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id", string(app.KindInvalidRequest))
		return
	}

	opts := domain.LedgerListOptions{
		Limit:  parseIntQuery(r, "limit", 20),
		Offset: parseIntQuery(r, "offset", 0),
	}

	transactions, err := h.service.GetAccountTransactions(r.Context(), accountID, requesterID, opts)
	if err != nil {
		h.writeEngineError(w, r, "list_transactions", requesterID, err)
		return
	}
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

// GetTransferHandler returns the two ledger entries of a posted transfer by
// its correlation id.
func (h *LedgerHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := GetRequesterID(r.Context())
	if !ok {
		http.Error(w, "Could not get requester ID from context", http.StatusInternalServerError)
		return
	}

	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer id", string(app.KindInvalidRequest))
		return
	}

	pair, err := h.service.GetTransfer(r.Context(), transferID, requesterID)
	if err != nil {
		h.writeEngineError(w, r, "get_transfer", requesterID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

// writeEngineError maps the engine's error taxonomy onto HTTP status codes.
func (h *LedgerHandlers) writeEngineError(w http.ResponseWriter, r *http.Request, endpoint string, requesterID uuid.UUID, err error) {
	var engineErr *app.EngineError
	if !errors.As(err, &engineErr) {
		log.Printf("level=error component=api endpoint=%s outcome=error requester_id=%s err=%v", endpoint, requesterID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error", string(app.KindInternalError))
		return
	}

	status := http.StatusInternalServerError
	switch engineErr.Kind {
	case app.KindInvalidRequest:
		status = http.StatusUnprocessableEntity
	case app.KindNotFound:
		status = http.StatusNotFound
	case app.KindAccountInactive:
		status = http.StatusBadRequest
	case app.KindInsufficientFunds:
		status = http.StatusConflict
	case app.KindTransferFailed, app.KindInternalError:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed requester_id=%s kind=%s err=%v",
			endpoint, requesterID, engineErr.Kind, err)
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject requester_id=%s kind=%s",
			endpoint, requesterID, engineErr.Kind)
	}
	h.writeError(w, status, engineErr.Message, string(engineErr.Kind))
}

func parseIntQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing structured JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message, kind string) {
	h.writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}
