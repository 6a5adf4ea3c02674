/*
handlers.go - HTTP API handlers for the funds-transfer engine

PURPOSE:
  Exposes the engine via REST. Handles HTTP request/response, JSON
  serialization, and delegates every money movement to the engine.

ENDPOINTS:
  Users:
    POST   /api/users                       Create user
    GET    /api/users/{id}/accounts         List a user's accounts

  Accounts:
    POST   /api/accounts                    Create account
    GET    /api/accounts/{id}               Get account
    POST   /api/accounts/{id}/deposit       Deposit money
    POST   /api/accounts/{id}/withdraw      Withdraw money
    POST   /api/accounts/transfer           Transfer (Idempotency-Key header required)
    GET    /api/accounts/{id}/transactions  Transaction history, most recent first

ERROR HANDLING:
  The engine returns an error-kind taxonomy; mapError translates kinds to
  HTTP statuses here, entirely outside the core:
  - 400: invalid amount/transfer, insufficient balance, missing key
  - 404: account or user not found
  - 409: duplicate username, idempotency key reuse with different request
  - 503: lock timeout (retryable)
  - 500: everything else (internal detail never leaks to the client)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/ledger-engine/bank"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  bank.Store
	Engine *bank.Engine
}

// NewHandler creates a new handler over the given store and engine.
func NewHandler(store bank.Store, engine *bank.Engine) *Handler {
	return &Handler{Store: store, Engine: engine}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser creates a new user.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required", nil)
		return
	}

	user, err := h.Store.CreateUser(r.Context(), req.Username)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, "User created successfully", toUserDTO(user))
}

// GetUserAccounts lists a user's accounts.
// GET /api/users/{id}/accounts
func (h *Handler) GetUserAccounts(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return
	}

	if _, err := h.Store.GetUser(r.Context(), bank.UserID(id)); err != nil {
		writeEngineError(w, err)
		return
	}

	accounts, err := h.Store.AccountsByUser(r.Context(), bank.UserID(id))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, account := range accounts {
		dtos[i] = toAccountDTO(account)
	}
	writeSuccess(w, http.StatusOK, "Accounts fetched successfully", dtos)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount opens a zero-balance account for an existing user.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	account, err := h.Store.CreateAccount(r.Context(), bank.UserID(req.UserID))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, "Account created successfully", toAccountDTO(account))
}

// GetAccount fetches account details.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	account, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Account fetched successfully", toAccountDTO(account))
}

// Deposit credits money into an account.
// POST /api/accounts/{id}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	account, err := h.Engine.Deposit(r.Context(), id, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Deposit successful", toAccountDTO(account))
}

// Withdraw debits money from an account.
// POST /api/accounts/{id}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	account, err := h.Engine.Withdraw(r.Context(), id, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Withdrawal successful", toAccountDTO(account))
}

// Transfer moves money between accounts. Requires a non-empty
// Idempotency-Key header; retries with the same key and body replay the
// original response without moving money again.
// POST /api/accounts/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required", nil)
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	fingerprint, err := requestFingerprint(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to process request", err)
		return
	}

	account, err := h.Engine.Transfer(r.Context(), key, fingerprint,
		bank.AccountID(req.FromAccountID), bank.AccountID(req.ToAccountID), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Transfer successful", toAccountDTO(account))
}

// GetTransactions returns an account's journal entries, most recent first.
// GET /api/accounts/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	entries, err := h.Engine.Transactions(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Transactions fetched successfully", toTransactionDTOs(entries))
}

// =============================================================================
// HELPERS
// =============================================================================

func accountIDParam(w http.ResponseWriter, r *http.Request) (bank.AccountID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account id", err)
		return 0, false
	}
	return bank.AccountID(id), true
}

func writeJSON(w http.ResponseWriter, status int, body ApiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, ApiResponse{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		// Internal detail goes to the log, never to the client.
		log.Printf("request failed: %v", err)
	}
	writeJSON(w, status, ApiResponse{Success: false, Message: message})
}

// writeEngineError maps the engine's error taxonomy to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case bank.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, bank.ErrDuplicateUsername),
		errors.Is(err, bank.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrInvalidTransfer),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrIdempotencyKeyRequired):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, bank.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, "Operation timed out, safe to retry", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error", err)
	}
}
