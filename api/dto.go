/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

ENVELOPE:
  Every response is wrapped in ApiResponse{success, message, data} so
  clients have one shape to parse for both success and failure.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/bank"
)

// =============================================================================
// RESPONSE ENVELOPE
// =============================================================================

// ApiResponse is the uniform envelope for every endpoint.
type ApiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CreateUserRequest is the request to create a user.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

// CreateAccountRequest is the request to open an account.
type CreateAccountRequest struct {
	UserID int64 `json:"user_id"`
}

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt string          `json:"created_at"`
}

// AmountRequest is the body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TransferRequest is the body for transfers. The idempotency key travels
// out-of-band in the Idempotency-Key header; the fingerprint is computed
// over this struct's canonical JSON.
type TransferRequest struct {
	FromAccountID int64           `json:"from_account_id"`
	ToAccountID   int64           `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// TransactionDTO represents a journal entry in API responses.
type TransactionDTO struct {
	ID            string          `json:"id"`
	FromAccountID *int64          `json:"from_account_id,omitempty"`
	ToAccountID   *int64          `json:"to_account_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type"`
	CreatedAt     string          `json:"created_at"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toUserDTO(user bank.User) UserDTO {
	return UserDTO{
		ID:        int64(user.ID),
		Username:  user.Username,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	}
}

func toAccountDTO(account bank.Account) AccountDTO {
	return AccountDTO{
		ID:        int64(account.ID),
		UserID:    int64(account.UserID),
		Balance:   account.Balance,
		CreatedAt: account.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(entry bank.LedgerEntry) TransactionDTO {
	dto := TransactionDTO{
		ID:        string(entry.ID),
		Amount:    entry.Amount,
		Type:      string(entry.Type),
		CreatedAt: entry.CreatedAt.Format(time.RFC3339),
	}
	if entry.FromAccountID != nil {
		id := int64(*entry.FromAccountID)
		dto.FromAccountID = &id
	}
	if entry.ToAccountID != nil {
		id := int64(*entry.ToAccountID)
		dto.ToAccountID = &id
	}
	return dto
}

func toTransactionDTOs(entries []bank.LedgerEntry) []TransactionDTO {
	dtos := make([]TransactionDTO, len(entries))
	for i, entry := range entries {
		dtos[i] = toTransactionDTO(entry)
	}
	return dtos
}
