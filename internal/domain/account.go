/**
 * @description
 * This file defines the account domain model for the transfer-service. An account
 * is a balance-holding record owned by a user. Balances are never mutated through
 * plain writes from business code; every mutation goes through the store's locked
 * or conditional primitives so the non-negative invariant holds under concurrency.
 *
 * @notes
 * - Balances are `decimal.Decimal` (exact arithmetic). Floating point is never
 *   used for money anywhere in this service.
 * - Accounts are never deleted; `IsActive` is the deactivation flag.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account represents a balance-holding account. This struct maps directly to the
// `accounts` table.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AccountBalance is the read-model returned by balance queries.
type AccountBalance struct {
	AccountID uuid.UUID       `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	IsActive  bool            `json:"is_active"`
}

// CreateAccountRequest is the DTO for incoming account creation API requests.
// InitialBalance seeds the ledger for newly onboarded owners; it must not be
// negative.
type CreateAccountRequest struct {
	OwnerID        uuid.UUID       `json:"owner_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// BalanceAdjustmentRequest is the DTO for the operator debit/credit endpoints.
type BalanceAdjustmentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}
