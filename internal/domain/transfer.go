/**
 * @description
 * This file defines the transfer domain model and its API DTOs. A transfer is the
 * business record of one account-to-account money movement, independent of the
 * saga mechanics that execute it. Its status is only ever advanced by saga steps:
 * PENDING at creation, SUCCESS once the saga's final step runs, CANCELLED when a
 * failed saga compensates.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the lifecycle state of a transfer record.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusSuccess   TransferStatus = "SUCCESS"
	TransferStatusCancelled TransferStatus = "CANCELLED"
)

// Transfer represents one requested money movement between two accounts.
// This struct maps directly to the `transfers` table.
type Transfer struct {
	ID                   uuid.UUID       `json:"id"`
	SourceAccountID      uuid.UUID       `json:"source_account_id"`
	DestinationAccountID uuid.UUID       `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Description          string          `json:"description"`
	Status               TransferStatus  `json:"status"`
	SagaInstanceID       *uuid.UUID      `json:"saga_instance_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// TransferRequest is the DTO for incoming transfer API requests.
type TransferRequest struct {
	SourceAccountID      uuid.UUID       `json:"source_account_id"`
	DestinationAccountID uuid.UUID       `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Description          string          `json:"description"`
}

// TransferResponse is sent back to the caller once a transfer saga has been
// driven to a terminal state. SagaStatus lets the caller distinguish "succeeded"
// from "fully compensated, no net effect" from "stuck, manual intervention
// needed" without a second lookup.
type TransferResponse struct {
	TransferID     uuid.UUID       `json:"transfer_id"`
	SagaInstanceID uuid.UUID       `json:"saga_instance_id"`
	Status         TransferStatus  `json:"status"`
	SagaStatus     SagaStatus      `json:"saga_status"`
	Amount         decimal.Decimal `json:"amount"`
	Message        string          `json:"message"`
}
