/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * the transfer-service performs: the account ledger primitives (locked reads and
 * atomic conditional balance mutations), transfer record persistence, and the
 * saga instance/step persistence the orchestrator owns. Defining an interface
 * decouples the saga engine and the business logic from PostgreSQL and lets
 * tests substitute in-memory fakes.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For identifier handling.
 * - github.com/shopspring/decimal: For exact balance arithmetic.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrSagaInstanceNotFound = errors.New("saga instance not found")
	ErrSagaStepNotFound     = errors.New("saga step record not found")
	ErrActiveAccountExists  = errors.New("active account already exists for owner")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAccountInactive      = errors.New("account is not active")
)

// Repository defines the set of methods for interacting with the database.
//
// WithTx runs fn against a transaction-bound repository. Every saga step
// execution and compensation is wrapped in exactly one WithTx call so that a
// crash between steps leaves one step's work either fully committed or fully
// absent. Row locks taken through LockAccountForUpdate are held until that
// transaction ends, and a bounded lock_timeout applies to the whole of it.
type Repository interface {
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Account ledger. The conditional mutations return the number of rows
	// affected; 0 means the predicate failed (insufficient balance or inactive
	// account), never success. SetAccountBalance is the unconditional overwrite
	// reserved for callers that hold the row lock and have verified the
	// precondition themselves.
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error)
	LockAccountForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	ConditionalDebit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (int64, error)
	ConditionalCredit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (int64, error)
	SetAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error
	SetAccountActive(ctx context.Context, accountID uuid.UUID, active bool) error

	// Transfer records.
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransfersByAccountID(ctx context.Context, accountID uuid.UUID) ([]domain.Transfer, error)
	UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus) error
	LinkTransferToSaga(ctx context.Context, transferID uuid.UUID, sagaInstanceID uuid.UUID) error

	// Saga persistence, owned exclusively by the orchestrator. Steps must never
	// write another step's record.
	CreateSagaInstance(ctx context.Context, instance *domain.SagaInstance) error
	FindSagaInstanceByID(ctx context.Context, sagaInstanceID uuid.UUID) (*domain.SagaInstance, error)
	UpdateSagaInstance(ctx context.Context, instance *domain.SagaInstance) error
	CreateSagaStepRecord(ctx context.Context, record *domain.SagaStepRecord) error
	FindSagaStepRecord(ctx context.Context, sagaInstanceID uuid.UUID, stepName string, status domain.StepStatus) (*domain.SagaStepRecord, error)
	UpdateSagaStepStatus(ctx context.Context, stepRecordID uuid.UUID, status domain.StepStatus, errorMessage *string) error
	FindCompletedSagaSteps(ctx context.Context, sagaInstanceID uuid.UUID) ([]domain.SagaStepRecord, error)
}
