/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL for the accounts, transfers, saga_instances and
 * saga_steps tables, including the two primitives the saga steps rely on for
 * race-free balance mutation: SELECT ... FOR UPDATE row locks and single-statement
 * conditional updates whose WHERE clause carries the business predicate.
 *
 * @dependencies
 * - context, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Exact NUMERIC scanning via sql.Scanner.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query method
// works identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface
// for PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	q           querier
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
// lockTimeout bounds how long any transaction opened through WithTx may wait on
// a row lock; an expired wait surfaces as a driver error, never an indefinite
// block.
func NewPostgresRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &PostgresRepository{pool: pool, q: pool, lockTimeout: lockTimeout}
}

// WithTx begins a transaction, applies the bounded lock_timeout, and runs fn
// against a repository bound to that transaction. A repository that is already
// transaction-bound reuses its transaction, so nested WithTx calls share one
// durability boundary.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if _, ok := r.q.(pgx.Tx); ok {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// lock_timeout cannot be bound as a parameter; the value is a trusted
	// integer from configuration.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	txRepo := &PostgresRepository{pool: r.pool, q: tx, lockTimeout: r.lockTimeout}
	if err := fn(txRepo); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Accounts ---

func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, owner_id, balance, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	return r.q.QueryRow(ctx, query, account.ID, account.OwnerID, account.Balance, account.IsActive).
		Scan(&account.CreatedAt, &account.UpdatedAt)
}

func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, owner_id, balance, is_active, created_at, updated_at FROM accounts WHERE id = $1`
	err := r.q.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.OwnerID, &account.Balance, &account.IsActive, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *PostgresRepository) FindAccountsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	query := `
		SELECT id, owner_id, balance, is_active, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1
		ORDER BY created_at
	`
	rows, err := r.q.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(
			&account.ID, &account.OwnerID, &account.Balance, &account.IsActive, &account.CreatedAt, &account.UpdatedAt,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// LockAccountForUpdate acquires an exclusive row lock on the account for the
// duration of the enclosing transaction. Callers must be inside WithTx; the
// lock serializes concurrent sagas touching the same account.
func (r *PostgresRepository) LockAccountForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `
		SELECT id, owner_id, balance, is_active, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`
	err := r.q.QueryRow(ctx, query, accountID).Scan(
		&account.ID, &account.OwnerID, &account.Balance, &account.IsActive, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ConditionalDebit applies balance -= amount only while the balance covers the
// amount and the account is active. The predicate lives in the statement itself
// so the non-negative invariant holds even for callers that skipped the row
// lock.
func (r *PostgresRepository) ConditionalDebit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (int64, error) {
	query := `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2 AND is_active
	`
	tag, err := r.q.Exec(ctx, query, accountID, amount)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ConditionalCredit applies balance += amount only while the account is active.
func (r *PostgresRepository) ConditionalCredit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (int64, error) {
	query := `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1 AND is_active
	`
	tag, err := r.q.Exec(ctx, query, accountID, amount)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) SetAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	query := `UPDATE accounts SET balance = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, accountID, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *PostgresRepository) SetAccountActive(ctx context.Context, accountID uuid.UUID, active bool) error {
	query := `UPDATE accounts SET is_active = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, accountID, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// --- Transfers ---

func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	query := `
		INSERT INTO transfers (id, source_account_id, destination_account_id, amount, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	return r.q.QueryRow(ctx, query,
		transfer.ID, transfer.SourceAccountID, transfer.DestinationAccountID,
		transfer.Amount, transfer.Description, transfer.Status,
	).Scan(&transfer.CreatedAt, &transfer.UpdatedAt)
}

func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	var transfer domain.Transfer
	query := `
		SELECT id, source_account_id, destination_account_id, amount,
		       COALESCE(description, '') AS description, status, saga_instance_id, created_at, updated_at
		FROM transfers
		WHERE id = $1
	`
	err := r.q.QueryRow(ctx, query, transferID).Scan(
		&transfer.ID, &transfer.SourceAccountID, &transfer.DestinationAccountID, &transfer.Amount,
		&transfer.Description, &transfer.Status, &transfer.SagaInstanceID, &transfer.CreatedAt, &transfer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &transfer, nil
}

func (r *PostgresRepository) FindTransfersByAccountID(ctx context.Context, accountID uuid.UUID) ([]domain.Transfer, error) {
	query := `
		SELECT id, source_account_id, destination_account_id, amount,
		       COALESCE(description, '') AS description, status, saga_instance_id, created_at, updated_at
		FROM transfers
		WHERE source_account_id = $1 OR destination_account_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.q.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		var transfer domain.Transfer
		if err := rows.Scan(
			&transfer.ID, &transfer.SourceAccountID, &transfer.DestinationAccountID, &transfer.Amount,
			&transfer.Description, &transfer.Status, &transfer.SagaInstanceID, &transfer.CreatedAt, &transfer.UpdatedAt,
		); err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}

func (r *PostgresRepository) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus) error {
	query := `UPDATE transfers SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, transferID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *PostgresRepository) LinkTransferToSaga(ctx context.Context, transferID uuid.UUID, sagaInstanceID uuid.UUID) error {
	query := `UPDATE transfers SET saga_instance_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, transferID, sagaInstanceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// --- Saga instances ---

func (r *PostgresRepository) CreateSagaInstance(ctx context.Context, instance *domain.SagaInstance) error {
	query := `
		INSERT INTO saga_instances (id, status, context, current_step)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	return r.q.QueryRow(ctx, query, instance.ID, instance.Status, instance.Context, instance.CurrentStep).
		Scan(&instance.CreatedAt, &instance.UpdatedAt)
}

func (r *PostgresRepository) FindSagaInstanceByID(ctx context.Context, sagaInstanceID uuid.UUID) (*domain.SagaInstance, error) {
	var instance domain.SagaInstance
	query := `
		SELECT id, status, context, COALESCE(current_step, '') AS current_step, created_at, updated_at
		FROM saga_instances
		WHERE id = $1
	`
	err := r.q.QueryRow(ctx, query, sagaInstanceID).Scan(
		&instance.ID, &instance.Status, &instance.Context, &instance.CurrentStep, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaInstanceNotFound
		}
		return nil, err
	}
	return &instance, nil
}

func (r *PostgresRepository) UpdateSagaInstance(ctx context.Context, instance *domain.SagaInstance) error {
	query := `
		UPDATE saga_instances
		SET status = $2, context = $3, current_step = $4, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.q.Exec(ctx, query, instance.ID, instance.Status, instance.Context, instance.CurrentStep)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSagaInstanceNotFound
	}
	return nil
}

// --- Saga step records ---

func (r *PostgresRepository) CreateSagaStepRecord(ctx context.Context, record *domain.SagaStepRecord) error {
	query := `
		INSERT INTO saga_steps (id, saga_instance_id, step_name, status, error_message, step_data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	return r.q.QueryRow(ctx, query,
		record.ID, record.SagaInstanceID, record.StepName, record.Status, record.ErrorMessage, record.StepData,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
}

func (r *PostgresRepository) FindSagaStepRecord(ctx context.Context, sagaInstanceID uuid.UUID, stepName string, status domain.StepStatus) (*domain.SagaStepRecord, error) {
	var record domain.SagaStepRecord
	query := `
		SELECT id, saga_instance_id, step_name, status, error_message, step_data, created_at, updated_at
		FROM saga_steps
		WHERE saga_instance_id = $1 AND step_name = $2 AND status = $3
	`
	err := r.q.QueryRow(ctx, query, sagaInstanceID, stepName, status).Scan(
		&record.ID, &record.SagaInstanceID, &record.StepName, &record.Status,
		&record.ErrorMessage, &record.StepData, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaStepNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *PostgresRepository) UpdateSagaStepStatus(ctx context.Context, stepRecordID uuid.UUID, status domain.StepStatus, errorMessage *string) error {
	query := `UPDATE saga_steps SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.q.Exec(ctx, query, stepRecordID, status, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSagaStepNotFound
	}
	return nil
}

// FindCompletedSagaSteps returns the COMPLETED step records for a saga in
// reverse-completion order, which is the order compensation must run in.
func (r *PostgresRepository) FindCompletedSagaSteps(ctx context.Context, sagaInstanceID uuid.UUID) ([]domain.SagaStepRecord, error) {
	query := `
		SELECT id, saga_instance_id, step_name, status, error_message, step_data, created_at, updated_at
		FROM saga_steps
		WHERE saga_instance_id = $1 AND status = $2
		ORDER BY updated_at DESC, created_at DESC
	`
	rows, err := r.q.Query(ctx, query, sagaInstanceID, domain.StepStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.SagaStepRecord
	for rows.Next() {
		var record domain.SagaStepRecord
		if err := rows.Scan(
			&record.ID, &record.SagaInstanceID, &record.StepName, &record.Status,
			&record.ErrorMessage, &record.StepData, &record.CreatedAt, &record.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
