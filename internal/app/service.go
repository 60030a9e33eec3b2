/**
 * @description
 * This file contains the core business logic for the transfer-service. The
 * `Service` struct owns all account and transfer use cases: it validates
 * transfer requests, creates the transfer record, and hands execution to the
 * saga orchestrator, driving the step plan to a terminal state synchronously.
 *
 * Key features:
 * - InitiateTransfer drives the full saga and reports the terminal outcome in
 *   one response; a compensated transfer is reported as a business outcome,
 *   not an error.
 * - Account lifecycle operations (create, activate, deactivate) and ledger
 *   read models.
 * - Publishes one RabbitMQ event per terminal saga outcome.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - github.com/shopspring/decimal: For exact amount arithmetic.
 * - internal/domain, internal/store, internal/saga: Domain models, data
 *   access, and the saga engine.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/sagapay/transfer-service/internal/saga"
	"github.com/sagapay/transfer-service/internal/store"
	"github.com/sagapay/transfer-service/pkg/rabbitmq"
)

const (
	rateLimitScopeTransfer = "transfer:initiate"

	routingKeySagaCompleted   = "transfer.saga.completed"
	routingKeySagaCompensated = "transfer.saga.compensated"
	routingKeySagaStuck       = "transfer.saga.stuck"
)

// ErrInvalidTransfer wraps all request validation failures. Callers map it to
// a 400-class response.
var ErrInvalidTransfer = errors.New("invalid transfer request")

// RateLimitExceededError is returned when an account exceeds its transfer
// initiation budget for the current window.
type RateLimitExceededError struct {
	Limit             int
	RetryAfterSeconds int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("transfer rate limit of %d per window exceeded, retry in %ds", e.Limit, e.RetryAfterSeconds)
}

// RateLimiter is the contract the service needs from a distributed rate
// limiter. A nil implementation disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for accounts and transfers.
type Service struct {
	repo              store.Repository
	orchestrator      *saga.Orchestrator
	eventProducer     rabbitmq.Publisher
	rateLimiter       RateLimiter
	transferRateLimit int
	maxTransferAmount decimal.Decimal
}

// NewService creates a new transfer service instance. maxTransferAmount caps a
// single transfer; zero or negative disables the cap.
func NewService(repo store.Repository, orchestrator *saga.Orchestrator, producer rabbitmq.Publisher, limiter RateLimiter, transferRateLimit int, maxTransferAmount decimal.Decimal) *Service {
	return &Service{
		repo:              repo,
		orchestrator:      orchestrator,
		eventProducer:     producer,
		rateLimiter:       limiter,
		transferRateLimit: transferRateLimit,
		maxTransferAmount: maxTransferAmount,
	}
}

// CreateAccount creates a new account for an owner. An owner may hold at most
// one active account.
func (s *Service) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalidTransfer)
	}
	if req.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial_balance must not be negative", ErrInvalidTransfer)
	}

	existing, err := s.repo.FindAccountsByOwnerID(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing accounts: %w", err)
	}
	for _, a := range existing {
		if a.IsActive {
			return nil, store.ErrActiveAccountExists
		}
	}

	now := time.Now().UTC()
	account := &domain.Account{
		ID:        uuid.New(),
		OwnerID:   req.OwnerID,
		Balance:   req.InitialBalance,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	log.Printf("level=info component=service msg=\"account created\" account_id=%s owner_id=%s balance=%s", account.ID, account.OwnerID, account.Balance)
	return account, nil
}

// GetAccount returns an account by ID.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, accountID)
}

// GetAccountBalance returns the balance read-model for an account.
func (s *Service) GetAccountBalance(ctx context.Context, accountID uuid.UUID) (*domain.AccountBalance, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &domain.AccountBalance{
		AccountID: account.ID,
		Balance:   account.Balance,
		IsActive:  account.IsActive,
	}, nil
}

// ListOwnerAccounts returns every account held by an owner, active or not.
func (s *Service) ListOwnerAccounts(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	return s.repo.FindAccountsByOwnerID(ctx, ownerID)
}

// DebitAccount withdraws an amount from an account outside any transfer saga.
// The mutation runs under the same row lock and conditional update the saga
// steps use, so the non-negative invariant holds under concurrency.
func (s *Service) DebitAccount(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*domain.AccountBalance, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}

	var balance *domain.AccountBalance
	err := s.repo.WithTx(ctx, func(repo store.Repository) error {
		account, err := repo.LockAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.IsActive {
			return store.ErrAccountInactive
		}
		if account.Balance.LessThan(amount) {
			return store.ErrInsufficientFunds
		}
		rows, err := repo.ConditionalDebit(ctx, accountID, amount)
		if err != nil {
			return fmt.Errorf("debit account %s: %w", accountID, err)
		}
		if rows == 0 {
			return store.ErrInsufficientFunds
		}
		balance = &domain.AccountBalance{
			AccountID: accountID,
			Balance:   account.Balance.Sub(amount),
			IsActive:  account.IsActive,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service msg=\"manual debit applied\" account_id=%s amount=%s new_balance=%s", accountID, amount, balance.Balance)
	return balance, nil
}

// CreditAccount deposits an amount into an account outside any transfer saga.
func (s *Service) CreditAccount(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*domain.AccountBalance, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}

	var balance *domain.AccountBalance
	err := s.repo.WithTx(ctx, func(repo store.Repository) error {
		account, err := repo.LockAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.IsActive {
			return store.ErrAccountInactive
		}
		rows, err := repo.ConditionalCredit(ctx, accountID, amount)
		if err != nil {
			return fmt.Errorf("credit account %s: %w", accountID, err)
		}
		if rows == 0 {
			return store.ErrAccountInactive
		}
		balance = &domain.AccountBalance{
			AccountID: accountID,
			Balance:   account.Balance.Add(amount),
			IsActive:  account.IsActive,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service msg=\"manual credit applied\" account_id=%s amount=%s new_balance=%s", accountID, amount, balance.Balance)
	return balance, nil
}

// ActivateAccount re-enables a deactivated account.
func (s *Service) ActivateAccount(ctx context.Context, accountID uuid.UUID) error {
	return s.repo.SetAccountActive(ctx, accountID, true)
}

// DeactivateAccount disables an account. Deactivated accounts cannot
// participate in new transfers; compensation of in-flight sagas still reaches
// them.
func (s *Service) DeactivateAccount(ctx context.Context, accountID uuid.UUID) error {
	return s.repo.SetAccountActive(ctx, accountID, false)
}

// ListAccountTransfers returns the transfers an account participated in, on
// either side.
func (s *Service) ListAccountTransfers(ctx context.Context, accountID uuid.UUID) ([]domain.Transfer, error) {
	if _, err := s.repo.FindAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	return s.repo.FindTransfersByAccountID(ctx, accountID)
}

// GetTransfer returns a transfer by ID.
func (s *Service) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return s.repo.FindTransferByID(ctx, transferID)
}

// GetSagaStatus returns the saga status read-model with the deserialized
// context for operator inspection.
func (s *Service) GetSagaStatus(ctx context.Context, sagaID uuid.UUID) (*domain.SagaStatusResponse, error) {
	instance, err := s.orchestrator.GetSagaInstance(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	sc, err := saga.ParseContext(instance.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to parse saga context: %w", err)
	}
	return &domain.SagaStatusResponse{
		SagaInstanceID: instance.ID,
		Status:         instance.Status,
		CurrentStep:    instance.CurrentStep,
		Context:        sc.Data(),
	}, nil
}

// InitiateTransfer validates a transfer request, creates the transfer record,
// and drives its saga to a terminal state. A compensated saga is a business
// outcome reported through the response, not an error; only validation,
// rate-limit, and infrastructure failures return errors.
func (s *Service) InitiateTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResponse, error) {
	if err := s.validateTransferRequest(ctx, req); err != nil {
		return nil, err
	}

	if err := s.consumeTransferRateLimit(ctx, req.SourceAccountID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	transfer := &domain.Transfer{
		ID:                   uuid.New(),
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		Description:          req.Description,
		Status:               domain.TransferStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		return nil, fmt.Errorf("failed to create transfer record: %w", err)
	}

	sc := saga.NewContext()
	sc.PutUUID(saga.KeyTransferID, transfer.ID)
	sc.PutUUID(saga.KeySourceAccountID, transfer.SourceAccountID)
	sc.PutUUID(saga.KeyDestAccountID, transfer.DestinationAccountID)
	sc.PutDecimal(saga.KeyAmount, transfer.Amount)
	if transfer.Description != "" {
		sc.PutString(saga.KeyDescription, transfer.Description)
	}

	instance, err := s.orchestrator.StartSaga(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to start saga: %w", err)
	}
	if err := s.repo.LinkTransferToSaga(ctx, transfer.ID, instance.ID); err != nil {
		return nil, fmt.Errorf("failed to link transfer to saga: %w", err)
	}

	log.Printf("level=info component=service msg=\"transfer saga starting\" transfer_id=%s saga_id=%s amount=%s", transfer.ID, instance.ID, transfer.Amount)

	for _, stepName := range s.orchestrator.Plan() {
		ok, err := s.orchestrator.ExecuteStep(ctx, instance.ID, stepName)
		if err != nil {
			// Infrastructure fault mid-saga: compensate what committed, then
			// surface the fault.
			if failErr := s.orchestrator.FailSaga(ctx, instance.ID); failErr != nil {
				return s.terminalResponse(ctx, transfer.ID, instance.ID, failErr)
			}
			s.cancelPendingTransfer(ctx, transfer.ID)
			s.publishOutcome(ctx, transfer.ID, instance.ID, domain.SagaStatusCompensated, req.Amount)
			return nil, fmt.Errorf("saga step %s failed: %w", stepName, err)
		}
		if !ok {
			failErr := s.orchestrator.FailSaga(ctx, instance.ID)
			return s.terminalResponse(ctx, transfer.ID, instance.ID, failErr)
		}
	}

	if err := s.orchestrator.CompleteSaga(ctx, instance.ID); err != nil {
		return nil, fmt.Errorf("failed to complete saga: %w", err)
	}

	s.publishOutcome(ctx, transfer.ID, instance.ID, domain.SagaStatusCompleted, req.Amount)
	return s.buildResponse(ctx, transfer.ID, instance.ID)
}

func (s *Service) validateTransferRequest(ctx context.Context, req domain.TransferRequest) error {
	if req.SourceAccountID == uuid.Nil || req.DestinationAccountID == uuid.Nil {
		return fmt.Errorf("%w: source and destination account ids are required", ErrInvalidTransfer)
	}
	if req.SourceAccountID == req.DestinationAccountID {
		return fmt.Errorf("%w: source and destination accounts must differ", ErrInvalidTransfer)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	if s.maxTransferAmount.IsPositive() && req.Amount.GreaterThan(s.maxTransferAmount) {
		return fmt.Errorf("%w: amount exceeds maximum of %s", ErrInvalidTransfer, s.maxTransferAmount)
	}

	// Cheap pre-checks so obviously doomed requests never spin up a saga. The
	// steps re-validate under row locks; this read is advisory only.
	source, err := s.repo.FindAccountByID(ctx, req.SourceAccountID)
	if err != nil {
		return fmt.Errorf("source account lookup: %w", err)
	}
	if !source.IsActive {
		return fmt.Errorf("%w: source account is not active", ErrInvalidTransfer)
	}
	dest, err := s.repo.FindAccountByID(ctx, req.DestinationAccountID)
	if err != nil {
		return fmt.Errorf("destination account lookup: %w", err)
	}
	if !dest.IsActive {
		return fmt.Errorf("%w: destination account is not active", ErrInvalidTransfer)
	}
	return nil
}

func (s *Service) consumeTransferRateLimit(ctx context.Context, sourceAccountID uuid.UUID) error {
	if s.rateLimiter == nil || s.transferRateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, rateLimitScopeTransfer, sourceAccountID.String(), s.transferRateLimit, time.Minute)
	if err != nil {
		// Fail open: the limiter is a guardrail, not a dependency.
		log.Printf("level=warn component=service msg=\"rate limiter unavailable, allowing request\" account_id=%s err=%v", sourceAccountID, err)
		return nil
	}
	if count > s.transferRateLimit {
		log.Printf("level=warn component=service msg=\"transfer rate limit exceeded\" account_id=%s count=%d limit=%d", sourceAccountID, count, s.transferRateLimit)
		return &RateLimitExceededError{Limit: s.transferRateLimit, RetryAfterSeconds: retryAfter}
	}
	return nil
}

// terminalResponse builds the response for a saga that entered the failure
// path. failErr distinguishes a clean compensation (nil) from a stuck one.
func (s *Service) terminalResponse(ctx context.Context, transferID, sagaID uuid.UUID, failErr error) (*domain.TransferResponse, error) {
	if failErr != nil && !errors.Is(failErr, saga.ErrCompensationStuck) {
		return nil, failErr
	}

	// A saga that failed before its final step completed never cancelled the
	// transfer record through compensation. Only a cleanly compensated saga
	// may cancel it; a stuck one stays PENDING for the operator.
	if failErr == nil {
		s.cancelPendingTransfer(ctx, transferID)
	}

	resp, err := s.buildResponse(ctx, transferID, sagaID)
	if err != nil {
		return nil, err
	}
	s.publishOutcome(ctx, transferID, sagaID, resp.SagaStatus, resp.Amount)
	return resp, nil
}

// cancelPendingTransfer moves a still-PENDING transfer to CANCELLED after a
// clean compensation. Best effort: the saga outcome is already durable.
func (s *Service) cancelPendingTransfer(ctx context.Context, transferID uuid.UUID) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil || transfer.Status != domain.TransferStatusPending {
		return
	}
	if err := s.repo.UpdateTransferStatus(ctx, transferID, domain.TransferStatusCancelled); err != nil {
		log.Printf("level=error component=service msg=\"failed to cancel transfer after compensation\" transfer_id=%s err=%v", transferID, err)
	}
}

func (s *Service) buildResponse(ctx context.Context, transferID, sagaID uuid.UUID) (*domain.TransferResponse, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer %s: %w", transferID, err)
	}
	instance, err := s.orchestrator.GetSagaInstance(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load saga %s: %w", sagaID, err)
	}

	resp := &domain.TransferResponse{
		TransferID:     transfer.ID,
		SagaInstanceID: instance.ID,
		Status:         transfer.Status,
		SagaStatus:     instance.Status,
		Amount:         transfer.Amount,
	}
	switch instance.Status {
	case domain.SagaStatusCompleted:
		resp.Message = "transfer completed"
	case domain.SagaStatusCompensated:
		resp.Message = "transfer failed and was fully compensated"
		if sc, err := saga.ParseContext(instance.Context); err == nil {
			if reason, ok := sc.String(saga.KeyFailureReason); ok {
				resp.Message = fmt.Sprintf("transfer failed and was fully compensated: %s", reason)
			}
		}
	case domain.SagaStatusCompensating:
		resp.Message = "transfer compensation is stuck, manual intervention required"
	default:
		resp.Message = fmt.Sprintf("transfer saga is %s", instance.Status)
	}
	return resp, nil
}

func (s *Service) publishOutcome(ctx context.Context, transferID, sagaID uuid.UUID, status domain.SagaStatus, amount decimal.Decimal) {
	if s.eventProducer == nil {
		return
	}

	var routingKey string
	switch status {
	case domain.SagaStatusCompleted:
		routingKey = routingKeySagaCompleted
	case domain.SagaStatusCompensated:
		routingKey = routingKeySagaCompensated
	case domain.SagaStatusCompensating:
		routingKey = routingKeySagaStuck
	default:
		return
	}

	transferStatus := ""
	if transfer, err := s.repo.FindTransferByID(ctx, transferID); err == nil {
		transferStatus = string(transfer.Status)
	}

	event := rabbitmq.TransferSagaEvent{
		TransferID:     transferID,
		SagaInstanceID: sagaID,
		SagaStatus:     string(status),
		TransferStatus: transferStatus,
		Amount:         amount,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.eventProducer.PublishTransferSagaEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish saga event\" transfer_id=%s routing_key=%s err=%v", transferID, routingKey, err)
	}
}
