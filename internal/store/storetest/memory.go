/**
 * @description
 * This package provides an in-memory store.Repository implementation for
 * tests. It mirrors the semantics the saga engine relies on: conditional
 * balance mutations are atomic, WithTx serializes callers the way row locks
 * serialize competing transactions, and completed step records are returned in
 * reverse completion order.
 *
 * It deliberately does not implement rollback: tests drive the repository
 * through the same single-writer paths production uses, where a step either
 * finishes its mutations or never starts them.
 */

package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/sagapay/transfer-service/internal/store"
)

// MemoryRepository is a mutex-guarded in-memory store.Repository.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts      map[uuid.UUID]*domain.Account
	transfers     map[uuid.UUID]*domain.Transfer
	sagaInstances map[uuid.UUID]*domain.SagaInstance
	stepRecords   []*domain.SagaStepRecord

	completionSeq map[uuid.UUID]int
	nextSeq       int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:      make(map[uuid.UUID]*domain.Account),
		transfers:     make(map[uuid.UUID]*domain.Transfer),
		sagaInstances: make(map[uuid.UUID]*domain.SagaInstance),
		completionSeq: make(map[uuid.UUID]int),
	}
}

// WithTx serializes competing callers. fn must not call WithTx again.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func (m *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryRepository) FindAccountsByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Account
	for _, account := range m.accounts {
		if account.OwnerID == ownerID {
			out = append(out, *account)
		}
	}
	return out, nil
}

func (m *MemoryRepository) LockAccountForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return m.FindAccountByID(ctx, accountID)
}

func (m *MemoryRepository) ConditionalDebit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok || !account.IsActive || account.Balance.LessThan(amount) {
		return 0, nil
	}
	account.Balance = account.Balance.Sub(amount)
	account.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (m *MemoryRepository) ConditionalCredit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok || !account.IsActive {
		return 0, nil
	}
	account.Balance = account.Balance.Add(amount)
	account.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (m *MemoryRepository) SetAccountBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.Balance = balance
	account.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) SetAccountActive(ctx context.Context, accountID uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.IsActive = active
	account.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *transfer
	m.transfers[transfer.ID] = &cp
	return nil
}

func (m *MemoryRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	cp := *transfer
	return &cp, nil
}

func (m *MemoryRepository) FindTransfersByAccountID(ctx context.Context, accountID uuid.UUID) ([]domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transfer
	for _, transfer := range m.transfers {
		if transfer.SourceAccountID == accountID || transfer.DestinationAccountID == accountID {
			out = append(out, *transfer)
		}
	}
	return out, nil
}

func (m *MemoryRepository) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status domain.TransferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	transfer.Status = status
	transfer.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) LinkTransferToSaga(ctx context.Context, transferID uuid.UUID, sagaInstanceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	transfer, ok := m.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	id := sagaInstanceID
	transfer.SagaInstanceID = &id
	transfer.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) CreateSagaInstance(ctx context.Context, instance *domain.SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *instance
	m.sagaInstances[instance.ID] = &cp
	return nil
}

func (m *MemoryRepository) FindSagaInstanceByID(ctx context.Context, sagaInstanceID uuid.UUID) (*domain.SagaInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.sagaInstances[sagaInstanceID]
	if !ok {
		return nil, store.ErrSagaInstanceNotFound
	}
	cp := *instance
	return &cp, nil
}

func (m *MemoryRepository) UpdateSagaInstance(ctx context.Context, instance *domain.SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagaInstances[instance.ID]; !ok {
		return store.ErrSagaInstanceNotFound
	}
	cp := *instance
	m.sagaInstances[instance.ID] = &cp
	return nil
}

func (m *MemoryRepository) CreateSagaStepRecord(ctx context.Context, record *domain.SagaStepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.stepRecords = append(m.stepRecords, &cp)
	return nil
}

func (m *MemoryRepository) FindSagaStepRecord(ctx context.Context, sagaInstanceID uuid.UUID, stepName string, status domain.StepStatus) (*domain.SagaStepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.stepRecords {
		if record.SagaInstanceID == sagaInstanceID && record.StepName == stepName && record.Status == status {
			cp := *record
			return &cp, nil
		}
	}
	return nil, store.ErrSagaStepNotFound
}

func (m *MemoryRepository) UpdateSagaStepStatus(ctx context.Context, stepRecordID uuid.UUID, status domain.StepStatus, errorMessage *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.stepRecords {
		if record.ID == stepRecordID {
			record.Status = status
			record.ErrorMessage = errorMessage
			record.UpdatedAt = time.Now().UTC()
			if status == domain.StepStatusCompleted {
				m.nextSeq++
				m.completionSeq[record.ID] = m.nextSeq
			}
			return nil
		}
	}
	return store.ErrSagaStepNotFound
}

func (m *MemoryRepository) FindCompletedSagaSteps(ctx context.Context, sagaInstanceID uuid.UUID) ([]domain.SagaStepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SagaStepRecord
	for _, record := range m.stepRecords {
		if record.SagaInstanceID == sagaInstanceID && record.Status == domain.StepStatusCompleted {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.completionSeq[out[i].ID] > m.completionSeq[out[j].ID]
	})
	return out, nil
}
