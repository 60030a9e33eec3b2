package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/sagapay/transfer-service/internal/saga"
	"github.com/sagapay/transfer-service/internal/store"
	"github.com/sagapay/transfer-service/internal/store/storetest"
	"github.com/sagapay/transfer-service/pkg/rabbitmq"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	routingKey string
	event      rabbitmq.TransferSagaEvent
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *fakePublisher) PublishTransferSagaEvent(ctx context.Context, routingKey string, event rabbitmq.TransferSagaEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{routingKey: routingKey, event: event})
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

type fixedRateLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (f *fixedRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return f.count, f.retryAfter, f.err
}

func newTestService(t *testing.T, repo *storetest.MemoryRepository, publisher rabbitmq.Publisher, limiter RateLimiter, rateLimit int) *Service {
	t.Helper()
	orch := saga.NewOrchestrator(repo, saga.NewTransferRegistry())
	return NewService(repo, orch, publisher, limiter, rateLimit, decimal.RequireFromString("1000000"))
}

func createTestAccount(t *testing.T, svc *Service, balance string) *domain.Account {
	t.Helper()
	account, err := svc.CreateAccount(context.Background(), domain.CreateAccountRequest{
		OwnerID:        uuid.New(),
		InitialBalance: decimal.RequireFromString(balance),
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func TestInitiateTransferHappyPath(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	publisher := &fakePublisher{}
	svc := newTestService(t, repo, publisher, nil, 0)

	source := createTestAccount(t, svc, "100")
	dest := createTestAccount(t, svc, "0")

	resp, err := svc.InitiateTransfer(ctx, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("40"),
		Description:          "rent",
	})
	if err != nil {
		t.Fatalf("initiate transfer: %v", err)
	}

	if resp.SagaStatus != domain.SagaStatusCompleted {
		t.Fatalf("expected saga COMPLETED, got %s", resp.SagaStatus)
	}
	if resp.Status != domain.TransferStatusSuccess {
		t.Fatalf("expected transfer SUCCESS, got %s", resp.Status)
	}

	srcBalance, err := svc.GetAccountBalance(ctx, source.ID)
	if err != nil {
		t.Fatalf("source balance: %v", err)
	}
	if !srcBalance.Balance.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("expected source balance 60, got %s", srcBalance.Balance)
	}
	destBalance, err := svc.GetAccountBalance(ctx, dest.ID)
	if err != nil {
		t.Fatalf("destination balance: %v", err)
	}
	if !destBalance.Balance.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("expected destination balance 40, got %s", destBalance.Balance)
	}

	events := publisher.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	if events[0].routingKey != "transfer.saga.completed" {
		t.Fatalf("expected completed routing key, got %s", events[0].routingKey)
	}
	if events[0].event.TransferID != resp.TransferID {
		t.Fatalf("expected event for transfer %s, got %s", resp.TransferID, events[0].event.TransferID)
	}
}

func TestInitiateTransferInsufficientBalanceCompensates(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	publisher := &fakePublisher{}
	svc := newTestService(t, repo, publisher, nil, 0)

	source := createTestAccount(t, svc, "10")
	dest := createTestAccount(t, svc, "0")

	resp, err := svc.InitiateTransfer(ctx, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("40"),
	})
	if err != nil {
		t.Fatalf("expected compensated outcome, got error: %v", err)
	}

	if resp.SagaStatus != domain.SagaStatusCompensated {
		t.Fatalf("expected saga COMPENSATED, got %s", resp.SagaStatus)
	}
	if resp.Status != domain.TransferStatusCancelled {
		t.Fatalf("expected transfer CANCELLED, got %s", resp.Status)
	}

	srcBalance, err := svc.GetAccountBalance(ctx, source.ID)
	if err != nil {
		t.Fatalf("source balance: %v", err)
	}
	if !srcBalance.Balance.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected source balance untouched at 10, got %s", srcBalance.Balance)
	}

	events := publisher.published()
	if len(events) != 1 || events[0].routingKey != "transfer.saga.compensated" {
		t.Fatalf("expected one compensated event, got %+v", events)
	}
}

func TestInitiateTransferValidation(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	source := createTestAccount(t, svc, "100")
	dest := createTestAccount(t, svc, "0")

	tests := []struct {
		name string
		req  domain.TransferRequest
	}{
		{
			name: "zero amount",
			req:  domain.TransferRequest{SourceAccountID: source.ID, DestinationAccountID: dest.ID, Amount: decimal.Zero},
		},
		{
			name: "negative amount",
			req:  domain.TransferRequest{SourceAccountID: source.ID, DestinationAccountID: dest.ID, Amount: decimal.RequireFromString("-5")},
		},
		{
			name: "same account",
			req:  domain.TransferRequest{SourceAccountID: source.ID, DestinationAccountID: source.ID, Amount: decimal.RequireFromString("5")},
		},
		{
			name: "amount above maximum",
			req:  domain.TransferRequest{SourceAccountID: source.ID, DestinationAccountID: dest.ID, Amount: decimal.RequireFromString("1000001")},
		},
		{
			name: "missing source",
			req:  domain.TransferRequest{DestinationAccountID: dest.ID, Amount: decimal.RequireFromString("5")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.InitiateTransfer(ctx, tt.req); !errors.Is(err, ErrInvalidTransfer) {
				t.Fatalf("expected ErrInvalidTransfer, got %v", err)
			}
		})
	}
}

func TestInitiateTransferInactiveAccountsRejected(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	source := createTestAccount(t, svc, "100")
	dest := createTestAccount(t, svc, "0")

	if err := svc.DeactivateAccount(ctx, dest.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	_, err := svc.InitiateTransfer(ctx, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("5"),
	})
	if !errors.Is(err, ErrInvalidTransfer) {
		t.Fatalf("expected ErrInvalidTransfer for inactive destination, got %v", err)
	}

	_, err = svc.InitiateTransfer(ctx, domain.TransferRequest{
		SourceAccountID:      uuid.New(),
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("5"),
	})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for unknown source, got %v", err)
	}
}

func TestInitiateTransferRateLimited(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	limiter := &fixedRateLimiter{count: 11, retryAfter: 30}
	svc := newTestService(t, repo, &fakePublisher{}, limiter, 10)

	source := createTestAccount(t, svc, "100")
	dest := createTestAccount(t, svc, "0")

	_, err := svc.InitiateTransfer(ctx, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("5"),
	})

	var rateErr *RateLimitExceededError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitExceededError, got %v", err)
	}
	if rateErr.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after 30s, got %d", rateErr.RetryAfterSeconds)
	}
}

func TestInitiateTransferRateLimiterFailsOpen(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	limiter := &fixedRateLimiter{err: errors.New("redis down")}
	svc := newTestService(t, repo, &fakePublisher{}, limiter, 10)

	source := createTestAccount(t, svc, "100")
	dest := createTestAccount(t, svc, "0")

	resp, err := svc.InitiateTransfer(ctx, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("5"),
	})
	if err != nil {
		t.Fatalf("expected limiter outage to fail open, got %v", err)
	}
	if resp.SagaStatus != domain.SagaStatusCompleted {
		t.Fatalf("expected saga COMPLETED, got %s", resp.SagaStatus)
	}
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	source := createTestAccount(t, svc, "100")
	destA := createTestAccount(t, svc, "0")
	destB := createTestAccount(t, svc, "0")

	// Two 60-unit transfers from a 100-unit account: exactly one can win.
	var wg sync.WaitGroup
	results := make([]*domain.TransferResponse, 2)
	errs := make([]error, 2)
	for i, destID := range []uuid.UUID{destA.ID, destB.ID} {
		wg.Add(1)
		go func(i int, destID uuid.UUID) {
			defer wg.Done()
			results[i], errs[i] = svc.InitiateTransfer(ctx, domain.TransferRequest{
				SourceAccountID:      source.ID,
				DestinationAccountID: destID,
				Amount:               decimal.RequireFromString("60"),
			})
		}(i, destID)
	}
	wg.Wait()

	var completed, compensated int
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("transfer %d errored: %v", i, errs[i])
		}
		switch results[i].SagaStatus {
		case domain.SagaStatusCompleted:
			completed++
		case domain.SagaStatusCompensated:
			compensated++
		default:
			t.Fatalf("unexpected saga status %s", results[i].SagaStatus)
		}
	}
	if completed != 1 || compensated != 1 {
		t.Fatalf("expected exactly one winner, got completed=%d compensated=%d", completed, compensated)
	}

	srcBalance, err := svc.GetAccountBalance(ctx, source.ID)
	if err != nil {
		t.Fatalf("source balance: %v", err)
	}
	if !srcBalance.Balance.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("expected final source balance 40, got %s", srcBalance.Balance)
	}
	if srcBalance.Balance.IsNegative() {
		t.Fatalf("balance went negative: %s", srcBalance.Balance)
	}
}

// faultingRepository injects an infrastructure failure into the credit
// primitive while delegating everything else, including inside transactions.
type faultingRepository struct {
	store.Repository
	failCredit bool
}

func (r *faultingRepository) ConditionalCredit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (int64, error) {
	if r.failCredit {
		return 0, errors.New("connection reset by peer")
	}
	return r.Repository.ConditionalCredit(ctx, accountID, amount)
}

func (r *faultingRepository) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	return r.Repository.WithTx(ctx, func(inner store.Repository) error {
		return fn(&faultingRepository{Repository: inner, failCredit: r.failCredit})
	})
}

func TestInfraFaultMidSagaCancelsTransfer(t *testing.T) {
	ctx := context.Background()
	repo := &faultingRepository{Repository: storetest.NewMemoryRepository(), failCredit: true}
	publisher := &fakePublisher{}
	orch := saga.NewOrchestrator(repo, saga.NewTransferRegistry())
	svc := NewService(repo, orch, publisher, nil, 0, decimal.RequireFromString("1000000"))

	source := createTestAccount(t, svc, "100")
	dest := createTestAccount(t, svc, "0")

	_, err := svc.InitiateTransfer(ctx, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("40"),
	})
	if err == nil {
		t.Fatal("expected the credit fault to surface")
	}

	// The committed debit was compensated and the transfer record cancelled,
	// exactly as on the business-failure path.
	srcBalance, balErr := svc.GetAccountBalance(ctx, source.ID)
	if balErr != nil {
		t.Fatalf("source balance: %v", balErr)
	}
	if !srcBalance.Balance.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected source restored to 100, got %s", srcBalance.Balance)
	}

	transfers, listErr := svc.ListAccountTransfers(ctx, source.ID)
	if listErr != nil {
		t.Fatalf("list transfers: %v", listErr)
	}
	if len(transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(transfers))
	}
	if transfers[0].Status != domain.TransferStatusCancelled {
		t.Fatalf("expected transfer CANCELLED, got %s", transfers[0].Status)
	}

	events := publisher.published()
	if len(events) != 1 || events[0].routingKey != "transfer.saga.compensated" {
		t.Fatalf("expected one compensated event, got %+v", events)
	}
}

func TestManualDebitAndCredit(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	account := createTestAccount(t, svc, "100")

	balance, err := svc.DebitAccount(ctx, account.ID, decimal.RequireFromString("30"))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !balance.Balance.Equal(decimal.RequireFromString("70")) {
		t.Fatalf("expected balance 70 after debit, got %s", balance.Balance)
	}

	balance, err = svc.CreditAccount(ctx, account.ID, decimal.RequireFromString("5"))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !balance.Balance.Equal(decimal.RequireFromString("75")) {
		t.Fatalf("expected balance 75 after credit, got %s", balance.Balance)
	}
}

func TestManualDebitInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	account := createTestAccount(t, svc, "10")

	_, err := svc.DebitAccount(ctx, account.ID, decimal.RequireFromString("40"))
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	balance, err := svc.GetAccountBalance(ctx, account.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Balance.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected balance untouched at 10, got %s", balance.Balance)
	}
}

func TestManualAdjustmentsRejectInactiveAccount(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	account := createTestAccount(t, svc, "100")
	if err := svc.DeactivateAccount(ctx, account.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := svc.DebitAccount(ctx, account.ID, decimal.RequireFromString("5")); !errors.Is(err, store.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive on debit, got %v", err)
	}
	if _, err := svc.CreditAccount(ctx, account.ID, decimal.RequireFromString("5")); !errors.Is(err, store.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive on credit, got %v", err)
	}
}

func TestManualAdjustmentsRejectNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	account := createTestAccount(t, svc, "100")

	for _, amount := range []string{"0", "-5"} {
		if _, err := svc.DebitAccount(ctx, account.ID, decimal.RequireFromString(amount)); !errors.Is(err, ErrInvalidTransfer) {
			t.Fatalf("expected validation error for debit of %s, got %v", amount, err)
		}
		if _, err := svc.CreditAccount(ctx, account.ID, decimal.RequireFromString(amount)); !errors.Is(err, ErrInvalidTransfer) {
			t.Fatalf("expected validation error for credit of %s, got %v", amount, err)
		}
	}
}

func TestCreateAccountRejectsSecondActiveAccount(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	ownerID := uuid.New()
	if _, err := svc.CreateAccount(ctx, domain.CreateAccountRequest{OwnerID: ownerID}); err != nil {
		t.Fatalf("first account: %v", err)
	}

	_, err := svc.CreateAccount(ctx, domain.CreateAccountRequest{OwnerID: ownerID})
	if !errors.Is(err, store.ErrActiveAccountExists) {
		t.Fatalf("expected ErrActiveAccountExists, got %v", err)
	}
}

func TestCreateAccountRejectsNegativeInitialBalance(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	_, err := svc.CreateAccount(context.Background(), domain.CreateAccountRequest{
		OwnerID:        uuid.New(),
		InitialBalance: decimal.RequireFromString("-1"),
	})
	if !errors.Is(err, ErrInvalidTransfer) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetSagaStatusExposesContext(t *testing.T) {
	ctx := context.Background()
	repo := storetest.NewMemoryRepository()
	svc := newTestService(t, repo, &fakePublisher{}, nil, 0)

	source := createTestAccount(t, svc, "100")
	dest := createTestAccount(t, svc, "0")

	resp, err := svc.InitiateTransfer(ctx, domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("40"),
	})
	if err != nil {
		t.Fatalf("initiate transfer: %v", err)
	}

	status, err := svc.GetSagaStatus(ctx, resp.SagaInstanceID)
	if err != nil {
		t.Fatalf("get saga status: %v", err)
	}
	if status.Status != domain.SagaStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", status.Status)
	}
	if status.Context[saga.KeyTransferID] != resp.TransferID.String() {
		t.Fatalf("expected transfer id %s in context, got %v", resp.TransferID, status.Context[saga.KeyTransferID])
	}
}
