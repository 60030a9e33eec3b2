package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sagapay/transfer-service/internal/app"
	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/sagapay/transfer-service/internal/saga"
	"github.com/sagapay/transfer-service/internal/store/storetest"
)

const testInternalAPIKey = "test-internal-key"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo := storetest.NewMemoryRepository()
	orch := saga.NewOrchestrator(repo, saga.NewTransferRegistry())
	svc := app.NewService(repo, orch, nil, nil, 0, decimal.RequireFromString("1000000"))
	handlers := NewTransferHandlers(svc)
	server := httptest.NewServer(TransferRoutes(handlers, testInternalAPIKey))
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createAccountViaAPI(t *testing.T, server *httptest.Server, balance string) domain.Account {
	t.Helper()
	resp := postJSON(t, server.URL+"/accounts", domain.CreateAccountRequest{
		OwnerID:        uuid.New(),
		InitialBalance: decimal.RequireFromString(balance),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 creating account, got %d", resp.StatusCode)
	}
	var account domain.Account
	decodeJSON(t, resp, &account)
	return account
}

func TestCreateAccountEndpoint(t *testing.T) {
	server := newTestServer(t)

	account := createAccountViaAPI(t, server, "50")
	if !account.IsActive {
		t.Fatal("expected created account to be active")
	}
	if !account.Balance.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected balance 50, got %s", account.Balance)
	}

	// Second active account for the same owner conflicts.
	resp := postJSON(t, server.URL+"/accounts", domain.CreateAccountRequest{OwnerID: account.OwnerID})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate active account, got %d", resp.StatusCode)
	}
}

func TestTransferEndpointHappyPath(t *testing.T) {
	server := newTestServer(t)

	source := createAccountViaAPI(t, server, "100")
	dest := createAccountViaAPI(t, server, "0")

	resp := postJSON(t, server.URL+"/transfers", domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("40"),
		Description:          "lunch",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var transferResp domain.TransferResponse
	decodeJSON(t, resp, &transferResp)
	if transferResp.SagaStatus != domain.SagaStatusCompleted {
		t.Fatalf("expected saga COMPLETED, got %s", transferResp.SagaStatus)
	}

	// The saga status endpoint exposes the same terminal state.
	statusResp, err := http.Get(fmt.Sprintf("%s/sagas/%s", server.URL, transferResp.SagaInstanceID))
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from saga status, got %d", statusResp.StatusCode)
	}
	var sagaStatus domain.SagaStatusResponse
	decodeJSON(t, statusResp, &sagaStatus)
	if sagaStatus.Status != domain.SagaStatusCompleted {
		t.Fatalf("expected saga COMPLETED, got %s", sagaStatus.Status)
	}
}

func TestTransferEndpointCompensatedOutcome(t *testing.T) {
	server := newTestServer(t)

	source := createAccountViaAPI(t, server, "10")
	dest := createAccountViaAPI(t, server, "0")

	resp := postJSON(t, server.URL+"/transfers", domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("40"),
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for compensated transfer, got %d", resp.StatusCode)
	}

	var transferResp domain.TransferResponse
	decodeJSON(t, resp, &transferResp)
	if transferResp.SagaStatus != domain.SagaStatusCompensated {
		t.Fatalf("expected saga COMPENSATED, got %s", transferResp.SagaStatus)
	}
	if transferResp.Status != domain.TransferStatusCancelled {
		t.Fatalf("expected transfer CANCELLED, got %s", transferResp.Status)
	}
}

func TestTransferEndpointValidationAndLookupErrors(t *testing.T) {
	server := newTestServer(t)

	source := createAccountViaAPI(t, server, "100")

	tests := []struct {
		name       string
		req        domain.TransferRequest
		wantStatus int
	}{
		{
			name:       "same account",
			req:        domain.TransferRequest{SourceAccountID: source.ID, DestinationAccountID: source.ID, Amount: decimal.RequireFromString("5")},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown destination",
			req:        domain.TransferRequest{SourceAccountID: source.ID, DestinationAccountID: uuid.New(), Amount: decimal.RequireFromString("5")},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "non-positive amount",
			req:        domain.TransferRequest{SourceAccountID: source.ID, DestinationAccountID: uuid.New(), Amount: decimal.Zero},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, server.URL+"/transfers", tt.req)
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestAccountBalanceAndTransfersEndpoints(t *testing.T) {
	server := newTestServer(t)

	source := createAccountViaAPI(t, server, "100")
	dest := createAccountViaAPI(t, server, "0")

	resp := postJSON(t, server.URL+"/transfers", domain.TransferRequest{
		SourceAccountID:      source.ID,
		DestinationAccountID: dest.ID,
		Amount:               decimal.RequireFromString("25"),
	})
	resp.Body.Close()

	balanceResp, err := http.Get(fmt.Sprintf("%s/accounts/%s/balance", server.URL, source.ID))
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	var balance domain.AccountBalance
	decodeJSON(t, balanceResp, &balance)
	if !balance.Balance.Equal(decimal.RequireFromString("75")) {
		t.Fatalf("expected balance 75, got %s", balance.Balance)
	}

	listResp, err := http.Get(fmt.Sprintf("%s/accounts/%s/transfers", server.URL, dest.ID))
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	var transfers []domain.Transfer
	decodeJSON(t, listResp, &transfers)
	if len(transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(transfers))
	}
	if transfers[0].Status != domain.TransferStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", transfers[0].Status)
	}
}

func TestInvalidUUIDParam(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/accounts/not-a-uuid")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed uuid, got %d", resp.StatusCode)
	}
}

func TestOperatorEndpointsRequireInternalAPIKey(t *testing.T) {
	server := newTestServer(t)
	account := createAccountViaAPI(t, server, "0")

	url := fmt.Sprintf("%s/accounts/%s/deactivate", server.URL, account.ID)

	// Missing key is rejected.
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post deactivate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	// Correct key is accepted.
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Internal-Api-Key", testInternalAPIKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post deactivate with key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", resp.StatusCode)
	}
}

func postOperatorJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Api-Key", testInternalAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestManualAdjustmentEndpoints(t *testing.T) {
	server := newTestServer(t)
	account := createAccountViaAPI(t, server, "100")

	debitURL := fmt.Sprintf("%s/accounts/%s/debit", server.URL, account.ID)
	creditURL := fmt.Sprintf("%s/accounts/%s/credit", server.URL, account.ID)

	resp := postOperatorJSON(t, debitURL, domain.BalanceAdjustmentRequest{Amount: decimal.RequireFromString("30")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from debit, got %d", resp.StatusCode)
	}
	var balance domain.AccountBalance
	decodeJSON(t, resp, &balance)
	if !balance.Balance.Equal(decimal.RequireFromString("70")) {
		t.Fatalf("expected balance 70 after debit, got %s", balance.Balance)
	}

	resp = postOperatorJSON(t, creditURL, domain.BalanceAdjustmentRequest{Amount: decimal.RequireFromString("5")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from credit, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &balance)
	if !balance.Balance.Equal(decimal.RequireFromString("75")) {
		t.Fatalf("expected balance 75 after credit, got %s", balance.Balance)
	}

	// Overdraw is a business rejection, not a server error.
	resp = postOperatorJSON(t, debitURL, domain.BalanceAdjustmentRequest{Amount: decimal.RequireFromString("1000")})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for overdraw, got %d", resp.StatusCode)
	}

	// The endpoints sit behind the internal API key.
	resp = postJSON(t, debitURL, domain.BalanceAdjustmentRequest{Amount: decimal.RequireFromString("1")})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
