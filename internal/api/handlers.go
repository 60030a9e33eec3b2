/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/prometheus/client_golang: Request counters and latency histograms.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagapay/transfer-service/internal/app"
	"github.com/sagapay/transfer-service/internal/domain"
	"github.com/sagapay/transfer-service/internal/saga"
	"github.com/sagapay/transfer-service/internal/store"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "endpoint"})

	sagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_saga_outcomes_total",
		Help: "Terminal saga outcomes by status",
	}, []string{"saga_status"})
)

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service *app.Service
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service *app.Service) *TransferHandlers {
	return &TransferHandlers{service: service}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, payload any, method, endpoint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message, method, endpoint string) {
	h.writeJSON(w, status, errorResponse{Error: message}, method, endpoint)
}

// CreateAccountHandler handles account creation requests.
func (h *TransferHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/accounts"))
	defer timer.ObserveDuration()

	var req domain.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "POST", "/accounts")
		return
	}

	account, err := h.service.CreateAccount(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidTransfer):
			h.writeError(w, http.StatusBadRequest, err.Error(), "POST", "/accounts")
		case errors.Is(err, store.ErrActiveAccountExists):
			h.writeError(w, http.StatusConflict, "an active account already exists for this owner", "POST", "/accounts")
		default:
			log.Printf("level=error component=api endpoint=create_account err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error", "POST", "/accounts")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, account, "POST", "/accounts")
}

// GetAccountHandler returns a single account.
func (h *TransferHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseUUIDParam(w, r, "accountID", "GET", "/accounts/{id}")
	if !ok {
		return
	}

	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		h.handleLookupError(w, err, "GET", "/accounts/{id}")
		return
	}
	h.writeJSON(w, http.StatusOK, account, "GET", "/accounts/{id}")
}

// GetAccountBalanceHandler returns the balance read-model for an account.
func (h *TransferHandlers) GetAccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseUUIDParam(w, r, "accountID", "GET", "/accounts/{id}/balance")
	if !ok {
		return
	}

	balance, err := h.service.GetAccountBalance(r.Context(), accountID)
	if err != nil {
		h.handleLookupError(w, err, "GET", "/accounts/{id}/balance")
		return
	}
	h.writeJSON(w, http.StatusOK, balance, "GET", "/accounts/{id}/balance")
}

// ListAccountTransfersHandler returns the transfers an account participated in.
func (h *TransferHandlers) ListAccountTransfersHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseUUIDParam(w, r, "accountID", "GET", "/accounts/{id}/transfers")
	if !ok {
		return
	}

	transfers, err := h.service.ListAccountTransfers(r.Context(), accountID)
	if err != nil {
		h.handleLookupError(w, err, "GET", "/accounts/{id}/transfers")
		return
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	h.writeJSON(w, http.StatusOK, transfers, "GET", "/accounts/{id}/transfers")
}

// ListOwnerAccountsHandler returns every account held by an owner.
func (h *TransferHandlers) ListOwnerAccountsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.parseUUIDParam(w, r, "ownerID", "GET", "/owners/{id}/accounts")
	if !ok {
		return
	}

	accounts, err := h.service.ListOwnerAccounts(r.Context(), ownerID)
	if err != nil {
		h.handleLookupError(w, err, "GET", "/owners/{id}/accounts")
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	h.writeJSON(w, http.StatusOK, accounts, "GET", "/owners/{id}/accounts")
}

// ActivateAccountHandler re-enables a deactivated account.
func (h *TransferHandlers) ActivateAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.setAccountActive(w, r, true, "/accounts/{id}/activate")
}

// DeactivateAccountHandler disables an account.
func (h *TransferHandlers) DeactivateAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.setAccountActive(w, r, false, "/accounts/{id}/deactivate")
}

func (h *TransferHandlers) setAccountActive(w http.ResponseWriter, r *http.Request, active bool, endpoint string) {
	accountID, ok := h.parseUUIDParam(w, r, "accountID", "POST", endpoint)
	if !ok {
		return
	}

	var err error
	if active {
		err = h.service.ActivateAccount(r.Context(), accountID)
	} else {
		err = h.service.DeactivateAccount(r.Context(), accountID)
	}
	if err != nil {
		h.handleLookupError(w, err, "POST", endpoint)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "is_active": active}, "POST", endpoint)
}

// DebitAccountHandler applies a manual debit to an account.
func (h *TransferHandlers) DebitAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.adjustBalance(w, r, false, "/accounts/{id}/debit")
}

// CreditAccountHandler applies a manual credit to an account.
func (h *TransferHandlers) CreditAccountHandler(w http.ResponseWriter, r *http.Request) {
	h.adjustBalance(w, r, true, "/accounts/{id}/credit")
}

func (h *TransferHandlers) adjustBalance(w http.ResponseWriter, r *http.Request, credit bool, endpoint string) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	accountID, ok := h.parseUUIDParam(w, r, "accountID", "POST", endpoint)
	if !ok {
		return
	}

	var req domain.BalanceAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "POST", endpoint)
		return
	}

	var balance *domain.AccountBalance
	var err error
	if credit {
		balance, err = h.service.CreditAccount(r.Context(), accountID, req.Amount)
	} else {
		balance, err = h.service.DebitAccount(r.Context(), accountID, req.Amount)
	}
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidTransfer):
			h.writeError(w, http.StatusBadRequest, err.Error(), "POST", endpoint)
		case errors.Is(err, store.ErrInsufficientFunds), errors.Is(err, store.ErrAccountInactive):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error(), "POST", endpoint)
		default:
			h.handleLookupError(w, err, "POST", endpoint)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, balance, "POST", endpoint)
}

// InitiateTransferHandler handles transfer requests. The saga is driven to a
// terminal state before responding, so the response always carries the final
// outcome.
func (h *TransferHandlers) InitiateTransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "POST", "/transfers")
		return
	}

	resp, err := h.service.InitiateTransfer(r.Context(), req)
	if err != nil {
		var rateErr *app.RateLimitExceededError
		switch {
		case errors.Is(err, app.ErrInvalidTransfer):
			h.writeError(w, http.StatusBadRequest, err.Error(), "POST", "/transfers")
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "account not found", "POST", "/transfers")
		case errors.As(err, &rateErr):
			w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
			h.writeError(w, http.StatusTooManyRequests, rateErr.Error(), "POST", "/transfers")
		case errors.Is(err, saga.ErrCompensationStuck):
			sagaOutcomes.WithLabelValues(string(domain.SagaStatusCompensating)).Inc()
			h.writeError(w, http.StatusInternalServerError, "transfer compensation is stuck, manual intervention required", "POST", "/transfers")
		default:
			log.Printf("level=error component=api endpoint=initiate_transfer err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error", "POST", "/transfers")
		}
		return
	}

	sagaOutcomes.WithLabelValues(string(resp.SagaStatus)).Inc()

	switch resp.SagaStatus {
	case domain.SagaStatusCompleted:
		h.writeJSON(w, http.StatusCreated, resp, "POST", "/transfers")
	case domain.SagaStatusCompensated:
		// The request was well-formed but the transfer could not go through;
		// every partial effect has been undone.
		h.writeJSON(w, http.StatusUnprocessableEntity, resp, "POST", "/transfers")
	case domain.SagaStatusCompensating:
		h.writeJSON(w, http.StatusInternalServerError, resp, "POST", "/transfers")
	default:
		h.writeJSON(w, http.StatusOK, resp, "POST", "/transfers")
	}
}

// GetTransferHandler returns a single transfer record.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.parseUUIDParam(w, r, "transferID", "GET", "/transfers/{id}")
	if !ok {
		return
	}

	transfer, err := h.service.GetTransfer(r.Context(), transferID)
	if err != nil {
		h.handleLookupError(w, err, "GET", "/transfers/{id}")
		return
	}
	h.writeJSON(w, http.StatusOK, transfer, "GET", "/transfers/{id}")
}

// GetSagaStatusHandler returns the saga status read-model for polling and
// operator inspection.
func (h *TransferHandlers) GetSagaStatusHandler(w http.ResponseWriter, r *http.Request) {
	sagaID, ok := h.parseUUIDParam(w, r, "sagaID", "GET", "/sagas/{id}")
	if !ok {
		return
	}

	status, err := h.service.GetSagaStatus(r.Context(), sagaID)
	if err != nil {
		h.handleLookupError(w, err, "GET", "/sagas/{id}")
		return
	}
	h.writeJSON(w, http.StatusOK, status, "GET", "/sagas/{id}")
}

func (h *TransferHandlers) parseUUIDParam(w http.ResponseWriter, r *http.Request, name, method, endpoint string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %q", name, raw), method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

func (h *TransferHandlers) handleLookupError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrTransferNotFound),
		errors.Is(err, store.ErrSagaInstanceNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), method, endpoint)
	default:
		log.Printf("level=error component=api endpoint=%s err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "internal server error", method, endpoint)
	}
}
