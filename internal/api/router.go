/**
 * @description
 * This file sets up the HTTP router for the transfer-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang/prometheus/promhttp: Metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TransferRoutes creates and returns a new router for the transfer service.
// internalAPIKey guards the operator endpoints; an empty key leaves them open,
// which is only acceptable in local development.
func TransferRoutes(h *TransferHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Post("/accounts", h.CreateAccountHandler)
	r.Get("/accounts/{accountID}", h.GetAccountHandler)
	r.Get("/accounts/{accountID}/balance", h.GetAccountBalanceHandler)
	r.Get("/accounts/{accountID}/transfers", h.ListAccountTransfersHandler)
	r.Get("/owners/{ownerID}/accounts", h.ListOwnerAccountsHandler)

	r.Post("/transfers", h.InitiateTransferHandler)
	r.Get("/transfers/{transferID}", h.GetTransferHandler)
	r.Get("/sagas/{sagaID}", h.GetSagaStatusHandler)

	// Operator endpoints. Activation state and manual balance adjustments
	// change funds availability, so they sit behind the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))
		r.Post("/accounts/{accountID}/activate", h.ActivateAccountHandler)
		r.Post("/accounts/{accountID}/deactivate", h.DeactivateAccountHandler)
		r.Post("/accounts/{accountID}/debit", h.DebitAccountHandler)
		r.Post("/accounts/{accountID}/credit", h.CreditAccountHandler)
	})

	return r
}
