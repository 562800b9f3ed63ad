// Package httpapi exposes the account coordinator over REST. Request
// authentication happens upstream; this surface trusts its callers.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/relaymsg/accountd/internal/account"
	"github.com/relaymsg/accountd/internal/service/accounts"
	"github.com/relaymsg/accountd/internal/store"
)

// AccountManager is the slice of the coordinator the handlers use.
type AccountManager interface {
	Create(ctx context.Context, number, password, userAgent string, attrs account.Attributes, badges []account.Badge) (*account.Account, error)
	ChangeNumber(ctx context.Context, a *account.Account, newNumber string) (*account.Account, error)
	SetUsername(ctx context.Context, a *account.Account, raw string) (*account.Account, error)
	ClearUsername(ctx context.Context, a *account.Account) (*account.Account, error)
	Delete(ctx context.Context, a *account.Account, reason accounts.DeletionReason) error
	GetByE164(ctx context.Context, number string) (*account.Account, error)
	GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*account.Account, error)
	GetByUsername(ctx context.Context, raw string) (*account.Account, error)
	GetByAccountIdentifier(ctx context.Context, aci uuid.UUID) (*account.Account, error)
	GetAllFromStart(ctx context.Context, length int) (*store.CrawlChunk, error)
	GetAllFrom(ctx context.Context, after uuid.UUID, length int) (*store.CrawlChunk, error)
}

// Server holds dependencies for HTTP handlers
type Server struct {
	Accounts AccountManager
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all account endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health check and metrics (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/accounts", s.CreateAccount)
	r.Get("/v1/accounts", s.LookupAccount)
	r.Get("/v1/accounts/crawl", s.CrawlAccounts)
	r.Get("/v1/accounts/{aci}", s.GetAccount)
	r.Put("/v1/accounts/{aci}/number", s.ChangeNumber)
	r.Put("/v1/accounts/{aci}/username", s.SetUsername)
	r.Delete("/v1/accounts/{aci}/username", s.ClearUsername)
	r.Delete("/v1/accounts/{aci}", s.DeleteAccount)

	log.Info().Msg("HTTP routes registered")
	return r
}
