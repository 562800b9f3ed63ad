package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaymsg/accountd/internal/account"
	"github.com/relaymsg/accountd/internal/service/accounts"
	"github.com/relaymsg/accountd/internal/store"
)

// createAccountReq is the request body for account creation
type createAccountReq struct {
	Number     string             `json:"number"`
	Password   string             `json:"password"`
	UserAgent  string             `json:"userAgent,omitempty"`
	Attributes account.Attributes `json:"attributes"`
	Badges     []account.Badge    `json:"badges,omitempty"`
}

// identityResp is the public shape of an account; device credentials and
// other internals stay server-side.
type identityResp struct {
	ACI      uuid.UUID `json:"aci"`
	PNI      uuid.UUID `json:"pni"`
	Number   string    `json:"number"`
	Username string    `json:"username,omitempty"`
}

type changeNumberReq struct {
	Number string `json:"number"`
}

type setUsernameReq struct {
	Username string `json:"username"`
}

// crawlResp is one page of the account crawl
type crawlResp struct {
	Accounts   []identityResp `json:"accounts"`
	NextCursor *string        `json:"nextCursor,omitempty"`
}

type errResp struct {
	Error string `json:"error"`
}

func identity(a *account.Account) identityResp {
	return identityResp{ACI: a.ACI, PNI: a.PNI, Number: a.Number, Username: a.Username}
}

// writeError maps coordinator errors onto HTTP statuses
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var limitErr *account.RetryLimitExceededError
	switch {
	case errors.Is(err, account.ErrUsernameNotAvailable):
		writeJSON(w, http.StatusConflict, errResp{Error: "username-not-available"})
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusConflict, errResp{Error: "contention"})
	default:
		log.Error().Err(err).
			Str("correlation_id", GetCorrelationID(ctx)).
			Msg("account operation failed")
		writeJSON(w, http.StatusInternalServerError, errResp{Error: "internal"})
	}
}

// loadAccount resolves the {aci} path param; writes the response itself on
// failure and returns nil.
func (s *Server) loadAccount(w http.ResponseWriter, r *http.Request) *account.Account {
	aci, err := uuid.Parse(chi.URLParam(r, "aci"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid account identifier"})
		return nil
	}
	a, err := s.Accounts.GetByAccountIdentifier(r.Context(), aci)
	if err != nil {
		writeError(r.Context(), w, err)
		return nil
	}
	if a == nil {
		writeJSON(w, http.StatusNotFound, errResp{Error: "account not found"})
		return nil
	}
	return a
}

// CreateAccount handles POST /v1/accounts
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid request body"})
		return
	}
	if req.Number == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "number and password are required"})
		return
	}

	a, err := s.Accounts.Create(r.Context(), req.Number, req.Password, req.UserAgent, req.Attributes, req.Badges)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity(a))
}

// GetAccount handles GET /v1/accounts/{aci}
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	a := s.loadAccount(w, r)
	if a == nil {
		return
	}
	writeJSON(w, http.StatusOK, identity(a))
}

// LookupAccount handles GET /v1/accounts?number=|pni=|username=
func (s *Server) LookupAccount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		a   *account.Account
		err error
	)
	switch {
	case q.Get("number") != "":
		a, err = s.Accounts.GetByE164(r.Context(), q.Get("number"))
	case q.Get("pni") != "":
		pni, parseErr := uuid.Parse(q.Get("pni"))
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid pni"})
			return
		}
		a, err = s.Accounts.GetByPhoneNumberIdentifier(r.Context(), pni)
	case q.Get("username") != "":
		a, err = s.Accounts.GetByUsername(r.Context(), q.Get("username"))
	default:
		writeJSON(w, http.StatusBadRequest, errResp{Error: "one of number, pni, username is required"})
		return
	}
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusNotFound, errResp{Error: "account not found"})
		return
	}
	writeJSON(w, http.StatusOK, identity(a))
}

// CrawlAccounts handles GET /v1/accounts/crawl?cursor=&limit=
func (s *Server) CrawlAccounts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)

	var (
		chunk *store.CrawlChunk
		err   error
	)
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		after, ok := store.DecodeCrawlCursor(cursor)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errResp{Error: "invalid cursor"})
			return
		}
		chunk, err = s.Accounts.GetAllFrom(r.Context(), after, limit)
	} else {
		chunk, err = s.Accounts.GetAllFromStart(r.Context(), limit)
	}
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	resp := crawlResp{Accounts: make([]identityResp, 0, len(chunk.Accounts))}
	for _, a := range chunk.Accounts {
		resp.Accounts = append(resp.Accounts, identity(a))
	}
	if chunk.Last != nil {
		next := store.EncodeCrawlCursor(*chunk.Last)
		resp.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChangeNumber handles PUT /v1/accounts/{aci}/number
func (s *Server) ChangeNumber(w http.ResponseWriter, r *http.Request) {
	a := s.loadAccount(w, r)
	if a == nil {
		return
	}

	var req changeNumberReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "number is required"})
		return
	}

	updated, err := s.Accounts.ChangeNumber(r.Context(), a, req.Number)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity(updated))
}

// SetUsername handles PUT /v1/accounts/{aci}/username
func (s *Server) SetUsername(w http.ResponseWriter, r *http.Request) {
	a := s.loadAccount(w, r)
	if a == nil {
		return
	}

	var req setUsernameReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "username is required"})
		return
	}

	updated, err := s.Accounts.SetUsername(r.Context(), a, req.Username)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity(updated))
}

// ClearUsername handles DELETE /v1/accounts/{aci}/username
func (s *Server) ClearUsername(w http.ResponseWriter, r *http.Request) {
	a := s.loadAccount(w, r)
	if a == nil {
		return
	}

	updated, err := s.Accounts.ClearUsername(r.Context(), a)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity(updated))
}

// DeleteAccount handles DELETE /v1/accounts/{aci}?reason=
func (s *Server) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	a := s.loadAccount(w, r)
	if a == nil {
		return
	}

	reason := accounts.DeletionReason(r.URL.Query().Get("reason"))
	switch reason {
	case accounts.DeletionReasonAdmin, accounts.DeletionReasonExpired:
	default:
		reason = accounts.DeletionReasonUserRequest
	}

	if err := s.Accounts.Delete(r.Context(), a, reason); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
