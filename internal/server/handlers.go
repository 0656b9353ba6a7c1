package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"enerx-readmodel/internal/analytics"
	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/history"
	"enerx-readmodel/internal/repository"
)

// currentAccount in an {address} path segment selects the connected account.
const currentAccount = "current"

type errorResponse struct {
	Error   string       `json:"error"`
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

type listingsResponse struct {
	repository.ListingScan
	Total int `json:"total"`
}

type accountResponse struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

type accountRequest struct {
	Address string `json:"address"`
}

type mutationRequest struct {
	Method string   `json:"method"`
	Args   []string `json:"args"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/listings?min_price=&max_price=&min_purchase=&refresh=true
func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := analytics.ParseListingFilter(q.Get("min_price"), q.Get("max_price"), q.Get("min_purchase"))
	if err != nil {
		s.writeFailure(w, failure.Invalid("listings", "%v", err))
		return
	}
	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	scan, err := s.rm.Listings(r.Context(), refresh)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	total := len(scan.Listings)
	scan.Listings = filter.Apply(scan.Listings)
	s.writeJSON(w, http.StatusOK, listingsResponse{ListingScan: scan, Total: total})
}

// GET /api/listings/{id}
func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeFailure(w, failure.Invalid("listing", "invalid listing id %q", chi.URLParam(r, "id")))
		return
	}
	listing, err := s.rm.Listing(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

// GET /api/sellers/{address}/listings
func (s *Server) handleSellerListings(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if addr == (common.Address{}) {
		addr = s.rm.Account().Current()
		if addr == (common.Address{}) {
			s.writeFailure(w, failure.New(failure.KindConnection, "sellerListings", "no account connected", nil))
			return
		}
	}
	scan, err := s.rm.SellerListings(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listingsResponse{ListingScan: scan, Total: len(scan.Listings)})
}

// GET /api/profiles/{address}
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	profile, err := s.rm.Profile(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

// GET /api/history/{address}?type=&source=&from=&to=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, ok := s.filteredHistory(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

// GET /api/history/{address}/csv
func (s *Server) handleHistoryCSV(w http.ResponseWriter, r *http.Request) {
	h, ok := s.filteredHistory(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions-`+strings.ToLower(h.Address.Hex())+`.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := history.WriteCSV(w, h.Records); err != nil {
		s.log.Error().Err(err).Msg("Failed to write history CSV")
	}
}

func (s *Server) filteredHistory(w http.ResponseWriter, r *http.Request) (history.History, bool) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeFailure(w, err)
		return history.History{}, false
	}
	q := r.URL.Query()
	filter, err := history.ParseFilter(q.Get("type"), q.Get("source"), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeFailure(w, failure.Invalid("history", "%v", err))
		return history.History{}, false
	}
	h, err := s.rm.History(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, err)
		return history.History{}, false
	}
	h.Records = filter.Apply(h.Records)
	return h, true
}

// GET /api/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	report, err := s.rm.Analytics(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// GET /api/platform
func (s *Server) handlePlatform(w http.ResponseWriter, r *http.Request) {
	state, err := s.rm.Platform(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// GET /api/account
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.accountState())
}

// PUT /api/account with {"address": "0x..."}; an empty address disconnects.
func (s *Server) handlePutAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, failure.Invalid("account", "invalid request body"))
		return
	}
	var addr common.Address
	if req.Address != "" {
		if !common.IsHexAddress(req.Address) {
			s.writeFailure(w, failure.Invalid("account", "invalid address %q", req.Address))
			return
		}
		addr = common.HexToAddress(req.Address)
	}
	if s.rm.Account().Set(addr) {
		s.log.Info().Str("account", addr.Hex()).Msg("Account switched via API")
	}
	s.writeJSON(w, http.StatusOK, s.accountState())
}

func (s *Server) accountState() accountResponse {
	account := s.rm.Account()
	resp := accountResponse{Connected: account.Connected()}
	if resp.Connected {
		resp.Address = account.Current().Hex()
	}
	return resp
}

// POST /api/mutations with {"method": "...", "args": [...]}
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, failure.Invalid("mutation", "invalid request body"))
		return
	}
	m, err := s.mutator.Dispatch(r.Context(), req.Method, req.Args)
	if err != nil && m == nil {
		s.writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	s.writeJSON(w, status, m)
}

func pathAddress(r *http.Request) (common.Address, error) {
	raw := chi.URLParam(r, "address")
	if raw == "" || strings.EqualFold(raw, currentAccount) {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, failure.Invalid("address", "invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.KindInvalidInput:
		return http.StatusBadRequest
	case failure.KindConnection:
		return http.StatusServiceUnavailable
	case failure.KindTimeout:
		return http.StatusGatewayTimeout
	case failure.KindCallReverted:
		return http.StatusUnprocessableEntity
	case failure.KindStale:
		return http.StatusConflict
	case failure.KindPartialFetch:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	var fe *failure.Error
	msg := err.Error()
	if errors.As(err, &fe) && fe.Message != "" {
		msg = fe.Message
	}
	s.writeJSON(w, status, errorResponse{
		Error:   msg,
		Kind:    failure.KindOf(err),
		Message: failure.UserMessage(err),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}
