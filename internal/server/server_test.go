package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enerx-readmodel/internal/analytics"
	"enerx-readmodel/internal/config"
	"enerx-readmodel/internal/dispatcher"
	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/history"
	"enerx-readmodel/internal/model"
	"enerx-readmodel/internal/repository"
	"enerx-readmodel/internal/wallet"
)

const (
	addrSeller = "0x00000000000000000000000000000000000000aa"
	addrBuyer  = "0x00000000000000000000000000000000000000cc"
)

type fakeReadModel struct {
	account    *wallet.Account
	listings   []model.Listing
	refreshed  bool
	records    []model.TransactionRecord
	historyFor common.Address
	profileErr error
}

func newFakeReadModel() *fakeReadModel {
	return &fakeReadModel{
		account: wallet.NewAccount(common.Address{}),
		listings: []model.Listing{
			{ID: 1, Seller: common.HexToAddress(addrSeller), Amount: decimal.NewFromInt(10), PricePerUnit: decimal.NewFromInt(1), MinimumPurchase: decimal.NewFromInt(1), Active: true},
			{ID: 2, Seller: common.HexToAddress(addrSeller), Amount: decimal.NewFromInt(5), PricePerUnit: decimal.NewFromInt(5), MinimumPurchase: decimal.NewFromInt(2), Active: true},
		},
		records: []model.TransactionRecord{
			{Type: model.TransactionPurchase, ListingID: 1, Amount: decimal.NewFromInt(2), Price: decimal.NewFromInt(2), Timestamp: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), EnergySource: "solar"},
			{Type: model.TransactionSale, ListingID: 2, Amount: decimal.NewFromInt(5), Price: decimal.NewFromInt(5), Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), EnergySource: "wind"},
		},
	}
}

func (f *fakeReadModel) Listings(ctx context.Context, refresh bool) (repository.ListingScan, error) {
	f.refreshed = refresh
	return repository.ListingScan{Listings: f.listings, Outcome: repository.OutcomeOK, Generation: 3}, nil
}

func (f *fakeReadModel) Listing(ctx context.Context, id uint64) (model.Listing, error) {
	for _, l := range f.listings {
		if l.ID == id {
			return l, nil
		}
	}
	return model.Listing{}, failure.New(failure.KindCallReverted, "getListingDetails", "execution reverted", nil)
}

func (f *fakeReadModel) SellerListings(ctx context.Context, seller common.Address) (repository.ListingScan, error) {
	return repository.ListingScan{Listings: f.listings, Outcome: repository.OutcomeOK}, nil
}

func (f *fakeReadModel) Profile(ctx context.Context, addr common.Address) (model.UserProfile, error) {
	if f.profileErr != nil {
		return model.UserProfile{}, f.profileErr
	}
	if addr == (common.Address{}) {
		addr = f.account.Current()
		if addr == (common.Address{}) {
			return model.UserProfile{}, failure.New(failure.KindConnection, "getProfile", "no account connected", nil)
		}
	}
	return model.UserProfile{Address: addr, IsVerified: true}, nil
}

func (f *fakeReadModel) History(ctx context.Context, addr common.Address) (history.History, error) {
	f.historyFor = addr
	return history.History{Address: addr, Records: append([]model.TransactionRecord(nil), f.records...)}, nil
}

func (f *fakeReadModel) Analytics(ctx context.Context) (analytics.Report, error) {
	return analytics.Build(f.listings, nil, time.UTC, 3, time.Unix(0, 0)), nil
}

func (f *fakeReadModel) Platform(ctx context.Context) (model.PlatformState, error) {
	return model.PlatformState{}, failure.New(failure.KindTimeout, "platformFee", "", context.DeadlineExceeded)
}

func (f *fakeReadModel) Account() *wallet.Account {
	return f.account
}

type fakeMutator struct {
	method string
	args   []string
	err    error
}

func (m *fakeMutator) Dispatch(ctx context.Context, method string, raw []string) (*dispatcher.Mutation, error) {
	m.method, m.args = method, raw
	if _, ok := dispatcher.Lookup(method); !ok {
		return nil, failure.Invalid(method, "unknown method %q", method)
	}
	mut := &dispatcher.Mutation{Method: method, Args: raw, State: dispatcher.StateSucceeded}
	if m.err != nil {
		mut.State = dispatcher.StateFailed
		mut.Err = m.err
		mut.ErrorMessage = failure.UserMessage(m.err)
		return mut, m.err
	}
	return mut, nil
}

func newTestServer(rm ReadModel, mutator Mutator, writes bool) *Server {
	cfg := config.ServerConfig{Addr: ":0", AllowedOrigins: []string{"*"}, EnableWrites: writes}
	return New(cfg, rm, mutator, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(newFakeReadModel(), nil, false)
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListingsFilterAndRefresh(t *testing.T) {
	rm := newFakeReadModel()
	s := newTestServer(rm, nil, false)

	rec := do(t, s, http.MethodGet, "/api/listings?min_price=2&refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rm.refreshed)

	body := decode[struct {
		Listings   []model.Listing `json:"listings"`
		Total      int             `json:"total"`
		Generation uint64          `json:"generation"`
	}](t, rec)
	require.Len(t, body.Listings, 1)
	assert.Equal(t, uint64(2), body.Listings[0].ID)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, uint64(3), body.Generation)

	rec = do(t, s, http.MethodGet, "/api/listings?min_price=5&max_price=1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, failure.KindInvalidInput, decode[errorResponse](t, rec).Kind)
}

func TestListingByID(t *testing.T) {
	s := newTestServer(newFakeReadModel(), nil, false)

	rec := do(t, s, http.MethodGet, "/api/listings/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(2), decode[model.Listing](t, rec).ID)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/listings/abc", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, s, http.MethodGet, "/api/listings/99", "").Code)
}

func TestSellerListingsNeedsAccountForCurrent(t *testing.T) {
	rm := newFakeReadModel()
	s := newTestServer(rm, nil, false)

	rec := do(t, s, http.MethodGet, "/api/sellers/current/listings", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rm.account.Set(common.HexToAddress(addrSeller))
	rec = do(t, s, http.MethodGet, "/api/sellers/current/listings", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/sellers/0x12/listings", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProfileAndAccount(t *testing.T) {
	rm := newFakeReadModel()
	s := newTestServer(rm, nil, false)

	rec := do(t, s, http.MethodGet, "/api/profiles/current", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, failure.KindConnection, decode[errorResponse](t, rec).Kind)

	rec = do(t, s, http.MethodPut, "/api/account", `{"address":"`+addrBuyer+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	acct := decode[accountResponse](t, rec)
	assert.True(t, acct.Connected)
	assert.Equal(t, common.HexToAddress(addrBuyer).Hex(), acct.Address)

	rec = do(t, s, http.MethodGet, "/api/profiles/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, common.HexToAddress(addrBuyer), decode[model.UserProfile](t, rec).Address)

	rec = do(t, s, http.MethodPut, "/api/account", `{"address":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/account", `{"address":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[accountResponse](t, do(t, s, http.MethodGet, "/api/account", "")).Connected)
}

func TestHistoryFiltersAndCSV(t *testing.T) {
	rm := newFakeReadModel()
	s := newTestServer(rm, nil, false)

	rec := do(t, s, http.MethodGet, "/api/history/"+addrBuyer+"?type=purchase", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[history.History](t, rec)
	require.Len(t, h.Records, 1)
	assert.Equal(t, model.TransactionPurchase, h.Records[0].Type)
	assert.Equal(t, common.HexToAddress(addrBuyer), rm.historyFor)

	rec = do(t, s, http.MethodGet, "/api/history/"+addrBuyer+"/csv?source=wind", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2, "表头加一条记录")
	assert.Contains(t, lines[1], "wind")

	rec = do(t, s, http.MethodGet, "/api/history/"+addrBuyer+"?from=2024-03-05&to=2024-03-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsAndPlatformStatus(t *testing.T) {
	s := newTestServer(newFakeReadModel(), nil, false)

	rec := do(t, s, http.MethodGet, "/api/analytics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[analytics.Report](t, rec)
	assert.Equal(t, 2, report.Summary.ActiveListings)

	rec = do(t, s, http.MethodGet, "/api/platform", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, failure.KindTimeout, decode[errorResponse](t, rec).Kind)
}

func TestMutationsDisabledByDefault(t *testing.T) {
	mut := &fakeMutator{}
	s := newTestServer(newFakeReadModel(), mut, false)
	rec := do(t, s, http.MethodPost, "/api/mutations", `{"method":"cancelListing","args":["1"]}`)
	assert.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, rec.Code)
	assert.Empty(t, mut.method)
}

func TestMutations(t *testing.T) {
	mut := &fakeMutator{}
	s := newTestServer(newFakeReadModel(), mut, true)

	rec := do(t, s, http.MethodPost, "/api/mutations", `{"method":"cancelListing","args":["1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelListing", mut.method)
	assert.Equal(t, []string{"1"}, mut.args)
	assert.Equal(t, dispatcher.StateSucceeded, decode[dispatcher.Mutation](t, rec).State)

	rec = do(t, s, http.MethodPost, "/api/mutations", `{"method":"selfDestruct"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	mut.err = failure.New(failure.KindCallReverted, "cancelListing", "", nil)
	rec = do(t, s, http.MethodPost, "/api/mutations", `{"method":"cancelListing","args":["1"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	m := decode[dispatcher.Mutation](t, rec)
	assert.Equal(t, dispatcher.StateFailed, m.State)
	assert.NotEmpty(t, m.ErrorMessage)

	rec = do(t, s, http.MethodPost, "/api/mutations", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[failure.Kind]int{
		failure.KindInvalidInput: http.StatusBadRequest,
		failure.KindConnection:   http.StatusServiceUnavailable,
		failure.KindTimeout:      http.StatusGatewayTimeout,
		failure.KindCallReverted: http.StatusUnprocessableEntity,
		failure.KindStale:        http.StatusConflict,
		failure.KindPartialFetch: http.StatusBadGateway,
		failure.KindUnknown:      http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, statusFor(failure.New(kind, "op", "", nil)), string(kind))
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := config.ServerConfig{Addr: "127.0.0.1:0"}
	s := New(cfg, newFakeReadModel(), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("服务器未在取消后退出")
	}
}
