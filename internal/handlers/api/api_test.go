package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martin-Hayot/auction-engine/internal/auth"
	"github.com/Martin-Hayot/auction-engine/internal/clock"
	"github.com/Martin-Hayot/auction-engine/internal/database"
	"github.com/Martin-Hayot/auction-engine/internal/engine"
	"github.com/Martin-Hayot/auction-engine/internal/ratelimit"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, types.Event) error { return nil }

type testServer struct {
	router *mux.Router
	clk    *clock.Fake
	store  *database.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewFake(t0)
	store := database.NewMemoryStore()
	cfg := engine.DefaultConfig()
	cfg.BidLimit = 2
	eng, err := engine.New(cfg, engine.Deps{
		Store:     store,
		Publisher: nopPublisher{},
		Settler:   store,
		Limiter:   ratelimit.NewMemory(clk, 0),
		Clock:     clk,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Close)

	r := mux.NewRouter()
	NewHandler(eng, nil).Register(r, auth.DevAuthenticator{})
	return &testServer{router: r, clk: clk, store: store}
}

func (s *testServer) do(t *testing.T, method, path, user string, role types.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
		req.Header.Set("X-User-Role", string(role))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func createParams() types.CreateSessionParams {
	return types.CreateSessionParams{
		ProductID:          "prod-1",
		StartTime:          t0.Add(time.Minute),
		EndTimePlanned:     t0.Add(time.Hour),
		AntiSnipeWindowSec: 60,
		AntiSnipeExtendSec: 30,
		StartingPrice:      1000,
		IncrementStep:      100,
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/sessions", "bidder", types.RoleBidder, createParams())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/sessions", "admin", types.RoleAdmin, createParams())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[types.AuctionSession](t, rec)
	assert.Equal(t, "admin", created.CreatedByID)
	assert.Equal(t, types.StatusScheduled, created.Status)
	path := "/api/sessions/" + created.ID

	rec = s.do(t, http.MethodPost, path+"/bids", "u1", types.RoleBidder, bidRequest{Amount: 1100})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "SESSION_NOT_LIVE")

	s.clk.Advance(time.Minute)
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, path, "u1", types.RoleBidder, nil)
		return rec.Code == http.StatusOK && decodeBody[types.AuctionState](t, rec).Status == types.StatusLive
	}, 2*time.Second, 10*time.Millisecond)

	rec = s.do(t, http.MethodPost, path+"/bids", "u1", types.RoleBidder, bidRequest{Amount: 1099})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/bids", "u1", types.RoleBidder, bidRequest{Amount: 1100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	accepted := decodeBody[types.BidAccepted](t, rec)
	assert.Equal(t, "u1", accepted.UserID)

	rec = s.do(t, http.MethodPost, path+"/bids", "u1", types.RoleBidder, bidRequest{Amount: 1300})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = s.do(t, http.MethodPost, path+"/end", "admin", types.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[types.AuctionState](t, rec)
	assert.Equal(t, types.StatusEnded, st.Status)
	assert.Equal(t, int64(1100), st.CurrentPrice)

	rec = s.do(t, http.MethodPost, path+"/cancel", "admin", types.RoleAdmin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_TRANSITION")

	rec = s.do(t, http.MethodGet, "/api/sessions", "u1", types.RoleBidder, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]types.AuctionState](t, rec), 1)
}

func TestScheduleDraftOverHTTP(t *testing.T) {
	s := newTestServer(t)
	p := createParams()
	p.Status = types.StatusDraft

	rec := s.do(t, http.MethodPost, "/api/sessions", "admin", types.RoleAdmin, p)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[types.AuctionSession](t, rec).ID

	rec = s.do(t, http.MethodPost, "/api/sessions/"+id+"/schedule", "admin", types.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StatusScheduled, decodeBody[types.AuctionState](t, rec).Status)
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/sessions/nope", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/sessions/nope", "u1", types.RoleBidder, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	invalid := createParams()
	invalid.IncrementStep = 0
	rec = s.do(t, http.MethodPost, "/api/sessions", "admin", types.RoleAdmin, invalid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/x/bids", bytes.NewBufferString("{"))
	req.Header.Set("X-User-ID", "u1")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	r := mux.NewRouter()
	NewHandler(nil, func() map[string]string { return map[string]string{"status": "down"} }).
		Register(r, auth.DevAuthenticator{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s := newTestServer(t)
	rec = s.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusOf(t *testing.T) {
	tests := map[int]int{
		errors.ErrInvalidToken:      http.StatusUnauthorized,
		errors.ErrForbidden:         http.StatusForbidden,
		errors.ErrSessionNotFound:   http.StatusNotFound,
		errors.ErrInvalidArgument:   http.StatusBadRequest,
		errors.ErrBidTooLow:         http.StatusUnprocessableEntity,
		errors.ErrSessionNotLive:    http.StatusConflict,
		errors.ErrConflict:          http.StatusConflict,
		errors.ErrRateLimited:       http.StatusTooManyRequests,
		errors.ErrStoreUnavailable:  http.StatusServiceUnavailable,
		errors.ErrInternalServer:    http.StatusInternalServerError,
		errors.ErrInvalidTransition: http.StatusConflict,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusOf(code), errors.Reason(code))
	}
}

func TestCORS(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://shop.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
