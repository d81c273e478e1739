// Package api serves the admin and bidder REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/Martin-Hayot/auction-engine/internal/auth"
	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

type Engine interface {
	CreateSession(ctx context.Context, p types.CreateSessionParams) (types.AuctionSession, error)
	Snapshot(ctx context.Context, sessionID string) (types.AuctionState, error)
	ScheduleSession(ctx context.Context, sessionID string) (types.AuctionState, error)
	CancelSession(ctx context.Context, sessionID string) (types.AuctionState, error)
	ForceEnd(ctx context.Context, sessionID string) (types.AuctionState, error)
	SubmitBid(ctx context.Context, sessionID, userID string, amount int64) (types.BidAccepted, error)
	Sessions() []types.AuctionState
}

// HealthFunc reports dependency health; a "status" other than "up" fails the check.
type HealthFunc func() map[string]string

type Handler struct {
	engine Engine
	health HealthFunc
}

func NewHandler(engine Engine, health HealthFunc) *Handler {
	if health == nil {
		health = func() map[string]string { return map[string]string{"status": "up"} }
	}
	return &Handler{engine: engine, health: health}
}

type bidRequest struct {
	Amount int64 `json:"amount"`
}

// Register mounts the routes on r. Everything under /api requires an authenticated user.
func (h *Handler) Register(r *mux.Router, authn auth.Authenticator) {
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware(authn))
	api.HandleFunc("/sessions", h.handleList).Methods(http.MethodGet)
	api.HandleFunc("/sessions", h.admin(h.handleCreate)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", h.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/schedule", h.admin(h.transition(Engine.ScheduleSession))).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/cancel", h.admin(h.transition(Engine.CancelSession))).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/end", h.admin(h.transition(Engine.ForceEnd))).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/bids", h.handleBid).Methods(http.MethodPost)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.health()
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, stats)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Sessions())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var p types.CreateSessionParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, &errors.AppError{Code: errors.ErrInvalidArgument, Message: "invalid json", Err: err})
		return
	}
	user, _ := auth.UserFrom(r.Context())
	p.CreatedByID = user.ID

	s, err := h.engine.CreateSession(r.Context(), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) transition(op func(Engine, context.Context, string) (types.AuctionState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := op(h.engine, r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (h *Handler) handleBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, &errors.AppError{Code: errors.ErrInvalidArgument, Message: "invalid json", Err: err})
		return
	}
	user, _ := auth.UserFrom(r.Context())

	accepted, err := h.engine.SubmitBid(r.Context(), mux.Vars(r)["id"], user.ID, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accepted)
}

func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFrom(r.Context())
		if err := auth.RequireRole(user, types.RoleAdmin); err != nil {
			writeErr(w, err)
			return
		}
		next(w, r)
	}
}

// StatusOf maps an error code to its HTTP status.
func StatusOf(code int) int {
	switch code {
	case errors.ErrInvalidToken:
		return http.StatusUnauthorized
	case errors.ErrForbidden:
		return http.StatusForbidden
	case errors.ErrSessionNotFound:
		return http.StatusNotFound
	case errors.ErrInvalidArgument, errors.ErrBadMessageFormat:
		return http.StatusBadRequest
	case errors.ErrBidTooLow:
		return http.StatusUnprocessableEntity
	case errors.ErrSessionNotLive, errors.ErrInvalidTransition, errors.ErrConflict:
		return http.StatusConflict
	case errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	app := errors.As(err)
	status := StatusOf(app.Code)
	if status == http.StatusInternalServerError {
		log.Error("Request failed", "err", err)
	}
	if ms, ok := app.Meta["retryAfterMs"].(int64); ok && app.Code == errors.ErrRateLimited {
		w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(app.ToJSON()))
}

// CORS allows credentialed browser requests from any origin. Used when cross-origin access
// is enabled.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Role")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
