// Package api provides the HTTP and websocket surface of the raffle server
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/alexbotov/rifas/internal/audit"
	"github.com/alexbotov/rifas/internal/auth"
	"github.com/alexbotov/rifas/internal/broadcast"
	"github.com/alexbotov/rifas/internal/config"
	"github.com/alexbotov/rifas/internal/control"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/alexbotov/rifas/internal/draw"
	"github.com/alexbotov/rifas/internal/ledger"
	"github.com/alexbotov/rifas/internal/raffle"
	"github.com/alexbotov/rifas/internal/rng"
	"github.com/google/logger"
	"github.com/gorilla/mux"
)

// Version is reported by the server info endpoint
const Version = "1.0.0"

// Raffles is the read side of the raffle store used by public endpoints
type Raffles interface {
	GetActiveRaffle(ctx context.Context) (*domain.Raffle, error)
	LatestRaffle(ctx context.Context, states ...domain.RaffleState) (*domain.Raffle, error)
	TakenTickets(ctx context.Context, raffleID string) ([]int, error)
	ListParticipants(ctx context.Context, raffleID string) ([]*domain.Participant, error)
}

// Pinger reports database reachability
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Services are the collaborators of the HTTP handlers
type Services struct {
	Auth      *auth.Service
	Raffles   Raffles
	Ledger    *ledger.Service
	Control   *control.Service
	Draws     *draw.Coordinator
	Hub       *broadcast.Hub
	Audit     *audit.Service
	RNG       *rng.Service
	DB        Pinger
	Broadcast config.BroadcastConfig
}

// Handler contains all HTTP handlers
type Handler struct {
	auth    *auth.Service
	raffles Raffles
	ledger  *ledger.Service
	control *control.Service
	draws   *draw.Coordinator
	hub     *broadcast.Hub
	audit   *audit.Service
	rng     *rng.Service
	db      Pinger
	ws      config.BroadcastConfig
}

// New creates a new API handler
func New(s Services) *Handler {
	return &Handler{
		auth:    s.Auth,
		raffles: s.Raffles,
		ledger:  s.Ledger,
		control: s.Control,
		draws:   s.Draws,
		hub:     s.Hub,
		audit:   s.Audit,
		rng:     s.RNG,
		db:      s.DB,
		ws:      s.Broadcast,
	}
}

// Response helpers

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Conflicting []int  `json:"conflicting,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondAPIError(w, status, &APIError{Code: code, Message: message})
}

func respondAPIError(w http.ResponseWriter, status int, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   apiErr,
	})
}

// respondServiceError maps service errors to status codes and error codes
func respondServiceError(w http.ResponseWriter, err error) {
	var conflict *domain.TicketConflictError
	if errors.As(err, &conflict) {
		respondAPIError(w, http.StatusConflict, &APIError{
			Code:        "TICKET_CONFLICT",
			Message:     conflict.Error(),
			Conflicting: conflict.Conflicting,
		})
		return
	}

	switch {
	case errors.Is(err, raffle.ErrNoActiveRaffle), errors.Is(err, draw.ErrNoActiveRaffle):
		respondError(w, http.StatusNotFound, "NO_ACTIVE_RAFFLE", "There is no active raffle")
	case errors.Is(err, raffle.ErrNotFound), errors.Is(err, raffle.ErrParticipantNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, control.ErrNothingToArchive):
		respondError(w, http.StatusNotFound, "NOTHING_TO_ARCHIVE", err.Error())
	case errors.Is(err, draw.ErrNoEligibleTickets):
		respondError(w, http.StatusConflict, "NO_ELIGIBLE_TICKETS", "No tickets have been sold")
	case errors.Is(err, draw.ErrPersistenceFailure):
		respondError(w, http.StatusBadGateway, "PERSISTENCE_FAILURE", err.Error())
	case errors.Is(err, draw.ErrIllegalTransition):
		respondError(w, http.StatusConflict, "ILLEGAL_TRANSITION", err.Error())
	case errors.Is(err, draw.ErrSessionInProgress), errors.Is(err, control.ErrDrawInProgress):
		respondError(w, http.StatusConflict, "DRAW_IN_PROGRESS", err.Error())
	case errors.Is(err, draw.ErrNoSession):
		respondError(w, http.StatusConflict, "NO_DRAW_SESSION", "The draw has not been started")
	case errors.Is(err, raffle.ErrAlreadyActive):
		respondError(w, http.StatusConflict, "ALREADY_ACTIVE", "Another raffle is already active")
	case errors.Is(err, ledger.ErrRaffleNotActive), errors.Is(err, raffle.ErrNotActive):
		respondError(w, http.StatusConflict, "RAFFLE_NOT_ACTIVE", err.Error())
	case errors.Is(err, raffle.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, raffle.ErrInvalidPatch), errors.Is(err, control.ErrStateInPatch),
		errors.Is(err, ledger.ErrInvalidTickets), errors.Is(err, ledger.ErrInvalidParticipant),
		errors.Is(err, raffle.ErrTicketOutOfRange), errors.Is(err, raffle.ErrNoTickets):
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		logger.Errorf("api: unexpected error: %v", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

// getClientIP extracts client IP from request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func requestIP(r *http.Request) audit.EventOption {
	return audit.WithIP(getClientIP(r))
}

// === Health & Info ===

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	rngHealth, _ := h.rng.HealthCheck()

	status, code := "healthy", http.StatusOK
	dbStatus := "ok"
	if err := h.db.PingContext(r.Context()); err != nil {
		logger.Errorf("api: database ping failed: %v", err)
		status, code, dbStatus = "unhealthy", http.StatusServiceUnavailable, "unreachable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]any{
			"status":     status,
			"database":   dbStatus,
			"rng_status": rngHealth,
			"viewers":    h.hub.Subscribers(),
		},
	})
}

// ServerInfo handles GET /
func (h *Handler) ServerInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"name":        "Rifas",
		"version":     Version,
		"description": "Raffle server with live elimination draws",
	})
}

// === Public raffle ===

// RaffleView is what viewers poll to render the current raffle
type RaffleView struct {
	Raffle       *domain.Raffle `json:"rifa"`
	Taken        []int          `json:"boletos_ocupados"`
	Participants int            `json:"participantes"`
	Draw         *draw.State    `json:"sorteo,omitempty"`
}

// GetRaffle handles GET /api/v1/raffle. Without an active raffle the last
// finalized one is shown so viewers keep seeing the winner.
func (h *Handler) GetRaffle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	current, err := h.raffles.GetActiveRaffle(ctx)
	if errors.Is(err, raffle.ErrNoActiveRaffle) {
		current, err = h.raffles.LatestRaffle(ctx, domain.RaffleFinalized)
		if errors.Is(err, raffle.ErrNotFound) {
			err = raffle.ErrNoActiveRaffle
		}
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}

	taken, err := h.raffles.TakenTickets(ctx, current.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	participants, err := h.raffles.ListParticipants(ctx, current.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	view := &RaffleView{Raffle: current, Taken: taken, Participants: len(participants)}
	if view.Taken == nil {
		view.Taken = []int{}
	}
	if st, ok := h.draws.State(current.ID); ok {
		view.Draw = &st
	}
	respondJSON(w, http.StatusOK, view)
}

// GetTakenTickets handles GET /api/v1/raffle/tickets
func (h *Handler) GetTakenTickets(w http.ResponseWriter, r *http.Request) {
	current, err := h.raffles.GetActiveRaffle(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	taken, err := h.ledger.TakenTickets(r.Context(), current.ID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if taken == nil {
		taken = []int{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"rifa_id": current.ID,
		"boletos": taken,
	})
}

// === Authentication ===

// LoginRequest contains operator credentials
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.Password, getClientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		case errors.Is(err, auth.ErrAccountLocked):
			respondError(w, http.StatusTooManyRequests, "ACCOUNT_LOCKED", "Account is temporarily locked")
		default:
			logger.Errorf("api: login failed: %v", err)
			respondError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// === Operator: raffles ===

// CreateRaffleRequest is a new raffle plus whether to publish it right away
type CreateRaffleRequest struct {
	domain.RaffleInput
	Publish bool `json:"publicar"`
}

// ListRaffles handles GET /api/v1/admin/raffles
func (h *Handler) ListRaffles(w http.ResponseWriter, r *http.Request) {
	drafts, err := h.control.Drafts(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	history, err := h.control.History(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"borradores": emptyIfNil(drafts),
		"historial":  emptyIfNil(history),
	})
}

func emptyIfNil(raffles []*domain.Raffle) []*domain.Raffle {
	if raffles == nil {
		return []*domain.Raffle{}
	}
	return raffles
}

// CreateRaffle handles POST /api/v1/admin/raffles
func (h *Handler) CreateRaffle(w http.ResponseWriter, r *http.Request) {
	var req CreateRaffleRequest
	if !decode(w, r, &req) {
		return
	}

	created, err := h.control.CreateRaffle(r.Context(), req.RaffleInput, req.Publish, requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// PublishRaffle handles POST /api/v1/admin/raffles/{id}/publish
func (h *Handler) PublishRaffle(w http.ResponseWriter, r *http.Request) {
	published, err := h.control.Publish(r.Context(), mux.Vars(r)["id"], requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, published)
}

// UpdateActiveRaffle handles PATCH /api/v1/admin/raffle
func (h *Handler) UpdateActiveRaffle(w http.ResponseWriter, r *http.Request) {
	var patch domain.RafflePatch
	if !decode(w, r, &patch) {
		return
	}

	updated, err := h.control.UpdateActive(r.Context(), patch, requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// CancelActiveRaffle handles POST /api/v1/admin/raffle/cancel
func (h *Handler) CancelActiveRaffle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"motivo"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	cancelled, err := h.control.CancelActive(r.Context(), req.Reason, requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelled)
}

// ArchiveRaffle handles POST /api/v1/admin/raffle/archive
func (h *Handler) ArchiveRaffle(w http.ResponseWriter, r *http.Request) {
	archived, err := h.control.ArchiveLastFinished(r.Context(), requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, archived)
}

// GetStatus handles GET /api/v1/admin/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.control.Status(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// === Operator: participants ===

// ListParticipants handles GET /api/v1/admin/participants
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	raffleID := r.URL.Query().Get("rifa_id")
	if raffleID == "" {
		current, err := h.raffles.GetActiveRaffle(r.Context())
		if err != nil {
			respondServiceError(w, err)
			return
		}
		raffleID = current.ID
	}

	participants, err := h.ledger.Participants(r.Context(), raffleID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if participants == nil {
		participants = []*domain.Participant{}
	}
	respondJSON(w, http.StatusOK, participants)
}

// ReserveTickets handles POST /api/v1/admin/participants
func (h *Handler) ReserveTickets(w http.ResponseWriter, r *http.Request) {
	var req ledger.ReserveRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.ledger.Reserve(r.Context(), req, requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// MarkPaid handles POST /api/v1/admin/participants/{id}/paid
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.MarkPaid(r.Context(), mux.Vars(r)["id"], requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// === Operator: draw ===
//
// A round keeps running when the operator's connection drops: the viewers
// are watching it, so the request context only carries values.

// GetDraw handles GET /api/v1/admin/draw
func (h *Handler) GetDraw(w http.ResponseWriter, r *http.Request) {
	st, err := h.draws.Current(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// StartDraw handles POST /api/v1/admin/draw/start
func (h *Handler) StartDraw(w http.ResponseWriter, r *http.Request) {
	st, err := h.draws.Start(context.WithoutCancel(r.Context()), requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, st)
}

// AdvanceDraw handles POST /api/v1/admin/draw/advance
func (h *Handler) AdvanceDraw(w http.ResponseWriter, r *http.Request) {
	out, err := h.draws.Advance(context.WithoutCancel(r.Context()), requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// RetryFinalize handles POST /api/v1/admin/draw/finalize
func (h *Handler) RetryFinalize(w http.ResponseWriter, r *http.Request) {
	out, err := h.draws.RetryFinalize(context.WithoutCancel(r.Context()), requestIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// === Operator: audit ===

// GetAuditEvents handles GET /api/v1/admin/audit
func (h *Handler) GetAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &audit.EventFilter{
		RaffleID: q.Get("rifa_id"),
		Type:     q.Get("type"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	events, err := h.audit.GetEvents(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}
