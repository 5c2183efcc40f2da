// Package api - Router setup
package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRouter creates and configures the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(NotFoundHandler)

	// Apply global middleware
	r.Use(RecoveryMiddleware)
	r.Use(CORSMiddleware)
	r.Use(LoggingMiddleware)

	// Public routes
	r.HandleFunc("/", h.ServerInfo).Methods("GET")
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Viewers
	api.HandleFunc("/raffle", h.GetRaffle).Methods("GET")
	api.HandleFunc("/raffle/tickets", h.GetTakenTickets).Methods("GET")
	api.HandleFunc("/ws/draw", h.DrawStream).Methods("GET")

	// Auth routes (public)
	api.HandleFunc("/auth/login", h.Login).Methods("POST")

	// Operator routes
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.AuthMiddleware)

	// Raffles
	admin.HandleFunc("/raffles", h.ListRaffles).Methods("GET")
	admin.HandleFunc("/raffles", h.CreateRaffle).Methods("POST")
	admin.HandleFunc("/raffles/{id}/publish", h.PublishRaffle).Methods("POST")
	admin.HandleFunc("/raffle", h.UpdateActiveRaffle).Methods("PATCH")
	admin.HandleFunc("/raffle/cancel", h.CancelActiveRaffle).Methods("POST")
	admin.HandleFunc("/raffle/archive", h.ArchiveRaffle).Methods("POST")
	admin.HandleFunc("/status", h.GetStatus).Methods("GET")

	// Participants
	admin.HandleFunc("/participants", h.ListParticipants).Methods("GET")
	admin.HandleFunc("/participants", h.ReserveTickets).Methods("POST")
	admin.HandleFunc("/participants/{id}/paid", h.MarkPaid).Methods("POST")

	// Draw
	admin.HandleFunc("/draw", h.GetDraw).Methods("GET")
	admin.HandleFunc("/draw/start", h.StartDraw).Methods("POST")
	admin.HandleFunc("/draw/advance", h.AdvanceDraw).Methods("POST")
	admin.HandleFunc("/draw/finalize", h.RetryFinalize).Methods("POST")

	admin.HandleFunc("/audit", h.GetAuditEvents).Methods("GET")

	return r
}

// NotFoundHandler handles 404 errors
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}
