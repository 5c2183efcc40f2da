package rifas

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error codes returned by the raffle server
const (
	ErrTicketConflict     = "TICKET_CONFLICT"
	ErrNoActiveRaffle     = "NO_ACTIVE_RAFFLE"
	ErrNoEligibleTickets  = "NO_ELIGIBLE_TICKETS"
	ErrIllegalTransition  = "ILLEGAL_TRANSITION"
	ErrDrawInProgress     = "DRAW_IN_PROGRESS"
	ErrNoDrawSession      = "NO_DRAW_SESSION"
	ErrPersistenceFailure = "PERSISTENCE_FAILURE"
	ErrAlreadyActive      = "ALREADY_ACTIVE"
	ErrRaffleNotActive    = "RAFFLE_NOT_ACTIVE"
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrInvalidCredentials = "INVALID_CREDENTIALS"
	ErrAccountLocked      = "ACCOUNT_LOCKED"
	ErrSessionExpired     = "SESSION_EXPIRED"
	ErrNotFound           = "NOT_FOUND"
)

// Raffle states
const (
	StateDraft     = "draft"
	StateActive    = "active"
	StateFinalized = "finalized"
	StateArchived  = "archived"
	StateCancelled = "cancelled"
)

// APIError represents an error response from the API
type APIError struct {
	Status      int    `json:"-"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Conflicting []int  `json:"conflicting,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response wraps every API response
type Response[T any] struct {
	Success bool      `json:"success"`
	Data    *T        `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// Money is an amount in cents
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Raffle is a raffle as published by the server
type Raffle struct {
	ID               string    `json:"id"`
	Name             string    `json:"nombre"`
	Description      string    `json:"descripcion"`
	Photos           []string  `json:"fotos"`
	TicketPrice      Money     `json:"precio_boleto"`
	TotalTickets     int       `json:"total_boletos"`
	WinningRound     int       `json:"giro_ganador"`
	State            string    `json:"estado"`
	WinningTicket    *int      `json:"ganador_boleto,omitempty"`
	WinningOwnerName *string   `json:"ganador_nombre,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreateRaffleRequest is the request body for creating a raffle.
// Publish makes it the active raffle right away.
type CreateRaffleRequest struct {
	Name         string   `json:"nombre"`
	Description  string   `json:"descripcion"`
	Photos       []string `json:"fotos"`
	TicketPrice  Money    `json:"precio_boleto"`
	TotalTickets int      `json:"total_boletos"`
	WinningRound int      `json:"giro_ganador"`
	Publish      bool     `json:"publicar,omitempty"`
}

// RaffleView is the public state of the current raffle
type RaffleView struct {
	Raffle       *Raffle    `json:"rifa"`
	Taken        []int      `json:"boletos_ocupados"`
	Participants int        `json:"participantes"`
	Draw         *DrawState `json:"sorteo,omitempty"`
}

// TakenTickets lists the sold numbers of the active raffle
type TakenTickets struct {
	RaffleID string `json:"rifa_id"`
	Tickets  []int  `json:"boletos"`
}

// LoginRequest is the request body for /auth/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is the result of a successful login
type LoginResult struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReserveRequest is the request body for a reservation.
// An empty RaffleID targets the active raffle.
type ReserveRequest struct {
	RaffleID string `json:"rifa_id,omitempty"`
	Name     string `json:"nombre"`
	Phone    string `json:"telefono"`
	Tickets  []int  `json:"boletos"`
	Paid     bool   `json:"pagado,omitempty"`
}

// Participant is a buyer and their tickets
type Participant struct {
	ID           string    `json:"id"`
	RaffleID     string    `json:"rifa_id"`
	Name         string    `json:"nombre"`
	Phone        string    `json:"telefono"`
	Tickets      []int     `json:"boletos"`
	PaymentState string    `json:"estado"`
	CreatedAt    time.Time `json:"created_at"`
}

// Slice is one segment of the wheel
type Slice struct {
	Ticket int    `json:"boleto"`
	Name   string `json:"nombre"`
}

// DrawState is the server's snapshot of a draw
type DrawState struct {
	RaffleID     string    `json:"rifa_id"`
	Phase        string    `json:"fase"`
	Round        int       `json:"intento"`
	WinningRound int       `json:"giro_ganador"`
	Eliminated   []int     `json:"eliminados"`
	Remaining    []int     `json:"restantes"`
	Slices       []Slice   `json:"slices"`
	Rotation     float64   `json:"rotation"`
	Winner       *int      `json:"ganador,omitempty"`
	WinnerName   string    `json:"ganador_nombre,omitempty"`
	Persisted    bool      `json:"persistido"`
	Seed         string    `json:"seed"`
	Seq          uint64    `json:"seq"`
	StartedAt    time.Time `json:"started_at"`
}

// Outcome is the result of one round
type Outcome struct {
	Round     int     `json:"intento"`
	Ticket    int     `json:"boleto"`
	Name      string  `json:"nombre"`
	Winner    bool    `json:"ganador"`
	Persisted bool    `json:"persistido"`
	Rotation  float64 `json:"rotation"`
}

// EventType names a draw event on the viewer stream
type EventType string

const (
	EventSpinning   EventType = "girando"
	EventEliminated EventType = "eliminado"
	EventReset      EventType = "reset"
	EventWinner     EventType = "ganador"
)

// Event is one message of the viewer stream
type Event struct {
	Type     EventType `json:"evento"`
	Ticket   int       `json:"boleto,omitempty"`
	Name     string    `json:"nombre,omitempty"`
	Round    int       `json:"intento,omitempty"`
	Rotation float64   `json:"rotation,omitempty"`
	Slices   []Slice   `json:"slices,omitempty"`
	Seq      uint64    `json:"seq"`
	RaffleID string    `json:"rifa_id,omitempty"`
}

// MarshalJSON always emits rotation for spinning events
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	out := struct {
		wire
		Rotation *float64 `json:"rotation,omitempty"`
	}{wire: wire(e)}
	if e.Type == EventSpinning || e.Rotation != 0 {
		rotation := e.Rotation
		out.Rotation = &rotation
	}
	return json.Marshal(out)
}

// ParseEvent decodes a viewer stream message
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to parse event: %w", err)
	}
	switch e.Type {
	case EventSpinning, EventEliminated, EventReset, EventWinner:
		return e, nil
	}
	return Event{}, fmt.Errorf("unknown event type %q", e.Type)
}
