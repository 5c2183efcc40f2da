// Package domain contains core domain models for the raffle server
//
// A Raffle sells a fixed range of numbered tickets [1, TotalTickets].
// Participants reserve sets of tickets; each ticket has at most one owner.
// Once sales close the operator runs an elimination draw that finalizes the
// raffle with a single winning ticket.
package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Money represents monetary values with precision
type Money struct {
	Amount   int64  `json:"amount"`   // Amount in smallest unit (cents)
	Currency string `json:"currency"` // ISO 4217 currency code
}

// RaffleState represents the lifecycle state of a raffle
type RaffleState string

const (
	RaffleDraft     RaffleState = "draft"
	RaffleActive    RaffleState = "active"
	RaffleFinalized RaffleState = "finalized"
	RaffleArchived  RaffleState = "archived"
	RaffleCancelled RaffleState = "cancelled"
)

// Valid reports whether s is a known state
func (s RaffleState) Valid() bool {
	switch s {
	case RaffleDraft, RaffleActive, RaffleFinalized, RaffleArchived, RaffleCancelled:
		return true
	}
	return false
}

// raffleTransitions lists the operator-driven state changes.
// active -> finalized is reserved to the draw (see Finalize on the store).
var raffleTransitions = map[RaffleState][]RaffleState{
	RaffleDraft:     {RaffleActive, RaffleCancelled},
	RaffleActive:    {RaffleCancelled},
	RaffleFinalized: {RaffleArchived},
}

// CanTransition reports whether an operator may move a raffle from one state to another
func CanTransition(from, to RaffleState) bool {
	for _, next := range raffleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Raffle represents one sellable draw
type Raffle struct {
	ID               string      `json:"id"`
	Name             string      `json:"nombre"`
	Description      string      `json:"descripcion"`
	Photos           []string    `json:"fotos"`
	TicketPrice      Money       `json:"precio_boleto"`
	TotalTickets     int         `json:"total_boletos"`
	WinningRound     int         `json:"giro_ganador"`
	State            RaffleState `json:"estado"`
	WinningTicket    *int        `json:"ganador_boleto,omitempty"`
	WinningOwnerName *string     `json:"ganador_nombre,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// InRange reports whether ticket is a valid number for this raffle
func (r *Raffle) InRange(ticket int) bool {
	return ticket >= 1 && ticket <= r.TotalTickets
}

// RaffleInput contains the operator supplied data for a new raffle
type RaffleInput struct {
	Name         string   `json:"nombre"`
	Description  string   `json:"descripcion"`
	Photos       []string `json:"fotos"`
	TicketPrice  Money    `json:"precio_boleto"`
	TotalTickets int      `json:"total_boletos"`
	WinningRound int      `json:"giro_ganador"`
}

// Validate checks the input before a raffle is created
func (in *RaffleInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("raffle name is required")
	}
	if in.TotalTickets < 1 {
		return fmt.Errorf("total tickets must be at least 1")
	}
	if in.WinningRound < 1 {
		return fmt.Errorf("winning round must be at least 1")
	}
	if in.TicketPrice.Amount < 0 {
		return fmt.Errorf("ticket price cannot be negative")
	}
	return nil
}

// RafflePatch is a partial update; nil fields are left untouched
type RafflePatch struct {
	Name         *string      `json:"nombre,omitempty"`
	Description  *string      `json:"descripcion,omitempty"`
	Photos       *[]string    `json:"fotos,omitempty"`
	TicketPrice  *Money       `json:"precio_boleto,omitempty"`
	TotalTickets *int         `json:"total_boletos,omitempty"`
	WinningRound *int         `json:"giro_ganador,omitempty"`
	State        *RaffleState `json:"estado,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p *RafflePatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Photos == nil && p.TicketPrice == nil &&
		p.TotalTickets == nil && p.WinningRound == nil && p.State == nil
}

// PaymentState represents whether a reservation has been paid
type PaymentState string

const (
	PaymentReserved PaymentState = "reserved"
	PaymentPaid     PaymentState = "paid"
)

// Participant represents a buyer and the tickets they own
type Participant struct {
	ID           string       `json:"id"`
	RaffleID     string       `json:"rifa_id"`
	Name         string       `json:"nombre"`
	Phone        string       `json:"telefono"`
	Tickets      []int        `json:"boletos"`
	PaymentState PaymentState `json:"estado"`
	CreatedAt    time.Time    `json:"created_at"`
}

// TicketConflictError is returned when requested tickets already have an owner.
// No partial reservation is ever written when it is returned.
type TicketConflictError struct {
	Conflicting []int
}

func (e *TicketConflictError) Error() string {
	if len(e.Conflicting) == 1 {
		return fmt.Sprintf("ticket %d is already taken", e.Conflicting[0])
	}
	return fmt.Sprintf("tickets %s are already taken", JoinTickets(e.Conflicting))
}

// JoinTickets renders ticket numbers as a human readable list
func JoinTickets(tickets []int) string {
	parts := make([]string, len(tickets))
	for i, t := range tickets {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, ", ")
}

// NormalizeTickets returns the sorted set of distinct ticket numbers
func NormalizeTickets(tickets []int) []int {
	seen := make(map[int]struct{}, len(tickets))
	out := make([]int, 0, len(tickets))
	for _, t := range tickets {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// EventSeverity represents audit event severity
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// AuditEvent represents a significant event
type AuditEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Severity      EventSeverity   `json:"severity"`
	Timestamp     time.Time       `json:"timestamp"`
	RaffleID      *string         `json:"raffle_id,omitempty"`
	ParticipantID *string         `json:"participant_id,omitempty"`
	Description   string          `json:"description"`
	Data          json.RawMessage `json:"data,omitempty"`
	IPAddress     string          `json:"ip_address"`
	Component     string          `json:"component"`
}
