// Package ledger implements the ticket ledger: who owns which number of a
// raffle.
//
// Ownership is decided by the repository's conditional write, never by a lock
// in this process, so several server instances may reserve against the same
// database.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexbotov/rifas/internal/audit"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/alexbotov/rifas/internal/raffle"
	"github.com/alexbotov/rifas/internal/telemetry"
	"github.com/google/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidTickets     = errors.New("invalid ticket selection")
	ErrInvalidParticipant = errors.New("participant name and phone are required")
	ErrRaffleNotActive    = errors.New("raffle is not accepting reservations")
)

// Store is the part of the raffle repository the ledger writes through
type Store interface {
	GetActiveRaffle(ctx context.Context) (*domain.Raffle, error)
	GetRaffle(ctx context.Context, id string) (*domain.Raffle, error)
	ReserveTickets(ctx context.Context, raffleID string, tickets []int, p *domain.Participant) (*domain.Participant, error)
	ListParticipants(ctx context.Context, raffleID string) ([]*domain.Participant, error)
	TakenTickets(ctx context.Context, raffleID string) ([]int, error)
	SetPaymentState(ctx context.Context, participantID string, state domain.PaymentState) (*domain.Participant, error)
}

// ReserveRequest asks for a set of tickets on behalf of a new participant.
// An empty RaffleID targets the active raffle.
type ReserveRequest struct {
	RaffleID string `json:"rifa_id,omitempty"`
	Name     string `json:"nombre"`
	Phone    string `json:"telefono"`
	Tickets  []int  `json:"boletos"`
	Paid     bool   `json:"pagado,omitempty"`
}

// Service provides ticket reservation
type Service struct {
	store  Store
	audit  *audit.Service
	tracer trace.Tracer
}

// New creates a new ledger service
func New(store Store, auditSvc *audit.Service) *Service {
	return &Service{
		store:  store,
		audit:  auditSvc,
		tracer: telemetry.Tracer("ledger"),
	}
}

// Reserve records ownership of req.Tickets for a new participant.
// A *domain.TicketConflictError lists every requested number that already
// has an owner; in that case nothing is written.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest, opts ...audit.EventOption) (_ *domain.Participant, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Reserve")
	defer func() { telemetry.End(span, err) }()

	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)
	if name == "" || phone == "" {
		return nil, ErrInvalidParticipant
	}

	r, err := s.resolve(ctx, req.RaffleID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("raffle.id", r.ID))

	tickets := domain.NormalizeTickets(req.Tickets)
	if len(tickets) == 0 {
		return nil, fmt.Errorf("%w: select at least one ticket", ErrInvalidTickets)
	}
	var outOfRange []int
	for _, t := range tickets {
		if !r.InRange(t) {
			outOfRange = append(outOfRange, t)
		}
	}
	if len(outOfRange) > 0 {
		return nil, fmt.Errorf("%w: %s outside 1-%d", ErrInvalidTickets, domain.JoinTickets(outOfRange), r.TotalTickets)
	}

	state := domain.PaymentReserved
	if req.Paid {
		state = domain.PaymentPaid
	}

	p, err := s.store.ReserveTickets(ctx, r.ID, tickets, &domain.Participant{
		Name:         name,
		Phone:        phone,
		PaymentState: state,
	})
	if err != nil {
		var conflict *domain.TicketConflictError
		switch {
		case errors.As(err, &conflict):
			s.audit.Log(ctx, audit.EventTicketConflict, domain.SeverityWarning,
				conflict.Error(), map[string]any{"requested": tickets, "conflicting": conflict.Conflicting},
				append(opts, audit.WithRaffle(r.ID), audit.WithComponent("ledger"))...)
			return nil, conflict
		case errors.Is(err, raffle.ErrNotActive):
			return nil, ErrRaffleNotActive
		case errors.Is(err, raffle.ErrTicketOutOfRange), errors.Is(err, raffle.ErrNoTickets):
			return nil, fmt.Errorf("%w: %v", ErrInvalidTickets, err)
		}
		return nil, err
	}

	logger.Infof("ledger: %s reserved tickets %s in raffle %s", p.Name, domain.JoinTickets(p.Tickets), r.ID)
	s.audit.Log(ctx, audit.EventTicketsReserved, domain.SeverityInfo,
		fmt.Sprintf("%s reserved %d ticket(s)", p.Name, len(p.Tickets)),
		map[string]any{"tickets": p.Tickets, "payment_state": p.PaymentState},
		append(opts, audit.WithRaffle(r.ID), audit.WithParticipant(p.ID), audit.WithComponent("ledger"))...)

	return p, nil
}

// resolve returns the raffle a request targets, requiring it to be active
func (s *Service) resolve(ctx context.Context, raffleID string) (*domain.Raffle, error) {
	if raffleID == "" {
		r, err := s.store.GetActiveRaffle(ctx)
		if errors.Is(err, raffle.ErrNoActiveRaffle) {
			return nil, ErrRaffleNotActive
		}
		return r, err
	}

	r, err := s.store.GetRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	if r.State != domain.RaffleActive {
		return nil, ErrRaffleNotActive
	}
	return r, nil
}

// TakenTickets returns the sold ticket numbers of a raffle, ascending
func (s *Service) TakenTickets(ctx context.Context, raffleID string) ([]int, error) {
	return s.store.TakenTickets(ctx, raffleID)
}

// Participants returns the participants of a raffle, newest first
func (s *Service) Participants(ctx context.Context, raffleID string) ([]*domain.Participant, error) {
	return s.store.ListParticipants(ctx, raffleID)
}

// MarkPaid records that a participant paid for their reservation
func (s *Service) MarkPaid(ctx context.Context, participantID string, opts ...audit.EventOption) (*domain.Participant, error) {
	p, err := s.store.SetPaymentState(ctx, participantID, domain.PaymentPaid)
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.EventPaymentMarked, domain.SeverityInfo,
		fmt.Sprintf("%s marked as paid", p.Name), map[string]any{"tickets": p.Tickets},
		append(opts, audit.WithRaffle(p.RaffleID), audit.WithParticipant(p.ID), audit.WithComponent("ledger"))...)
	return p, nil
}
