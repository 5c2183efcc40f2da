// Package control provides the operator side of the raffle lifecycle
//
// Key Requirements:
//   - At most one raffle is active; publishing a second one is refused
//   - The active raffle cannot be edited once its draw has begun
//   - Cancelling or archiving a raffle drops its draw session
//   - All state changes are audited
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexbotov/rifas/internal/audit"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/alexbotov/rifas/internal/draw"
	"github.com/alexbotov/rifas/internal/raffle"
	"github.com/google/logger"
)

var (
	ErrDrawInProgress   = errors.New("draw already in progress")
	ErrStateInPatch     = errors.New("state changes use publish, cancel or archive")
	ErrNothingToArchive = errors.New("no finalized raffle to archive")
)

// Store is the part of the raffle store the operator drives
type Store interface {
	GetActiveRaffle(ctx context.Context) (*domain.Raffle, error)
	LatestRaffle(ctx context.Context, states ...domain.RaffleState) (*domain.Raffle, error)
	ListRaffles(ctx context.Context, states ...domain.RaffleState) ([]*domain.Raffle, error)
	CreateRaffle(ctx context.Context, in domain.RaffleInput, state domain.RaffleState) (*domain.Raffle, error)
	UpdateRaffle(ctx context.Context, id string, patch domain.RafflePatch) (*domain.Raffle, error)
	TakenTickets(ctx context.Context, raffleID string) ([]int, error)
}

// Draws gives access to the live draw sessions
type Draws interface {
	State(raffleID string) (draw.State, bool)
	Discard(raffleID string)
}

// Status summarises the active raffle for the operator dashboard
type Status struct {
	Raffle *domain.Raffle `json:"rifa"`
	Sold   int            `json:"vendidos"`
	Draw   *draw.State    `json:"sorteo,omitempty"`
}

// Service manages raffles on behalf of the operator
type Service struct {
	store Store
	draws Draws
	audit *audit.Service
}

// New creates a new control service
func New(store Store, draws Draws, auditSvc *audit.Service) *Service {
	return &Service{
		store: store,
		draws: draws,
		audit: auditSvc,
	}
}

// CreateRaffle stores a new raffle, as a draft or directly published
func (s *Service) CreateRaffle(ctx context.Context, in domain.RaffleInput, publish bool, opts ...audit.EventOption) (*domain.Raffle, error) {
	state := domain.RaffleDraft
	if publish {
		state = domain.RaffleActive
	}

	r, err := s.store.CreateRaffle(ctx, in, state)
	if err != nil {
		return nil, err
	}

	logger.Infof("control: created %s raffle %s (%q, %d tickets)", r.State, r.ID, r.Name, r.TotalTickets)
	s.log(ctx, audit.EventRaffleCreated, domain.SeverityInfo, r.ID,
		fmt.Sprintf("Raffle created: %s", r.Name),
		map[string]any{"state": r.State, "total_tickets": r.TotalTickets, "winning_round": r.WinningRound}, opts...)
	if publish {
		s.log(ctx, audit.EventRafflePublished, domain.SeverityInfo, r.ID,
			fmt.Sprintf("Raffle published: %s", r.Name), nil, opts...)
	}
	return r, nil
}

// Publish moves a draft raffle to active
func (s *Service) Publish(ctx context.Context, id string, opts ...audit.EventOption) (*domain.Raffle, error) {
	active := domain.RaffleActive
	r, err := s.store.UpdateRaffle(ctx, id, domain.RafflePatch{State: &active})
	if err != nil {
		return nil, err
	}

	logger.Infof("control: published raffle %s", r.ID)
	s.log(ctx, audit.EventRafflePublished, domain.SeverityInfo, r.ID,
		fmt.Sprintf("Raffle published: %s", r.Name), nil, opts...)
	return r, nil
}

// UpdateActive edits the active raffle. Edits are refused once its draw
// has made progress.
func (s *Service) UpdateActive(ctx context.Context, patch domain.RafflePatch, opts ...audit.EventOption) (*domain.Raffle, error) {
	if patch.State != nil {
		return nil, ErrStateInPatch
	}
	if patch.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", raffle.ErrInvalidPatch)
	}

	current, err := s.store.GetActiveRaffle(ctx)
	if err != nil {
		return nil, err
	}
	if st, ok := s.draws.State(current.ID); ok && (len(st.Eliminated) > 0 || st.Phase != draw.Idle) {
		return nil, ErrDrawInProgress
	}

	r, err := s.store.UpdateRaffle(ctx, current.ID, patch)
	if err != nil {
		return nil, err
	}

	// A session opened before the edit would run with stale settings
	s.draws.Discard(r.ID)
	s.log(ctx, audit.EventRaffleUpdated, domain.SeverityInfo, r.ID,
		fmt.Sprintf("Raffle updated: %s", r.Name), patch, opts...)
	return r, nil
}

// CancelActive cancels the active raffle and drops its draw
func (s *Service) CancelActive(ctx context.Context, reason string, opts ...audit.EventOption) (*domain.Raffle, error) {
	current, err := s.store.GetActiveRaffle(ctx)
	if err != nil {
		return nil, err
	}

	cancelled := domain.RaffleCancelled
	r, err := s.store.UpdateRaffle(ctx, current.ID, domain.RafflePatch{State: &cancelled})
	if err != nil {
		return nil, err
	}
	s.draws.Discard(r.ID)

	logger.Warningf("control: cancelled raffle %s: %s", r.ID, reason)
	s.log(ctx, audit.EventRaffleCancelled, domain.SeverityWarning, r.ID,
		fmt.Sprintf("Raffle cancelled: %s", r.Name),
		map[string]string{"reason": reason}, opts...)
	return r, nil
}

// ArchiveLastFinished archives the most recent finalized raffle
func (s *Service) ArchiveLastFinished(ctx context.Context, opts ...audit.EventOption) (*domain.Raffle, error) {
	last, err := s.store.LatestRaffle(ctx, domain.RaffleFinalized)
	if err != nil {
		if errors.Is(err, raffle.ErrNotFound) {
			return nil, ErrNothingToArchive
		}
		return nil, err
	}

	archived := domain.RaffleArchived
	r, err := s.store.UpdateRaffle(ctx, last.ID, domain.RafflePatch{State: &archived})
	if err != nil {
		return nil, err
	}
	s.draws.Discard(r.ID)

	logger.Infof("control: archived raffle %s", r.ID)
	s.log(ctx, audit.EventRaffleArchived, domain.SeverityInfo, r.ID,
		fmt.Sprintf("Raffle archived: %s", r.Name), nil, opts...)
	return r, nil
}

// Drafts lists unpublished raffles
func (s *Service) Drafts(ctx context.Context) ([]*domain.Raffle, error) {
	return s.store.ListRaffles(ctx, domain.RaffleDraft)
}

// History lists raffles that are over, newest first
func (s *Service) History(ctx context.Context) ([]*domain.Raffle, error) {
	return s.store.ListRaffles(ctx, domain.RaffleFinalized, domain.RaffleArchived, domain.RaffleCancelled)
}

// Status reports the active raffle, its sales and its draw
func (s *Service) Status(ctx context.Context) (*Status, error) {
	r, err := s.store.GetActiveRaffle(ctx)
	if err != nil {
		return nil, err
	}

	taken, err := s.store.TakenTickets(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	status := &Status{Raffle: r, Sold: len(taken)}
	if st, ok := s.draws.State(r.ID); ok {
		status.Draw = &st
	}
	return status, nil
}

func (s *Service) log(ctx context.Context, eventType string, severity domain.EventSeverity, raffleID, description string, data any, opts ...audit.EventOption) {
	opts = append(opts, audit.WithRaffle(raffleID), audit.WithComponent("control"))
	s.audit.Log(ctx, eventType, severity, description, data, opts...)
}
