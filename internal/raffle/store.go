// Package raffle provides the durable store for raffles, participants and
// the ticket ledger.
//
// Store is the RaffleRepository collaborator of the draw engine. All
// consistency-critical writes are conditional at the database level:
//   - ticket ownership is a (raffle_id, number) primary key, so two concurrent
//     reservations of the same number cannot both commit, even from different
//     processes;
//   - a partial unique index allows at most one raffle in state 'active';
//   - Finalize only moves a raffle that is still 'active'.
package raffle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexbotov/rifas/internal/database"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/alexbotov/rifas/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotFound            = errors.New("raffle not found")
	ErrNoActiveRaffle      = errors.New("no active raffle")
	ErrAlreadyActive       = errors.New("another raffle is already active")
	ErrNotActive           = errors.New("raffle is not active")
	ErrInvalidTransition   = errors.New("invalid raffle state transition")
	ErrInvalidPatch        = errors.New("invalid raffle update")
	ErrTicketOutOfRange    = errors.New("ticket number out of range")
	ErrNoTickets           = errors.New("at least one ticket is required")
	ErrTicketNotSold       = errors.New("ticket has no owner")
	ErrWinnerMismatch      = errors.New("raffle already finalized with a different winner")
	ErrParticipantNotFound = errors.New("participant not found")
)

// Repository is the contract the rest of the server consumes
type Repository interface {
	GetActiveRaffle(ctx context.Context) (*domain.Raffle, error)
	GetRaffle(ctx context.Context, id string) (*domain.Raffle, error)
	LatestRaffle(ctx context.Context, states ...domain.RaffleState) (*domain.Raffle, error)
	ListRaffles(ctx context.Context, states ...domain.RaffleState) ([]*domain.Raffle, error)
	CreateRaffle(ctx context.Context, in domain.RaffleInput, state domain.RaffleState) (*domain.Raffle, error)
	UpdateRaffle(ctx context.Context, id string, patch domain.RafflePatch) (*domain.Raffle, error)
	Finalize(ctx context.Context, raffleID string, ticket int, ownerName string) (*domain.Raffle, error)
	ReserveTickets(ctx context.Context, raffleID string, tickets []int, p *domain.Participant) (*domain.Participant, error)
	ListParticipants(ctx context.Context, raffleID string) ([]*domain.Participant, error)
	TakenTickets(ctx context.Context, raffleID string) ([]int, error)
	SetPaymentState(ctx context.Context, participantID string, state domain.PaymentState) (*domain.Participant, error)
}

// Store provides raffle persistence on top of database/sql
type Store struct {
	db       *database.DB
	currency string
	now      func() time.Time
	tracer   trace.Tracer

	// afterCheck runs between the conflict check and the ticket inserts
	afterCheck func(ctx context.Context, tx *sql.Tx) error
}

// New creates a new raffle store
func New(db *database.DB, currency string) *Store {
	return &Store{
		db:       db,
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   telemetry.Tracer("raffle"),
	}
}

var _ Repository = (*Store)(nil)

const raffleColumns = `id, name, description, photos, ticket_price, currency, total_tickets,
	winning_round, state, winning_ticket, winning_owner_name, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func scanRaffle(row scanner) (*domain.Raffle, error) {
	var r domain.Raffle
	var photos string
	var price int64
	var currency string
	var winTicket sql.NullInt64
	var winName sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&r.ID, &r.Name, &r.Description, &photos, &price, &currency, &r.TotalTickets,
		&r.WinningRound, &r.State, &winTicket, &winName, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if photos != "" {
		if err := json.Unmarshal([]byte(photos), &r.Photos); err != nil {
			return nil, fmt.Errorf("decode photos: %w", err)
		}
	}
	if r.Photos == nil {
		r.Photos = []string{}
	}
	r.TicketPrice = domain.Money{Amount: price, Currency: currency}
	if winTicket.Valid {
		n := int(winTicket.Int64)
		r.WinningTicket = &n
	}
	if winName.Valid {
		name := winName.String
		r.WinningOwnerName = &name
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// GetRaffle retrieves a raffle by id
func (s *Store) GetRaffle(ctx context.Context, id string) (*domain.Raffle, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+raffleColumns+` FROM raffles WHERE id = ?`), id)
	r, err := scanRaffle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get raffle: %w", err)
	}
	return r, nil
}

// GetActiveRaffle retrieves the single active raffle
func (s *Store) GetActiveRaffle(ctx context.Context) (*domain.Raffle, error) {
	r, err := s.LatestRaffle(ctx, domain.RaffleActive)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoActiveRaffle
	}
	return r, err
}

// LatestRaffle retrieves the most recently created raffle in any of states
func (s *Store) LatestRaffle(ctx context.Context, states ...domain.RaffleState) (*domain.Raffle, error) {
	raffles, err := s.listRaffles(ctx, 1, states...)
	if err != nil {
		return nil, err
	}
	if len(raffles) == 0 {
		return nil, ErrNotFound
	}
	return raffles[0], nil
}

// ListRaffles retrieves raffles in any of states, newest first.
// No states means all raffles.
func (s *Store) ListRaffles(ctx context.Context, states ...domain.RaffleState) ([]*domain.Raffle, error) {
	return s.listRaffles(ctx, 0, states...)
}

func (s *Store) listRaffles(ctx context.Context, limit int, states ...domain.RaffleState) ([]*domain.Raffle, error) {
	query := `SELECT ` + raffleColumns + ` FROM raffles`
	args := make([]any, 0, len(states)+1)
	if len(states) > 0 {
		query += ` WHERE state IN (` + database.Placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list raffles: %w", err)
	}
	defer rows.Close()

	var raffles []*domain.Raffle
	for rows.Next() {
		r, err := scanRaffle(rows)
		if err != nil {
			return nil, err
		}
		raffles = append(raffles, r)
	}
	return raffles, rows.Err()
}

// CreateRaffle inserts a raffle in draft or active state
func (s *Store) CreateRaffle(ctx context.Context, in domain.RaffleInput, state domain.RaffleState) (*domain.Raffle, error) {
	if state != domain.RaffleDraft && state != domain.RaffleActive {
		return nil, fmt.Errorf("%w: new raffles must be draft or active", ErrInvalidTransition)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	if state == domain.RaffleActive {
		if _, err := s.GetActiveRaffle(ctx); err == nil {
			return nil, ErrAlreadyActive
		} else if !errors.Is(err, ErrNoActiveRaffle) {
			return nil, err
		}
	}

	now := s.now()
	currency := in.TicketPrice.Currency
	if currency == "" {
		currency = s.currency
	}
	photos := in.Photos
	if photos == nil {
		photos = []string{}
	}
	r := &domain.Raffle{
		ID:           uuid.New().String(),
		Name:         strings.TrimSpace(in.Name),
		Description:  in.Description,
		Photos:       photos,
		TicketPrice:  domain.Money{Amount: in.TicketPrice.Amount, Currency: currency},
		TotalTickets: in.TotalTickets,
		WinningRound: in.WinningRound,
		State:        state,
		CreatedAt:    fromMillis(toMillis(now)),
		UpdatedAt:    fromMillis(toMillis(now)),
	}
	photosJSON, _ := json.Marshal(r.Photos)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO raffles (id, name, description, photos, ticket_price, currency, total_tickets, winning_round, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.Name, r.Description, string(photosJSON), r.TicketPrice.Amount, r.TicketPrice.Currency,
		r.TotalTickets, r.WinningRound, r.State, toMillis(now), toMillis(now))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrAlreadyActive
		}
		return nil, fmt.Errorf("failed to create raffle: %w", err)
	}

	return r, nil
}

// UpdateRaffle applies a partial update.
// Only draft and active raffles accept field changes; state changes follow
// domain.CanTransition. The ticket range may not shrink below a sold ticket.
func (s *Store) UpdateRaffle(ctx context.Context, id string, patch domain.RafflePatch) (*domain.Raffle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r, err := scanRaffle(tx.QueryRowContext(ctx, s.db.Rebind(`SELECT `+raffleColumns+` FROM raffles WHERE id = ?`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get raffle: %w", err)
	}

	editable := r.State == domain.RaffleDraft || r.State == domain.RaffleActive
	fieldsChanged := patch.Name != nil || patch.Description != nil || patch.Photos != nil ||
		patch.TicketPrice != nil || patch.TotalTickets != nil || patch.WinningRound != nil
	if fieldsChanged && !editable {
		return nil, fmt.Errorf("%w: raffle is %s", ErrInvalidPatch, r.State)
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidPatch)
		}
		r.Name = name
	}
	if patch.Description != nil {
		r.Description = *patch.Description
	}
	if patch.Photos != nil {
		r.Photos = *patch.Photos
		if r.Photos == nil {
			r.Photos = []string{}
		}
	}
	if patch.TicketPrice != nil {
		if patch.TicketPrice.Amount < 0 {
			return nil, fmt.Errorf("%w: ticket price cannot be negative", ErrInvalidPatch)
		}
		r.TicketPrice.Amount = patch.TicketPrice.Amount
		if patch.TicketPrice.Currency != "" {
			r.TicketPrice.Currency = patch.TicketPrice.Currency
		}
	}
	if patch.WinningRound != nil {
		if *patch.WinningRound < 1 {
			return nil, fmt.Errorf("%w: winning round must be at least 1", ErrInvalidPatch)
		}
		r.WinningRound = *patch.WinningRound
	}
	if patch.TotalTickets != nil {
		if *patch.TotalTickets < 1 {
			return nil, fmt.Errorf("%w: total tickets must be at least 1", ErrInvalidPatch)
		}
		var highest int
		err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT COALESCE(MAX(number), 0) FROM tickets WHERE raffle_id = ?`), id).Scan(&highest)
		if err != nil {
			return nil, fmt.Errorf("failed to check sold tickets: %w", err)
		}
		if *patch.TotalTickets < highest {
			return nil, fmt.Errorf("%w: ticket %d is already sold", ErrInvalidPatch, highest)
		}
		r.TotalTickets = *patch.TotalTickets
	}
	if patch.State != nil && *patch.State != r.State {
		if !domain.CanTransition(r.State, *patch.State) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, *patch.State)
		}
		r.State = *patch.State
	}

	now := s.now()
	r.UpdatedAt = fromMillis(toMillis(now))
	photosJSON, _ := json.Marshal(r.Photos)

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE raffles SET name = ?, description = ?, photos = ?, ticket_price = ?, currency = ?,
			total_tickets = ?, winning_round = ?, state = ?, updated_at = ?
		WHERE id = ?
	`), r.Name, r.Description, string(photosJSON), r.TicketPrice.Amount, r.TicketPrice.Currency,
		r.TotalTickets, r.WinningRound, r.State, toMillis(now), id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrAlreadyActive
		}
		return nil, fmt.Errorf("failed to update raffle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrAlreadyActive
		}
		return nil, err
	}
	return r, nil
}

// Finalize records the winner and moves the raffle from active to finalized.
// Re-finalizing with the same ticket is a no-op so the caller may retry after
// an ambiguous failure.
func (s *Store) Finalize(ctx context.Context, raffleID string, ticket int, ownerName string) (r *domain.Raffle, err error) {
	ctx, span := s.tracer.Start(ctx, "raffle.Finalize", trace.WithAttributes(
		attribute.String("raffle.id", raffleID),
		attribute.Int("raffle.ticket", ticket),
	))
	defer func() { telemetry.End(span, err) }()

	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE raffles SET state = ?, winning_ticket = ?, winning_owner_name = ?, updated_at = ?
		WHERE id = ? AND state = ?
		  AND EXISTS (SELECT 1 FROM tickets WHERE raffle_id = ? AND number = ?)
	`), domain.RaffleFinalized, ticket, ownerName, toMillis(now), raffleID, domain.RaffleActive, raffleID, ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize raffle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	r, err = s.GetRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return r, nil
	}

	switch {
	case r.State == domain.RaffleFinalized && r.WinningTicket != nil && *r.WinningTicket == ticket:
		return r, nil
	case r.State == domain.RaffleFinalized:
		return nil, ErrWinnerMismatch
	case r.State != domain.RaffleActive:
		return nil, ErrNotActive
	default:
		return nil, fmt.Errorf("%w: %d", ErrTicketNotSold, ticket)
	}
}

// ReserveTickets records ownership of tickets for a new participant.
//
// The check-then-insert runs in one transaction and the tickets primary key
// is the final arbiter: a concurrent writer that commits first turns our
// insert into a unique violation, which is reported as a TicketConflictError
// after the transaction is rolled back. Nothing is written on conflict.
func (s *Store) ReserveTickets(ctx context.Context, raffleID string, tickets []int, p *domain.Participant) (_ *domain.Participant, err error) {
	ctx, span := s.tracer.Start(ctx, "raffle.ReserveTickets", trace.WithAttributes(
		attribute.String("raffle.id", raffleID),
		attribute.IntSlice("raffle.tickets", tickets),
	))
	defer func() { telemetry.End(span, err) }()

	tickets = domain.NormalizeTickets(tickets)
	if len(tickets) == 0 {
		return nil, ErrNoTickets
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var state domain.RaffleState
	var total int
	err = tx.QueryRowContext(ctx, s.db.Rebind(`SELECT state, total_tickets FROM raffles WHERE id = ?`), raffleID).Scan(&state, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get raffle: %w", err)
	}
	if state != domain.RaffleActive {
		return nil, ErrNotActive
	}
	var outOfRange []int
	for _, t := range tickets {
		if t < 1 || t > total {
			outOfRange = append(outOfRange, t)
		}
	}
	if len(outOfRange) > 0 {
		return nil, fmt.Errorf("%w: %s (valid 1-%d)", ErrTicketOutOfRange, domain.JoinTickets(outOfRange), total)
	}

	conflicts, err := takenAmong(ctx, tx, s.db, raffleID, tickets)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, &domain.TicketConflictError{Conflicting: conflicts}
	}
	if s.afterCheck != nil {
		if err = s.afterCheck(ctx, tx); err != nil {
			return nil, err
		}
	}

	now := s.now()
	participant := &domain.Participant{
		ID:           uuid.New().String(),
		RaffleID:     raffleID,
		Name:         p.Name,
		Phone:        p.Phone,
		Tickets:      tickets,
		PaymentState: p.PaymentState,
		CreatedAt:    fromMillis(toMillis(now)),
	}
	if participant.PaymentState == "" {
		participant.PaymentState = domain.PaymentReserved
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO participants (id, raffle_id, name, phone, payment_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), participant.ID, raffleID, participant.Name, participant.Phone, participant.PaymentState, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}

	insertTicket := s.db.Rebind(`INSERT INTO tickets (raffle_id, number, participant_id, created_at) VALUES (?, ?, ?, ?)`)
	for _, t := range tickets {
		if _, err = tx.ExecContext(ctx, insertTicket, raffleID, t, participant.ID, toMillis(now)); err != nil {
			if database.IsUniqueViolation(err) {
				return nil, s.lostRace(ctx, tx, raffleID, tickets)
			}
			return nil, fmt.Errorf("failed to reserve ticket %d: %w", t, err)
		}
	}

	if err = tx.Commit(); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, s.lostRace(ctx, tx, raffleID, tickets)
		}
		return nil, err
	}
	return participant, nil
}

// lostRace rolls back tx and reports which of tickets a concurrent writer took
func (s *Store) lostRace(ctx context.Context, tx *sql.Tx, raffleID string, tickets []int) error {
	_ = tx.Rollback()
	conflicts, err := takenAmong(ctx, s.db, s.db, raffleID, tickets)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		conflicts = tickets
	}
	return &domain.TicketConflictError{Conflicting: conflicts}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func takenAmong(ctx context.Context, q querier, db *database.DB, raffleID string, tickets []int) ([]int, error) {
	args := make([]any, 0, len(tickets)+1)
	args = append(args, raffleID)
	for _, t := range tickets {
		args = append(args, t)
	}
	rows, err := q.QueryContext(ctx, db.Rebind(`
		SELECT number FROM tickets WHERE raffle_id = ? AND number IN (`+database.Placeholders(len(tickets))+`)
		ORDER BY number
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to check tickets: %w", err)
	}
	defer rows.Close()

	var taken []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		taken = append(taken, n)
	}
	return taken, rows.Err()
}

// TakenTickets returns every sold ticket number of a raffle in ascending order
func (s *Store) TakenTickets(ctx context.Context, raffleID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT number FROM tickets WHERE raffle_id = ? ORDER BY number`), raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	taken := []int{}
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		taken = append(taken, n)
	}
	return taken, rows.Err()
}

// ListParticipants returns the participants of a raffle, newest first, with their tickets
func (s *Store) ListParticipants(ctx context.Context, raffleID string) ([]*domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, raffle_id, name, phone, payment_state, created_at
		FROM participants WHERE raffle_id = ? ORDER BY created_at DESC, id
	`), raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.Participant
	byID := make(map[string]*domain.Participant)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	ticketRows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT participant_id, number FROM tickets WHERE raffle_id = ? ORDER BY number
	`), raffleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer ticketRows.Close()

	for ticketRows.Next() {
		var pid string
		var n int
		if err := ticketRows.Scan(&pid, &n); err != nil {
			return nil, err
		}
		if p, ok := byID[pid]; ok {
			p.Tickets = append(p.Tickets, n)
		}
	}
	return participants, ticketRows.Err()
}

// GetParticipant retrieves one participant with their tickets
func (s *Store) GetParticipant(ctx context.Context, id string) (*domain.Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, raffle_id, name, phone, payment_state, created_at FROM participants WHERE id = ?
	`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT number FROM tickets WHERE participant_id = ? ORDER BY number`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		p.Tickets = append(p.Tickets, n)
	}
	return p, rows.Err()
}

// SetPaymentState updates the payment state of a participant
func (s *Store) SetPaymentState(ctx context.Context, participantID string, state domain.PaymentState) (*domain.Participant, error) {
	if state != domain.PaymentReserved && state != domain.PaymentPaid {
		return nil, fmt.Errorf("unknown payment state %q", state)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE participants SET payment_state = ? WHERE id = ?`), state, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrParticipantNotFound
	}
	return s.GetParticipant(ctx, participantID)
}

func scanParticipant(row scanner) (*domain.Participant, error) {
	var p domain.Participant
	var createdAt int64
	if err := row.Scan(&p.ID, &p.RaffleID, &p.Name, &p.Phone, &p.PaymentState, &createdAt); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(createdAt)
	p.Tickets = []int{}
	return &p, nil
}
