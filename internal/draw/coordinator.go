package draw

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alexbotov/rifas/internal/audit"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/alexbotov/rifas/internal/raffle"
	"github.com/alexbotov/rifas/internal/rng"
	"github.com/alexbotov/rifas/internal/telemetry"
	"github.com/google/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Repository is what the coordinator reads and writes of the raffle store
type Repository interface {
	Finalizer
	GetActiveRaffle(ctx context.Context) (*domain.Raffle, error)
	ListParticipants(ctx context.Context, raffleID string) ([]*domain.Participant, error)
}

// SourceFunc returns the random source for a new session
type SourceFunc func() (*rng.Service, error)

// SeededSource gives every session a fresh seed so its picks can be replayed
func SeededSource() (*rng.Service, error) {
	seed, err := rng.NewSeed()
	if err != nil {
		return nil, err
	}
	return rng.NewSeeded(seed), nil
}

// Coordinator owns the draw sessions of this process, one per raffle.
// It is the only component that mutates a Session.
type Coordinator struct {
	repo   Repository
	pub    Publisher
	audit  *audit.Service
	source SourceFunc
	wheel  Wheel
	timing Timing
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator creates a coordinator. A nil source uses SeededSource.
func NewCoordinator(repo Repository, pub Publisher, auditSvc *audit.Service, source SourceFunc, wheel Wheel, timing Timing) *Coordinator {
	if source == nil {
		source = SeededSource
	}
	return &Coordinator{
		repo:     repo,
		pub:      pub,
		audit:    auditSvc,
		source:   source,
		wheel:    wheel,
		timing:   timing,
		tracer:   telemetry.Tracer("draw"),
		sessions: make(map[string]*Session),
	}
}

// Start opens a draw on the active raffle with every ticket sold so far.
// An idle session of the same raffle is abandoned and replaced; a session
// that is spinning or still owes a persisted winner is not.
func (c *Coordinator) Start(ctx context.Context, opts ...audit.EventOption) (_ State, err error) {
	ctx, span := c.tracer.Start(ctx, "draw.Start")
	defer func() { telemetry.End(span, err) }()

	r, err := c.repo.GetActiveRaffle(ctx)
	if err != nil {
		if errors.Is(err, raffle.ErrNoActiveRaffle) {
			return State{}, ErrNoActiveRaffle
		}
		return State{}, err
	}
	span.SetAttributes(attribute.String("raffle.id", r.ID))

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sessions[r.ID]; ok && existing.Busy() {
		return State{}, ErrSessionInProgress
	}

	participants, err := c.repo.ListParticipants(ctx, r.ID)
	if err != nil {
		return State{}, fmt.Errorf("failed to load tickets: %w", err)
	}
	source, err := c.source()
	if err != nil {
		return State{}, err
	}

	session, err := NewSession(r, participants, source, c.repo, c.pub, c.wheel, c.timing)
	if err != nil {
		return State{}, err
	}
	c.sessions[r.ID] = session

	st := session.State()
	logger.Infof("draw: started raffle %s with %d tickets, winning round %d", r.ID, len(st.Remaining), st.WinningRound)
	c.log(ctx, audit.EventDrawStarted, domain.SeverityInfo, r.ID,
		fmt.Sprintf("Draw started with %d tickets", len(st.Remaining)),
		map[string]any{"tickets": st.Remaining, "winning_round": st.WinningRound, "seed": st.Seed}, opts...)
	return st, nil
}

// Advance runs the next round of the active raffle's draw
func (c *Coordinator) Advance(ctx context.Context, opts ...audit.EventOption) (*Outcome, error) {
	session, err := c.sessionFor(ctx)
	if err != nil {
		return nil, err
	}

	out, err := session.Advance(ctx)
	if out == nil {
		return nil, err
	}

	switch {
	case err != nil:
		logger.Errorf("draw: raffle %s winner %d not persisted: %v", session.RaffleID(), out.Ticket, err)
		c.log(ctx, audit.EventFinalizeFailed, domain.SeverityCritical, session.RaffleID(),
			fmt.Sprintf("Ticket %d won but could not be persisted", out.Ticket), out, opts...)
	case out.Winner:
		logger.Infof("draw: raffle %s won by ticket %d (%s) in round %d", session.RaffleID(), out.Ticket, out.Name, out.Round)
		c.log(ctx, audit.EventWinnerSelected, domain.SeverityInfo, session.RaffleID(),
			fmt.Sprintf("Ticket %d (%s) won", out.Ticket, out.Name), out, opts...)
	default:
		c.log(ctx, audit.EventTicketEliminated, domain.SeverityInfo, session.RaffleID(),
			fmt.Sprintf("Ticket %d eliminated in round %d", out.Ticket, out.Round), out, opts...)
	}
	return out, err
}

// RetryFinalize retries persisting the winner of the active raffle's draw
func (c *Coordinator) RetryFinalize(ctx context.Context, opts ...audit.EventOption) (*Outcome, error) {
	session, err := c.sessionFor(ctx)
	if err != nil {
		return nil, err
	}

	out, err := session.RetryFinalize(ctx)
	if err != nil {
		if errors.Is(err, ErrPersistenceFailure) {
			logger.Errorf("draw: retry finalize of raffle %s failed: %v", session.RaffleID(), err)
			c.log(ctx, audit.EventFinalizeFailed, domain.SeverityCritical, session.RaffleID(),
				fmt.Sprintf("Retry for ticket %d failed", out.Ticket), out, opts...)
		}
		return out, err
	}

	logger.Infof("draw: raffle %s winner %d persisted on retry", session.RaffleID(), out.Ticket)
	c.log(ctx, audit.EventWinnerSelected, domain.SeverityInfo, session.RaffleID(),
		fmt.Sprintf("Ticket %d (%s) won", out.Ticket, out.Name), out, opts...)
	return out, nil
}

// Current returns the state of the draw for the active raffle. A completed
// draw whose raffle has since been finalized is still reported.
func (c *Coordinator) Current(ctx context.Context) (State, error) {
	session, err := c.sessionFor(ctx)
	if err != nil {
		return State{}, err
	}
	return session.State(), nil
}

// State returns the session of a raffle by id
func (c *Coordinator) State(raffleID string) (State, bool) {
	c.mu.Lock()
	session, ok := c.sessions[raffleID]
	c.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return session.State(), true
}

// Discard drops the session of a raffle, e.g. when it is cancelled
func (c *Coordinator) Discard(raffleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[raffleID]; ok {
		delete(c.sessions, raffleID)
		logger.Infof("draw: discarded session of raffle %s", raffleID)
	}
}

// sessionFor finds the session of the active raffle. Without an active
// raffle it falls back to the most recent completed session, whose raffle
// leaves the active state once the winner is persisted.
func (c *Coordinator) sessionFor(ctx context.Context) (*Session, error) {
	r, err := c.repo.GetActiveRaffle(ctx)
	switch {
	case err == nil:
		c.mu.Lock()
		session, ok := c.sessions[r.ID]
		c.mu.Unlock()
		if !ok {
			return nil, ErrNoSession
		}
		return session, nil
	case !errors.Is(err, raffle.ErrNoActiveRaffle):
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var latest *Session
	for _, s := range c.sessions {
		if latest == nil || s.startedAt.After(latest.startedAt) {
			latest = s
		}
	}
	if latest != nil && latest.State().Phase == Completed {
		return latest, nil
	}
	return nil, ErrNoActiveRaffle
}

func (c *Coordinator) log(ctx context.Context, eventType string, severity domain.EventSeverity, raffleID, description string, data any, opts ...audit.EventOption) {
	if c.audit == nil {
		return
	}
	opts = append(opts, audit.WithRaffle(raffleID), audit.WithComponent("draw"))
	c.audit.Log(ctx, eventType, severity, description, data, opts...)
}
