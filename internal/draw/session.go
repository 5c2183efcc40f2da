// Package draw runs the live elimination draw of a raffle.
//
// A Session turns the pool of sold tickets into one winner: every Advance
// spins the wheel, picks a ticket uniformly from the remaining pool and either
// eliminates it or, on the winning round (or when it is the last ticket),
// declares it winner and finalizes the raffle. Every transition is published
// to viewers in order:
//
//	spinning (eliminated reset)* spinning winner
//
// Session state lives only in memory. The winner is the only durable result.
package draw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexbotov/rifas/internal/broadcast"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/alexbotov/rifas/internal/rng"
	"github.com/alexbotov/rifas/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoActiveRaffle     = errors.New("no active raffle")
	ErrNoEligibleTickets  = errors.New("no tickets have been sold")
	ErrIllegalTransition  = errors.New("illegal draw transition")
	ErrPersistenceFailure = errors.New("winner could not be persisted")
	ErrNoSession          = errors.New("no draw session")
	ErrSessionInProgress  = errors.New("a draw is in progress")
)

// Phase is the state of a draw session
type Phase string

const (
	Idle          Phase = "idle"
	Spinning      Phase = "spinning"
	RoundResolved Phase = "round_resolved"
	Completed     Phase = "completed"
)

// PersistenceError reports that the winner was chosen but Finalize failed.
// The winner stands; only RetryFinalize may follow.
type PersistenceError struct {
	RaffleID string
	Ticket   int
	Owner    string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("winner %d (%s) of raffle %s could not be persisted: %v", e.Ticket, e.Owner, e.RaffleID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is matches ErrPersistenceFailure
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

// Finalizer persists the winner of a raffle
type Finalizer interface {
	Finalize(ctx context.Context, raffleID string, ticket int, ownerName string) (*domain.Raffle, error)
}

// Publisher delivers events to viewers
type Publisher interface {
	Publish(e broadcast.Event) int
}

// Timing holds the viewer animation windows
type Timing struct {
	Spin   time.Duration
	Reveal time.Duration
}

// DefaultTiming matches the wheel animation of the viewer page
var DefaultTiming = Timing{Spin: 4 * time.Second, Reveal: 2 * time.Second}

// Outcome is the result of one Advance
type Outcome struct {
	Round     int     `json:"intento"`
	Ticket    int     `json:"boleto"`
	Name      string  `json:"nombre"`
	Winner    bool    `json:"ganador"`
	Persisted bool    `json:"persistido"`
	Rotation  float64 `json:"rotation"`
}

// State is a snapshot of a session
type State struct {
	RaffleID     string            `json:"rifa_id"`
	Phase        Phase             `json:"fase"`
	Round        int               `json:"intento"`
	WinningRound int               `json:"giro_ganador"`
	Eliminated   []int             `json:"eliminados"`
	Remaining    []int             `json:"restantes"`
	Slices       []broadcast.Slice `json:"slices"`
	Rotation     float64           `json:"rotation"`
	Winner       *int              `json:"ganador,omitempty"`
	WinnerName   string            `json:"ganador_nombre,omitempty"`
	Persisted    bool              `json:"persistido"`
	Seed         string            `json:"seed"`
	Seq          uint64            `json:"seq"`
	StartedAt    time.Time         `json:"started_at"`
}

// Session is the state machine of one raffle's draw
type Session struct {
	mu sync.Mutex

	raffleID     string
	winningRound int
	owners       map[int]string
	remaining    []int
	eliminated   []int
	round        int
	phase        Phase
	rotation     float64
	seq          uint64

	winner     *int
	winnerName string
	persisted  bool
	finalizing bool

	rng       *rng.Service
	finalizer Finalizer
	pub       Publisher
	wheel     Wheel
	timing    Timing
	tracer    trace.Tracer
	startedAt time.Time
}

// NewSession starts a draw of r over participants' tickets.
// r must be active and at least one ticket must be sold.
func NewSession(r *domain.Raffle, participants []*domain.Participant, source *rng.Service,
	finalizer Finalizer, pub Publisher, wheel Wheel, timing Timing) (*Session, error) {
	if r == nil || r.State != domain.RaffleActive {
		return nil, ErrNoActiveRaffle
	}

	owners := make(map[int]string)
	for _, p := range participants {
		for _, t := range p.Tickets {
			owners[t] = p.Name
		}
	}
	if len(owners) == 0 {
		return nil, ErrNoEligibleTickets
	}

	pool := make([]int, 0, len(owners))
	for t := range owners {
		pool = append(pool, t)
	}
	slices := buildSlices(pool, owners)
	remaining := make([]int, len(slices))
	for i, sl := range slices {
		remaining[i] = sl.Ticket
	}

	return &Session{
		raffleID:     r.ID,
		winningRound: r.WinningRound,
		owners:       owners,
		remaining:    remaining,
		eliminated:   []int{},
		round:        1,
		phase:        Idle,
		rng:          source,
		finalizer:    finalizer,
		pub:          pub,
		wheel:        wheel,
		timing:       timing,
		tracer:       telemetry.Tracer("draw"),
		startedAt:    time.Now().UTC(),
	}, nil
}

// RaffleID returns the raffle the session draws
func (s *Session) RaffleID() string {
	return s.raffleID
}

// Advance runs one round. It returns when the round's events have all been
// published, or with ErrIllegalTransition if a round is already running or
// the draw is complete. On a winning round whose Finalize fails the outcome
// is returned together with a *PersistenceError.
func (s *Session) Advance(ctx context.Context) (_ *Outcome, err error) {
	ctx, span := s.tracer.Start(ctx, "draw.Advance", trace.WithAttributes(attribute.String("raffle.id", s.raffleID)))
	defer func() { telemetry.End(span, err) }()

	s.mu.Lock()
	if s.phase != Idle {
		phase := s.phase
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: draw is %s", ErrIllegalTransition, phase)
	}

	idx, err := s.rng.Pick(len(s.remaining))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	slices := s.slicesLocked()
	ticket := slices[idx].Ticket
	out := &Outcome{
		Round:    s.round,
		Ticket:   ticket,
		Name:     slices[idx].Name,
		Winner:   s.round >= s.winningRound || len(s.remaining) == 1,
		Rotation: s.wheel.Rotation(s.rotation, idx, len(slices)),
	}

	s.phase = Spinning
	s.rotation = out.Rotation
	s.publishLocked(broadcast.Event{Type: broadcast.Spinning, Rotation: out.Rotation, Slices: slices})
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("draw.round", out.Round),
		attribute.Int("draw.ticket", ticket),
		attribute.Bool("draw.winner", out.Winner),
	)

	if out.Winner {
		return out, s.win(ctx, out)
	}
	s.eliminate(ctx, out)
	return out, nil
}

func (s *Session) eliminate(ctx context.Context, out *Outcome) {
	wait(ctx, s.timing.Spin)

	s.mu.Lock()
	s.removeLocked(out.Ticket)
	s.eliminated = append(s.eliminated, out.Ticket)
	s.round++
	s.phase = RoundResolved
	s.publishLocked(broadcast.Event{Type: broadcast.Eliminated, Ticket: out.Ticket, Name: out.Name, Round: out.Round})
	s.mu.Unlock()

	wait(ctx, s.timing.Reveal)

	s.mu.Lock()
	s.rotation = 0
	s.phase = Idle
	s.publishLocked(broadcast.Event{Type: broadcast.Reset})
	s.mu.Unlock()
}

func (s *Session) win(ctx context.Context, out *Outcome) error {
	s.mu.Lock()
	s.removeLocked(out.Ticket)
	ticket := out.Ticket
	s.winner = &ticket
	s.winnerName = out.Name
	s.finalizing = true
	s.mu.Unlock()

	ferr := s.finalize(ctx, out.Ticket, out.Name)

	wait(ctx, s.timing.Spin)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizing = false
	s.phase = Completed
	if ferr != nil {
		return &PersistenceError{RaffleID: s.raffleID, Ticket: out.Ticket, Owner: out.Name, Err: ferr}
	}
	s.persisted = true
	out.Persisted = true
	s.publishLocked(broadcast.Event{Type: broadcast.Winner, Ticket: out.Ticket, Name: out.Name, Round: out.Round})
	return nil
}

// RetryFinalize re-invokes Finalize for a winner whose persistence failed.
// The winner is never re-selected. winner is published once it succeeds.
func (s *Session) RetryFinalize(ctx context.Context) (*Outcome, error) {
	s.mu.Lock()
	if s.phase != Completed || s.persisted || s.finalizing || s.winner == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no unpersisted winner", ErrIllegalTransition)
	}
	s.finalizing = true
	out := &Outcome{Round: s.round, Ticket: *s.winner, Name: s.winnerName, Winner: true, Rotation: s.rotation}
	s.mu.Unlock()

	err := s.finalize(ctx, out.Ticket, out.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizing = false
	if err != nil {
		return out, &PersistenceError{RaffleID: s.raffleID, Ticket: out.Ticket, Owner: out.Name, Err: err}
	}
	s.persisted = true
	out.Persisted = true
	s.publishLocked(broadcast.Event{Type: broadcast.Winner, Ticket: out.Ticket, Name: out.Name, Round: out.Round})
	return out, nil
}

func (s *Session) finalize(ctx context.Context, ticket int, owner string) (err error) {
	ctx, span := s.tracer.Start(ctx, "draw.Finalize", trace.WithAttributes(
		attribute.String("raffle.id", s.raffleID),
		attribute.Int("draw.ticket", ticket),
	))
	defer func() { telemetry.End(span, err) }()

	_, err = s.finalizer.Finalize(ctx, s.raffleID, ticket, owner)
	return err
}

// State returns a snapshot of the session
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		RaffleID:     s.raffleID,
		Phase:        s.phase,
		Round:        s.round,
		WinningRound: s.winningRound,
		Eliminated:   append([]int{}, s.eliminated...),
		Remaining:    append([]int{}, s.remaining...),
		Slices:       s.slicesLocked(),
		Rotation:     s.rotation,
		WinnerName:   s.winnerName,
		Persisted:    s.persisted,
		Seed:         s.rng.Seed(),
		Seq:          s.seq,
		StartedAt:    s.startedAt,
	}
	if s.winner != nil {
		w := *s.winner
		st.Winner = &w
	}
	return st
}

// Busy reports whether a round or finalize call is running, or a winner
// still waits to be persisted
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.phase == Spinning, s.phase == RoundResolved, s.finalizing:
		return true
	case s.phase == Completed && !s.persisted:
		return true
	}
	return false
}

func (s *Session) slicesLocked() []broadcast.Slice {
	return buildSlices(s.remaining, s.owners)
}

func (s *Session) removeLocked(ticket int) {
	for i, t := range s.remaining {
		if t == ticket {
			s.remaining = append(s.remaining[:i], s.remaining[i+1:]...)
			return
		}
	}
}

func (s *Session) publishLocked(e broadcast.Event) {
	s.seq++
	e.Seq = s.seq
	e.RaffleID = s.raffleID
	s.pub.Publish(e)
}

// wait sleeps for d; a done ctx cuts the animation window short but never
// aborts a transition
func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
