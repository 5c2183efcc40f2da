// Package audit records significant raffle events: lifecycle changes,
// reservations, draw progress and operator logins.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/alexbotov/rifas/internal/database"
	"github.com/alexbotov/rifas/internal/domain"
	"github.com/google/logger"
	"github.com/google/uuid"
)

// Event types
const (
	EventRaffleCreated    = "raffle_created"
	EventRafflePublished  = "raffle_published"
	EventRaffleUpdated    = "raffle_updated"
	EventRaffleCancelled  = "raffle_cancelled"
	EventRaffleArchived   = "raffle_archived"
	EventTicketsReserved  = "tickets_reserved"
	EventTicketConflict   = "ticket_conflict"
	EventPaymentMarked    = "payment_marked"
	EventDrawStarted      = "draw_started"
	EventTicketEliminated = "ticket_eliminated"
	EventWinnerSelected   = "winner_selected"
	EventFinalizeFailed   = "finalize_failed"
	EventOperatorLogin    = "operator_login"
	EventLoginFailed      = "login_failed"
)

// Service provides audit logging functionality
type Service struct {
	db *database.DB
}

// New creates a new audit service
func New(db *database.DB) *Service {
	return &Service{db: db}
}

// LogEvent records a significant event
func (s *Service) LogEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var data sql.NullString
	if len(event.Data) > 0 {
		data = sql.NullString{String: string(event.Data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_events (id, type, severity, timestamp, raffle_id, participant_id, description, data, ip_address, component)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), event.ID, event.Type, event.Severity, event.Timestamp.UnixMilli(), event.RaffleID, event.ParticipantID,
		event.Description, data, event.IPAddress, event.Component)
	if err != nil {
		logger.Errorf("audit: failed to record %s: %v", event.Type, err)
	}
	return err
}

// Log is a convenience method for logging events
func (s *Service) Log(ctx context.Context, eventType string, severity domain.EventSeverity, description string, data any, opts ...EventOption) error {
	event := &domain.AuditEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Severity:    severity,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Component:   "rifas",
	}

	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			event.Data = b
		}
	}

	for _, opt := range opts {
		opt(event)
	}

	return s.LogEvent(ctx, event)
}

// EventOption is a functional option for configuring audit events
type EventOption func(*domain.AuditEvent)

// WithRaffle sets the raffle ID for the event
func WithRaffle(raffleID string) EventOption {
	return func(e *domain.AuditEvent) {
		e.RaffleID = &raffleID
	}
}

// WithParticipant sets the participant ID for the event
func WithParticipant(participantID string) EventOption {
	return func(e *domain.AuditEvent) {
		e.ParticipantID = &participantID
	}
}

// WithIP sets the IP address for the event
func WithIP(ip string) EventOption {
	return func(e *domain.AuditEvent) {
		e.IPAddress = ip
	}
}

// WithComponent sets the component for the event
func WithComponent(component string) EventOption {
	return func(e *domain.AuditEvent) {
		e.Component = component
	}
}

// GetEvents retrieves audit events, newest first
func (s *Service) GetEvents(ctx context.Context, filter *EventFilter) ([]*domain.AuditEvent, error) {
	query := `SELECT id, type, severity, timestamp, raffle_id, participant_id, description, data, ip_address, component
			  FROM audit_events WHERE 1=1`
	var args []any

	limit := 100
	if filter != nil {
		if filter.RaffleID != "" {
			query += " AND raffle_id = ?"
			args = append(args, filter.RaffleID)
		}
		if filter.Type != "" {
			query += " AND type = ?"
			args = append(args, filter.Type)
		}
		if !filter.From.IsZero() {
			query += " AND timestamp >= ?"
			args = append(args, filter.From.UnixMilli())
		}
		if !filter.To.IsZero() {
			query += " AND timestamp <= ?"
			args = append(args, filter.To.UnixMilli())
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var event domain.AuditEvent
		var raffleID, participantID, data sql.NullString
		var ts int64

		err := rows.Scan(&event.ID, &event.Type, &event.Severity, &ts,
			&raffleID, &participantID, &event.Description, &data, &event.IPAddress, &event.Component)
		if err != nil {
			return nil, err
		}

		event.Timestamp = time.UnixMilli(ts).UTC()
		if raffleID.Valid {
			event.RaffleID = &raffleID.String
		}
		if participantID.Valid {
			event.ParticipantID = &participantID.String
		}
		if data.Valid && data.String != "" {
			event.Data = json.RawMessage(data.String)
		}

		events = append(events, &event)
	}

	return events, rows.Err()
}

// EventFilter defines criteria for filtering audit events
type EventFilter struct {
	RaffleID string
	Type     string
	From     time.Time
	To       time.Time
	Limit    int
}
