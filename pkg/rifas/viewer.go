package rifas

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is returned by Watch when the server closes the stream
var ErrStreamClosed = errors.New("viewer stream closed by server")

// Watch connects to the viewer stream and calls fn for every event, in
// order, until ctx is done or the connection drops. Only events published
// after the connection is made are delivered.
func (c *Client) Watch(ctx context.Context, fn func(Event)) error {
	u, err := streamURL(c.config.BaseURL)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to viewer stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrStreamClosed
			}
			return err
		}

		e, err := ParseEvent(data)
		if err != nil {
			continue
		}
		fn(e)
	}
}

func streamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws/draw"
	return u.String(), nil
}

// Viewer phases
const (
	ViewIdle       = "idle"
	ViewSpinning   = "spinning"
	ViewEliminated = "eliminated"
	ViewWinner     = "winner"
)

// ViewerState is what a viewer page renders
type ViewerState struct {
	Raffle         *Raffle
	Taken          []int
	Participants   int
	Phase          string
	Slices         []Slice
	Rotation       float64
	Eliminated     []int
	LastEliminated *Slice
	Winner         *Slice
	LastSeq        uint64
}

// Viewer follows the current raffle the way the public page does: it polls
// the full state periodically and applies stream events in between.
type Viewer struct {
	client         *Client
	pollInterval   time.Duration
	reconnectDelay time.Duration

	mu           sync.Mutex
	state        ViewerState
	sessionStart time.Time
	onChange     func(ViewerState)
}

// NewViewer creates a viewer polling every pollInterval
func NewViewer(client *Client, pollInterval time.Duration) *Viewer {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Viewer{
		client:         client,
		pollInterval:   pollInterval,
		reconnectDelay: time.Second,
		state:          ViewerState{Phase: ViewIdle},
	}
}

// OnChange registers a callback invoked after every state change
func (v *Viewer) OnChange(fn func(ViewerState)) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// State returns a copy of the current view
func (v *Viewer) State() ViewerState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Run polls and streams until ctx is done
func (v *Viewer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v.stream(ctx)
	}()

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	v.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			v.poll(ctx)
		}
	}
}

func (v *Viewer) stream(ctx context.Context) {
	for {
		v.client.Watch(ctx, v.Apply)
		select {
		case <-ctx.Done():
			return
		case <-time.After(v.reconnectDelay):
		}
	}
}

func (v *Viewer) poll(ctx context.Context) {
	view, err := v.client.Raffle(ctx)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == ErrNoActiveRaffle {
			v.Sync(&RaffleView{})
		}
		return
	}
	v.Sync(view)
}

// Sync merges a polled raffle view. Local draw state is dropped whenever
// the raffle is no longer active, and replaced by the server snapshot when
// the viewer has fallen behind.
func (v *Viewer) Sync(view *RaffleView) {
	v.mu.Lock()

	if view.Raffle == nil || (v.state.Raffle != nil && view.Raffle.ID != v.state.Raffle.ID) {
		v.resetDrawLocked()
	}
	v.state.Raffle = view.Raffle
	v.state.Taken = view.Taken
	v.state.Participants = view.Participants

	switch {
	case view.Raffle == nil:
	case view.Raffle.State != StateActive:
		v.resetDrawLocked()
		if view.Raffle.WinningTicket != nil {
			name := ""
			if view.Raffle.WinningOwnerName != nil {
				name = *view.Raffle.WinningOwnerName
			}
			v.state.Winner = &Slice{Ticket: *view.Raffle.WinningTicket, Name: name}
			v.state.Phase = ViewWinner
		}
	case view.Draw != nil && (!view.Draw.StartedAt.Equal(v.sessionStart) || view.Draw.Seq > v.state.LastSeq):
		v.adoptLocked(view.Draw)
	}

	v.notifyLocked()
}

// Apply applies one stream event
func (v *Viewer) Apply(e Event) {
	v.mu.Lock()

	if v.state.Raffle != nil && e.RaffleID != "" && e.RaffleID != v.state.Raffle.ID {
		// A new raffle; the next poll brings its details
		v.state.Raffle = nil
		v.resetDrawLocked()
	}
	switch {
	case e.Seq == 1 && v.state.LastSeq > 0:
		// Sequence restarted: a new draw session
		v.resetDrawLocked()
	case e.Seq != 0 && e.Seq <= v.state.LastSeq:
		// Already applied, usually through a polled snapshot
		v.mu.Unlock()
		return
	}

	switch e.Type {
	case EventSpinning:
		v.state.Phase = ViewSpinning
		v.state.Slices = e.Slices
		v.state.Rotation = e.Rotation
	case EventEliminated:
		v.state.Phase = ViewEliminated
		v.state.Eliminated = append(v.state.Eliminated, e.Ticket)
		v.state.LastEliminated = &Slice{Ticket: e.Ticket, Name: e.Name}
	case EventReset:
		v.state.Phase = ViewIdle
		v.state.Rotation = 0
	case EventWinner:
		v.state.Phase = ViewWinner
		v.state.Winner = &Slice{Ticket: e.Ticket, Name: e.Name}
	}
	v.state.LastSeq = e.Seq

	v.notifyLocked()
}

func (v *Viewer) adoptLocked(st *DrawState) {
	v.sessionStart = st.StartedAt
	v.state.Slices = st.Slices
	v.state.Rotation = st.Rotation
	v.state.Eliminated = append([]int(nil), st.Eliminated...)
	v.state.LastSeq = st.Seq
	v.state.Winner = nil
	v.state.LastEliminated = nil

	switch st.Phase {
	case "spinning":
		v.state.Phase = ViewSpinning
	case "round_resolved":
		v.state.Phase = ViewEliminated
	case "completed":
		v.state.Phase = ViewSpinning
		if st.Persisted && st.Winner != nil {
			v.state.Phase = ViewWinner
			v.state.Winner = &Slice{Ticket: *st.Winner, Name: st.WinnerName}
		}
	default:
		v.state.Phase = ViewIdle
	}
}

func (v *Viewer) resetDrawLocked() {
	v.sessionStart = time.Time{}
	v.state.Phase = ViewIdle
	v.state.Slices = nil
	v.state.Rotation = 0
	v.state.Eliminated = nil
	v.state.LastEliminated = nil
	v.state.Winner = nil
	v.state.LastSeq = 0
}

func (v *Viewer) snapshotLocked() ViewerState {
	st := v.state
	st.Taken = append([]int(nil), v.state.Taken...)
	st.Slices = append([]Slice(nil), v.state.Slices...)
	st.Eliminated = append([]int(nil), v.state.Eliminated...)
	return st
}

func (v *Viewer) notifyLocked() {
	fn := v.onChange
	st := v.snapshotLocked()
	v.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
