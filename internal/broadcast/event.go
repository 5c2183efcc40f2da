package broadcast

import (
	"encoding/json"
	"fmt"
)

// Type identifies a draw transition on the wire
type Type string

const (
	Spinning   Type = "girando"
	Eliminated Type = "eliminado"
	Reset      Type = "reset"
	Winner     Type = "ganador"
)

// Valid reports whether t is a known event type
func (t Type) Valid() bool {
	switch t {
	case Spinning, Eliminated, Reset, Winner:
		return true
	}
	return false
}

// Slice is one wheel segment: a ticket still in contention and its owner
type Slice struct {
	Ticket int    `json:"boleto"`
	Name   string `json:"nombre"`
}

// Event is one draw transition as sent to viewers.
//
// Payload fields depend on Type: spinning carries Rotation and the full
// Slices set, eliminated carries Ticket, Name and Round, winner carries
// Ticket and Name, reset carries nothing. Seq is monotonic per draw session.
type Event struct {
	Type     Type    `json:"evento"`
	Ticket   int     `json:"boleto,omitempty"`
	Name     string  `json:"nombre,omitempty"`
	Round    int     `json:"intento,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`
	Slices   []Slice `json:"slices,omitempty"`
	Seq      uint64  `json:"seq"`
	RaffleID string  `json:"rifa_id,omitempty"`
}

// MarshalJSON emits rotation on every spinning event, including a zero
// target, and leaves it out of the other types unless set
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	out := struct {
		wire
		Rotation *float64 `json:"rotation,omitempty"`
	}{wire: wire(e)}
	if e.Type == Spinning || e.Rotation != 0 {
		rotation := e.Rotation
		out.Rotation = &rotation
	}
	return json.Marshal(out)
}

// Encode renders e in wire format
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent decodes one wire event
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	return e, nil
}
