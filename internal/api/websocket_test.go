package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alexbotov/rifas/internal/broadcast"
	"github.com/gorilla/websocket"
)

func dialViewer(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/draw"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial viewer stream: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("Expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) broadcast.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	e, err := broadcast.ParseEvent(data)
	if err != nil {
		t.Fatalf("Failed to parse event %s: %v", data, err)
	}
	return e
}

func TestViewerStream(t *testing.T) {
	ts := setupTestServer(t)
	r := ts.createActive(t, 20, 2)
	ts.reserve(t, "Ana", 3)
	ts.reserve(t, "Luis", 8)
	ts.reserve(t, "Eva", 15)

	first := dialViewer(t, ts)
	second := dialViewer(t, ts)
	if n := ts.hub.Subscribers(); n != 2 {
		t.Fatalf("Expected 2 viewers subscribed, got %d", n)
	}

	if status, env := ts.admin(t, "POST", "/draw/start", nil); status != http.StatusCreated {
		t.Fatalf("Expected 201 starting draw, got %d %+v", status, env.Error)
	}
	for i := 0; i < 2; i++ {
		if status, env := ts.admin(t, "POST", "/draw/advance", nil); status != http.StatusOK {
			t.Fatalf("Advance %d: expected 200, got %d %+v", i+1, status, env.Error)
		}
	}

	want := []broadcast.Type{broadcast.Spinning, broadcast.Eliminated, broadcast.Reset, broadcast.Spinning, broadcast.Winner}
	for _, conn := range []*websocket.Conn{first, second} {
		var got []broadcast.Event
		for range want {
			got = append(got, readEvent(t, conn))
		}

		for i, e := range got {
			if e.Type != want[i] {
				t.Errorf("Event %d: expected %s, got %s", i, want[i], e.Type)
			}
			if e.RaffleID != r.ID {
				t.Errorf("Event %d: expected raffle %s, got %s", i, r.ID, e.RaffleID)
			}
			if i > 0 && e.Seq <= got[i-1].Seq {
				t.Errorf("Event %d: sequence not increasing (%d after %d)", i, e.Seq, got[i-1].Seq)
			}
		}

		spin := got[0]
		if len(spin.Slices) != 3 || spin.Slices[0].Ticket != 3 || spin.Slices[0].Name != "Ana" {
			t.Errorf("Unexpected slices %+v", spin.Slices)
		}
		if spin.Rotation < 5*360 {
			t.Errorf("Expected at least five full turns, got %v", spin.Rotation)
		}
		if len(got[3].Slices) != 2 {
			t.Errorf("Expected 2 slices after one elimination, got %d", len(got[3].Slices))
		}
		if got[1].Ticket == got[4].Ticket {
			t.Errorf("Eliminated ticket %d cannot win", got[1].Ticket)
		}
		if got[4].Round != 2 {
			t.Errorf("Expected winner on round 2, got %d", got[4].Round)
		}
	}
}

func TestViewerDisconnect(t *testing.T) {
	ts := setupTestServer(t)

	conn := dialViewer(t, ts)
	if n := ts.hub.Subscribers(); n != 1 {
		t.Fatalf("Expected 1 viewer, got %d", n)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for ts.hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected viewer to be unsubscribed, still %d", ts.hub.Subscribers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestViewerStreamClosedWithHub(t *testing.T) {
	ts := setupTestServer(t)
	conn := dialViewer(t, ts)

	ts.hub.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close, got %v", err)
	}
}
