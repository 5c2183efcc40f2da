package broadcast

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHubPublish(t *testing.T) {
	h := NewHub(8)
	a, b := h.Subscribe(), h.Subscribe()
	if a.ID() == b.ID() {
		t.Fatal("Subscriptions should have distinct ids")
	}
	if h.Subscribers() != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", h.Subscribers())
	}

	for i := uint64(1); i <= 3; i++ {
		if n := h.Publish(Event{Type: Reset, Seq: i}); n != 2 {
			t.Errorf("Expected delivery to 2 subscribers, got %d", n)
		}
	}

	for _, sub := range []*Subscription{a, b} {
		for want := uint64(1); want <= 3; want++ {
			e := <-sub.Events()
			if e.Seq != want {
				t.Errorf("Subscriber %d: expected seq %d, got %d", sub.ID(), want, e.Seq)
			}
		}
	}
}

func TestHubNoRetroactiveDelivery(t *testing.T) {
	h := NewHub(8)
	h.Publish(Event{Type: Spinning, Seq: 1})

	late := h.Subscribe()
	h.Publish(Event{Type: Eliminated, Seq: 2})

	e := <-late.Events()
	if e.Seq != 2 {
		t.Errorf("Late subscriber should start at seq 2, got %d", e.Seq)
	}
	select {
	case e := <-late.Events():
		t.Errorf("Unexpected extra event %+v", e)
	default:
	}
}

func TestHubDropsForSlowSubscriberOnly(t *testing.T) {
	h := NewHub(2)
	slow := h.Subscribe()
	fast := h.Subscribe()

	var received []uint64
	for i := uint64(1); i <= 5; i++ {
		h.Publish(Event{Type: Reset, Seq: i})
		received = append(received, (<-fast.Events()).Seq)
	}

	if slow.Dropped() != 3 {
		t.Errorf("Expected 3 drops for slow subscriber, got %d", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("Expected no drops for fast subscriber, got %d", fast.Dropped())
	}
	if len(received) != 5 || received[4] != 5 {
		t.Errorf("Fast subscriber should receive all 5 events, got %v", received)
	}
	if first := <-slow.Events(); first.Seq != 1 {
		t.Errorf("Slow subscriber should keep the oldest buffered event, got seq %d", first.Seq)
	}
	if h.Subscribers() != 2 {
		t.Errorf("Slow subscriber must stay subscribed, got %d subscribers", h.Subscribers())
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("Expected closed stream after unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", h.Subscribers())
	}
	if n := h.Publish(Event{Type: Reset}); n != 0 {
		t.Errorf("Expected no deliveries, got %d", n)
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe()
	h.Close()
	h.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("Expected closed stream after hub close")
	}
	after := h.Subscribe()
	if _, ok := <-after.Events(); ok {
		t.Error("Subscriptions on a closed hub should be closed")
	}
}

func TestEventWireFormat(t *testing.T) {
	t.Run("Spinning", func(t *testing.T) {
		e := Event{
			Type:     Spinning,
			Rotation: 2070,
			Slices:   []Slice{{Ticket: 3, Name: "Ana"}, {Ticket: 12, Name: "Luis"}},
			Seq:      1,
			RaffleID: "r1",
		}
		data, err := e.Encode()
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}

		var raw map[string]any
		json.Unmarshal(data, &raw)
		if raw["evento"] != "girando" {
			t.Errorf("Expected evento girando, got %v", raw["evento"])
		}
		if raw["rotation"].(float64) != 2070 {
			t.Errorf("Expected rotation 2070, got %v", raw["rotation"])
		}
		slices := raw["slices"].([]any)
		first := slices[0].(map[string]any)
		if first["boleto"].(float64) != 3 || first["nombre"] != "Ana" {
			t.Errorf("Unexpected slice %v", first)
		}
		for _, key := range []string{"boleto", "nombre", "intento"} {
			if _, ok := raw[key]; ok {
				t.Errorf("Spinning event should not carry %q", key)
			}
		}
	})

	t.Run("Eliminated", func(t *testing.T) {
		data, _ := Event{Type: Eliminated, Ticket: 12, Name: "Luis", Round: 2, Seq: 2}.Encode()
		s := string(data)
		for _, want := range []string{`"evento":"eliminado"`, `"boleto":12`, `"nombre":"Luis"`, `"intento":2`} {
			if !strings.Contains(s, want) {
				t.Errorf("Expected %s in %s", want, s)
			}
		}
		if strings.Contains(s, "slices") || strings.Contains(s, "rotation") {
			t.Errorf("Eliminated event should not carry wheel data: %s", s)
		}
	})

	t.Run("SpinningZeroRotation", func(t *testing.T) {
		data, err := Event{Type: Spinning, Slices: []Slice{{Ticket: 1}, {Ticket: 2}}, Seq: 1}.Encode()
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		if !strings.Contains(string(data), `"rotation":0`) {
			t.Errorf("Expected rotation 0 in %s", data)
		}

		e, err := ParseEvent(data)
		if err != nil {
			t.Fatalf("Failed to parse: %v", err)
		}
		if e.Rotation != 0 || len(e.Slices) != 2 {
			t.Errorf("Unexpected round trip %+v", e)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		data, _ := Event{Type: Reset, Seq: 3}.Encode()
		if string(data) != `{"evento":"reset","seq":3}` {
			t.Errorf("Unexpected reset payload %s", data)
		}
	})

	t.Run("Parse", func(t *testing.T) {
		e, err := ParseEvent([]byte(`{"evento":"ganador","boleto":7,"nombre":"Ana"}`))
		if err != nil {
			t.Fatalf("Failed to parse: %v", err)
		}
		if e.Type != Winner || e.Ticket != 7 || e.Name != "Ana" {
			t.Errorf("Unexpected event %+v", e)
		}

		if _, err := ParseEvent([]byte(`{"evento":"bailando"}`)); err == nil {
			t.Error("Expected error for unknown event type")
		}
		if _, err := ParseEvent([]byte(`not json`)); err == nil {
			t.Error("Expected error for malformed event")
		}
	})
}
