package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoStreamServer upgrades connections, records subscribe frames, and
// pushes one flight_update for every channel it sees.
func echoStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame struct {
				Action  string `json:"action"`
				Channel string `json:"channel"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Action != "subscribe" {
				continue
			}
			msg := map[string]interface{}{
				"channel":   frame.Channel,
				"type":      MessageTypeFlightUpdate,
				"latitude":  33.57,
				"longitude": -7.58,
				"altitude":  12000.0,
				"speed":     420.0,
				"heading":   270.0,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversChannelMessages(t *testing.T) {
	srv := echoStreamServer(t)
	defer srv.Close()

	stream := NewStream(wsURL(srv), "", 100*time.Millisecond, 3, testLogger(t))
	defer stream.Close()

	events := make(chan Event, 1)
	sub, err := stream.Subscribe(AircraftChannel("42"), func(e Event) {
		events <- e
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Cancel()

	select {
	case e := <-events:
		if e.Err != nil {
			t.Fatalf("unexpected terminal error: %v", e.Err)
		}
		if e.Channel != "/topic/aircraft/42" {
			t.Errorf("unexpected channel: %s", e.Channel)
		}
		var update FlightUpdate
		if err := json.Unmarshal(e.Data, &update); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if update.Type != MessageTypeFlightUpdate || update.Altitude != 12000 {
			t.Errorf("unexpected payload: %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a flight_update delivery")
	}
}

func TestStreamTerminalErrorAfterExhaustedReconnects(t *testing.T) {
	// Nothing listens on this address, so every attempt fails.
	stream := NewStream("ws://127.0.0.1:1/ws", "", 10*time.Millisecond, 2, testLogger(t))
	defer stream.Close()

	events := make(chan Event, 1)
	if _, err := stream.Subscribe(AircraftChannel("7"), func(e Event) {
		events <- e
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	select {
	case e := <-events:
		if e.Err == nil {
			t.Fatal("expected a terminal error event")
		}
		if e.Err != ErrStreamTerminated {
			t.Errorf("expected ErrStreamTerminated, got %v", e.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscribers to be notified after attempts were exhausted")
	}

	// A dead stream rejects new subscriptions instead of hanging.
	if _, err := stream.Subscribe(AircraftChannel("8"), func(Event) {}); err != ErrStreamTerminated {
		t.Errorf("expected ErrStreamTerminated on subscribe after death, got %v", err)
	}
}
