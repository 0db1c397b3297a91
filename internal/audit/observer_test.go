package audit

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshrelay/meshrelay/internal/mesh"
	"github.com/meshrelay/meshrelay/internal/outbox"
)

// recordingSender stands in for the router and reports each send on the hub
// the way an uplink session would.
type recordingSender struct {
	hub  *Hub
	mu   sync.Mutex
	sent []mesh.Message
}

func (s *recordingSender) Send(msg mesh.Message, sender string) int {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	s.hub.MsgSent("uplink-chan", sender, uplinkA, msg)
	return 1
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func dialObserver(t *testing.T, h *ObserverHandler) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		h.Close()
		srv.Close()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return ev
}

func TestObserverSubscribeWithFilter(t *testing.T) {
	hub := NewHub(16, nil)
	h := NewObserverHandler(hub, nil, nil, nil)
	conn, cleanup := dialObserver(t, h)
	defer cleanup()

	err := conn.WriteJSON(map[string]any{
		"subscribe": "msg_received",
		"filter":    map[string]any{"uplink": uplinkA.String()},
	})
	if err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	waitFor(t, "subscription", func() bool { return hub.Subscribers(StreamMsgReceived) == 1 })

	hub.Publish(received(uplinkB))
	hub.Publish(received(uplinkA))

	ev := readEvent(t, conn)
	if ev["type"] != TypeMsgReceived {
		t.Errorf("type = %v", ev["type"])
	}
	if ev["uplink"] != uplinkA.String() {
		t.Errorf("observer received event for uplink %v", ev["uplink"])
	}
}

func TestObserverIgnoresBadRequests(t *testing.T) {
	hub := NewHub(16, nil)
	h := NewObserverHandler(hub, nil, nil, nil)
	conn, cleanup := dialObserver(t, h)
	defer cleanup()

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteJSON(map[string]any{"subscribe": "bogus"})
	conn.WriteJSON(map[string]any{"send_msg": "no-such-token"})
	conn.WriteJSON(map[string]any{"subscribe": "log"})

	waitFor(t, "log subscription", func() bool { return hub.Subscribers(StreamLog) == 1 })
	hub.Log("chan", nil, nil, "still alive")

	if ev := readEvent(t, conn); ev["text"] != "still alive" {
		t.Errorf("unexpected event %v", ev)
	}
}

func TestObserverSendStaged(t *testing.T) {
	hub := NewHub(16, nil)
	staging := outbox.New(10, time.Minute)
	sender := &recordingSender{hub: hub}
	h := NewObserverHandler(hub, staging, sender, nil)
	conn, cleanup := dialObserver(t, h)
	defer cleanup()

	node2 := mesh.MustParseAddress("c0:ff:ee:00:00:02")
	token, err := staging.Stage(&mesh.ConfigDump{}, []mesh.Address{node1, node2})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	// A send by someone else must not reach this observer.
	hub.MsgSent("uplink-chan", "someone-else", uplinkA, &mesh.ConfigDump{})

	if err := conn.WriteJSON(map[string]any{"send_msg": token}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	waitFor(t, "sends", func() bool { return sender.count() == 2 })

	recipients := map[any]bool{}
	for i := 0; i < 2; i++ {
		ev := readEvent(t, conn)
		if ev["type"] != TypeMsgSent {
			t.Fatalf("unexpected event %v", ev)
		}
		if !strings.HasPrefix(ev["sender"].(string), "observer-") {
			t.Errorf("sender = %v", ev["sender"])
		}
		recipients[ev["recipient"]] = true
	}
	if !recipients[node1.String()] || !recipients[node2.String()] {
		t.Errorf("expected one send per recipient, got %v", recipients)
	}

	// Tokens are single use.
	conn.WriteJSON(map[string]any{"send_msg": token})
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 2 {
		t.Errorf("token redeemed twice: %d sends", sender.count())
	}
}

func TestObserverDisconnectUnsubscribes(t *testing.T) {
	hub := NewHub(16, nil)
	h := NewObserverHandler(hub, nil, nil, nil)
	conn, cleanup := dialObserver(t, h)
	defer cleanup()

	conn.WriteJSON(map[string]any{"subscribe": "log"})
	conn.WriteJSON(map[string]any{"subscribe": "msg_sent"})
	waitFor(t, "subscriptions", func() bool {
		return hub.Subscribers(StreamLog) == 1 && hub.Subscribers(StreamMsgSent) == 1
	})

	conn.Close()
	waitFor(t, "unsubscribe", func() bool {
		return hub.Subscribers(StreamLog) == 0 && hub.Subscribers(StreamMsgSent) == 0
	})
}

func TestObserverResubscribeReplacesFilter(t *testing.T) {
	hub := NewHub(16, nil)
	h := NewObserverHandler(hub, nil, nil, nil)
	conn, cleanup := dialObserver(t, h)
	defer cleanup()

	conn.WriteJSON(map[string]any{"subscribe": "log"})
	conn.WriteJSON(map[string]any{"subscribe": "log", "filter": map[string]any{"channel": "chan-b"}})
	// Requests are handled in order, so this one marks the re-subscribe done.
	conn.WriteJSON(map[string]any{"subscribe": "msg_sent"})
	waitFor(t, "subscriptions", func() bool { return hub.Subscribers(StreamMsgSent) == 1 })

	if n := hub.Subscribers(StreamLog); n != 1 {
		t.Fatalf("log subscriptions = %d, want 1", n)
	}

	hub.Log("chan-a", nil, nil, "first")
	hub.Log("chan-b", nil, nil, "second")

	if ev := readEvent(t, conn); ev["text"] != "second" {
		t.Errorf("unexpected event %v", ev)
	}
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var extra map[string]any
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("event delivered twice: %v", extra)
	}
}

func TestObserverSendNarrowsMsgSent(t *testing.T) {
	hub := NewHub(16, nil)
	staging := outbox.New(10, time.Minute)
	sender := &recordingSender{hub: hub}
	h := NewObserverHandler(hub, staging, sender, nil)
	conn, cleanup := dialObserver(t, h)
	defer cleanup()

	conn.WriteJSON(map[string]any{"subscribe": "msg_sent"})
	waitFor(t, "subscription", func() bool { return hub.Subscribers(StreamMsgSent) == 1 })

	token, err := staging.Stage(&mesh.ConfigDump{}, []mesh.Address{node1})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	conn.WriteJSON(map[string]any{"send_msg": token})
	waitFor(t, "send", func() bool { return sender.count() == 1 })

	if n := hub.Subscribers(StreamMsgSent); n != 1 {
		t.Errorf("msg_sent subscriptions = %d, want 1", n)
	}
	ev := readEvent(t, conn)
	if !strings.HasPrefix(ev["sender"].(string), "observer-") {
		t.Errorf("unexpected event %v", ev)
	}

	// Neither a duplicate of the send nor another sender's message follows.
	hub.MsgSent("uplink-chan", "someone-else", uplinkA, &mesh.ConfigDump{})
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var extra map[string]any
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("unexpected event %v", extra)
	}
}
