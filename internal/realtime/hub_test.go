package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/agora/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, &events.Event{Name: events.EscrowCreated}) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_NameFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		Names: []events.Name{events.EscrowCompleted, events.EscrowRefunded},
	}}

	if !h.shouldSend(client, &events.Event{Name: events.EscrowCompleted}) {
		t.Error("Should receive EscrowCompleted")
	}
	if h.shouldSend(client, &events.Event{Name: events.AgentRegistered}) {
		t.Error("Should NOT receive AgentRegistered")
	}
}

func TestShouldSend_SourceFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{Sources: []string{events.SourceRegistry}}}

	if !h.shouldSend(client, &events.Event{Name: events.TrustScoreUpdated, Source: events.SourceRegistry}) {
		t.Error("Should receive registry events")
	}
	if h.shouldSend(client, &events.Event{Name: events.EscrowCreated, Source: events.SourceEscrow}) {
		t.Error("Should NOT receive escrow events")
	}
}

func TestShouldSend_AddressFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		Addresses: []string{"0x00000000000000000000000000000000000000AA"},
	}}

	asSubject := &events.Event{Name: events.AgentRegistered, Subject: "0x00000000000000000000000000000000000000aa"}
	asPayee := &events.Event{
		Name:    events.EscrowCreated,
		Subject: "0xescrow",
		Data:    map[string]string{"payer": "0xbb", "payee": "0x00000000000000000000000000000000000000aa"},
	}
	unrelated := &events.Event{
		Name: events.EscrowCreated,
		Data: map[string]string{"payer": "0xbb", "payee": "0xcc"},
	}

	if !h.shouldSend(client, asSubject) {
		t.Error("Should match on subject")
	}
	if !h.shouldSend(client, asPayee) {
		t.Error("Should match on payee")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("Should NOT match unrelated participants")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}
	if !h.shouldSend(client, &events.Event{Name: events.Paused}) {
		t.Error("Empty subscription places no restrictions")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish(&events.Event{Name: events.EscrowCreated, CreatedAt: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if got := h.Stats()["totalEvents"].(int64); got != 1 {
		t.Errorf("Expected 1 total event, got %v", got)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Names: []events.Name{events.EscrowDisputed}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&events.Event{Name: events.EscrowCreated})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive EscrowCreated")
	default:
	}

	h.Broadcast(&events.Event{Name: events.EscrowDisputed, Subject: "0x1"})

	select {
	case msg := <-client.send:
		var got events.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if got.Name != events.EscrowDisputed || got.Subject != "0x1" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive EscrowDisputed")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	h.Publish(&events.Event{Name: events.AgentRegistered, Subject: "0xa"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"AgentRegistered"`) {
		t.Errorf("unexpected message %s", msg)
	}
}
