package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/wazuhsync/internal/event"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func newTestClient(id string, topics ...string) *Client {
	return &Client{
		conn:   nil, // Not needed for hub tests
		id:     id,
		topics: topics,
		send:   make(chan Message, 256),
		logger: testLogger(),
	}
}

// TestNewHub verifies that NewHub creates a hub with no clients.
func TestNewHub(t *testing.T) {
	hub := NewHub(testLogger())

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}

	if hub.clients == nil {
		t.Error("hub.clients map is nil")
	}

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
}

// TestRegister verifies that Register adds a client and increments ClientCount.
func TestRegister(t *testing.T) {
	hub := NewHub(testLogger())
	client := newTestClient("client-1")

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}

	hub.mu.RLock()
	_, exists := hub.clients[client]
	hub.mu.RUnlock()

	if !exists {
		t.Error("client not found in hub.clients map")
	}
}

// TestRegisterMultipleClients verifies that multiple clients can be registered.
func TestRegisterMultipleClients(t *testing.T) {
	hub := NewHub(testLogger())

	tests := []struct {
		name   string
		id string
	}{
		{name: "first client", id: "client-1"},
		{name: "second client", id: "client-2"},
		{name: "third client", id: "client-3"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(tt.id)
			hub.Register(client)

			wantCount := i + 1
			if hub.ClientCount() != wantCount {
				t.Errorf("ClientCount() = %d, want %d", hub.ClientCount(), wantCount)
			}
		})
	}
}

// TestUnregister verifies that Unregister removes a client and closes its send channel.
func TestUnregister(t *testing.T) {
	hub := NewHub(testLogger())
	client := newTestClient("client-1")

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}

	hub.mu.RLock()
	_, exists := hub.clients[client]
	hub.mu.RUnlock()

	if exists {
		t.Error("client still exists in hub.clients map after unregister")
	}

	// Verify channel is closed by attempting to receive.
	_, ok := <-client.send
	if ok {
		t.Error("client.send channel is not closed")
	}
}

// TestUnregisterNotRegistered verifies that Unregister on a client not in the hub does nothing.
func TestUnregisterNotRegistered(t *testing.T) {
	hub := NewHub(testLogger())
	client := newTestClient("client-1")

	// Unregister without registering first should not panic.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Unregister() panicked: %v", r)
		}
	}()

	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}

	// Channel should not be closed if client was never registered.
	select {
	case _, ok := <-client.send:
		if !ok {
			t.Error("channel closed for unregistered client")
		}
	default:
		// Channel is empty and not closed, as expected.
	}
}

// TestBroadcast verifies that Broadcast delivers a message to all registered clients.
func TestBroadcast(t *testing.T) {
	hub := NewHub(testLogger())

	client1 := newTestClient("client-1")
	client2 := newTestClient("client-2")
	client3 := newTestClient("client-3")

	hub.Register(client1)
	hub.Register(client2)
	hub.Register(client3)

	msg := Message{
		Type:      "agent.sync.completed",
		Source:    "agents",
		Timestamp: time.Now(),
		Data:      map[string]int{"success": 3},
	}

	hub.Broadcast(msg)

	// Verify all clients received the message.
	clients := []*Client{client1, client2, client3}
	for i, client := range clients {
		select {
		case received := <-client.send:
			if received.Type != "agent.sync.completed" {
				t.Errorf("client %d received Type = %v, want agent.sync.completed", i+1, received.Type)
			}
			if received.Source != "agents" {
				t.Errorf("client %d received Source = %v, want agents", i+1, received.Source)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("client %d did not receive message", i+1)
		}
	}
}

// TestBroadcastEmptyHub verifies that Broadcast to empty hub does nothing.
func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(testLogger())

	msg := Message{
		Type:      "finding.sync.completed",
		Timestamp: time.Now(),
	}

	// Should not panic.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Broadcast() to empty hub panicked: %v", r)
		}
	}()

	hub.Broadcast(msg)
}

// TestBroadcastDropsMessagesWhenBufferFull verifies that Broadcast drops messages when client send buffer is full.
func TestBroadcastDropsMessagesWhenBufferFull(t *testing.T) {
	hub := NewHub(testLogger())
	client := newTestClient("client-1")

	hub.Register(client)

	// Fill the client's send buffer (capacity is 256).
	for i := 0; i < 256; i++ {
		client.send <- Message{
			Type:      "finding.sync.completed",
			Source:    "fill",
			Timestamp: time.Now(),
		}
	}

	// Verify buffer is full.
	if len(client.send) != 256 {
		t.Fatalf("client.send buffer length = %d, want 256", len(client.send))
	}

	// Broadcast one more message -- should be dropped since buffer is full.
	msg := Message{
		Type:      "finding.sync.completed",
		Source:    "dropped",
		Timestamp: time.Now(),
	}

	hub.Broadcast(msg)

	// The buffer should still be at capacity, and the new message should not be there.
	if len(client.send) != 256 {
		t.Errorf("client.send buffer length = %d, want 256 (message should have been dropped)", len(client.send))
	}

	// Drain one message and verify it's not the dropped message.
	received := <-client.send
	if received.Source == "dropped" {
		t.Error("dropped message was unexpectedly received")
	}
}

// TestConcurrentRegisterUnregisterBroadcast verifies that concurrent operations are safe.
func TestConcurrentRegisterUnregisterBroadcast(t *testing.T) {
	hub := NewHub(testLogger())

	var wg sync.WaitGroup
	numClients := 50
	numBroadcasts := 100

	// Concurrently register and unregister clients.
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			client := newTestClient(string(rune('a' + id)))
			hub.Register(client)

			// Drain messages to prevent buffer from filling.
			go func() {
				for range client.send {
					// Discard messages.
				}
			}()

			time.Sleep(10 * time.Millisecond)
			hub.Unregister(client)
		}(i)
	}

	// Concurrently broadcast messages.
	for i := 0; i < numBroadcasts; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			msg := Message{
				Type:      "finding.sync.completed",
				Source:    "concurrent-test",
				Timestamp: time.Now(),
				Data:      id,
			}
			hub.Broadcast(msg)
		}(i)
	}

	wg.Wait()

	// After all goroutines complete, hub should be stable.
	finalCount := hub.ClientCount()
	if finalCount < 0 {
		t.Errorf("ClientCount() = %d, should not be negative", finalCount)
	}
}

// TestConcurrentClientCount verifies that ClientCount is safe to call concurrently.
func TestConcurrentClientCount(t *testing.T) {
	hub := NewHub(testLogger())

	var wg sync.WaitGroup
	var countSum int64

	// Register some clients.
	for i := 0; i < 10; i++ {
		hub.Register(newTestClient(string(rune('a' + i))))
	}

	// Concurrently call ClientCount.
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count := hub.ClientCount()
			atomic.AddInt64(&countSum, int64(count))
		}()
	}

	wg.Wait()

	// All calls should have returned the same count (10).
	expectedSum := int64(10 * 100)
	if countSum != expectedSum {
		t.Errorf("sum of all ClientCount() calls = %d, want %d", countSum, expectedSum)
	}
}

// TestBroadcastTopicFilter verifies that clients only receive the topic
// prefixes they asked for.
func TestBroadcastTopicFilter(t *testing.T) {
	hub := NewHub(testLogger())
	all := newTestClient("all")
	agents := newTestClient("agents", "agent.")
	both := newTestClient("both", "agent.", "finding.")
	for _, c := range []*Client{all, agents, both} {
		hub.Register(c)
	}

	tests := []struct {
		topic string
		want  map[*Client]bool
	}{
		{"agent.sync.completed", map[*Client]bool{all: true, agents: true, both: true}},
		{"finding.sync.completed", map[*Client]bool{all: true, agents: false, both: true}},
		{"scheduler.task.completed", map[*Client]bool{all: true, agents: false, both: false}},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			hub.Broadcast(Message{Type: tt.topic, Timestamp: time.Now()})
			for c, want := range tt.want {
				select {
				case got := <-c.send:
					if !want {
						t.Errorf("client %s unexpectedly received %s", c.id, got.Type)
					}
				default:
					if want {
						t.Errorf("client %s did not receive %s", c.id, tt.topic)
					}
				}
			}
		})
	}
}

// TestClientChannelCapacity verifies that client send channel has correct buffer size.
func TestClientChannelCapacity(t *testing.T) {
	client := newTestClient("client-1")

	if cap(client.send) != 256 {
		t.Errorf("client.send channel capacity = %d, want 256", cap(client.send))
	}
}

// TestUnregisterTwice verifies that unregistering the same client twice is safe.
func TestUnregisterTwice(t *testing.T) {
	hub := NewHub(testLogger())
	client := newTestClient("client-1")

	hub.Register(client)
	hub.Unregister(client)

	// Second unregister should not panic or cause issues.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Unregister() panicked: %v", r)
		}
	}()

	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
}

// TestHandler_StreamsBusEvents dials the endpoint and checks that a bus
// event arrives as a JSON message.
func TestHandler_StreamsBusEvents(t *testing.T) {
	bus := event.NewBus(testLogger())
	h := NewHandler(bus, testLogger())
	defer h.Close()

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topics=agent."
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_ = bus.Publish(ctx, plugin.Event{Topic: "finding.sync.completed", Source: "findings"})
	_ = bus.Publish(ctx, plugin.Event{Topic: "agent.sync.completed", Source: "agents", Payload: map[string]int{"success": 2}})

	var msg struct {
		Type   string         `json:"type"`
		Source string         `json:"source"`
		Data   map[string]int `json:"data"`
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Type != "agent.sync.completed" || msg.Source != "agents" || msg.Data["success"] != 2 {
		t.Errorf("message = %+v", msg)
	}
}
