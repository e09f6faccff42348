package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/docrelay/internal/clock"
	"github.com/manpreetbhatti/docrelay/internal/protocol"
	"github.com/manpreetbhatti/docrelay/internal/room"
)

const testOrigin = "http://localhost:3000"

type testEnv struct {
	hub      *Hub
	registry *room.Registry
	clock    *clock.FakeClock
	server   *httptest.Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	registry := room.NewRegistry(room.Config{
		Clock:     fake,
		PickColor: func() string { return "#FF6B6B" },
		Logger:    logger,
	})

	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{testOrigin}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}

	hub := NewHub(registry, cfg)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))

	t.Cleanup(func() {
		hub.Shutdown(time.Second)
		server.Close()
	})

	return &testEnv{hub: hub, registry: registry, clock: fake, server: server}
}

func (e *testEnv) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func (e *testEnv) dial(t *testing.T, subprotocols ...string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{Subprotocols: subprotocols}
	conn, _, err := dialer.Dial(e.url(), http.Header{"Origin": {testOrigin}})
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event protocol.Event, data any) {
	t.Helper()

	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

func join(t *testing.T, conn *websocket.Conn, docID, userID, name string) {
	t.Helper()
	sendEvent(t, conn, protocol.EventJoinDocument, map[string]any{
		"documentId": docID,
		"user":       map[string]string{"id": userID, "name": name},
	})
}

type envelope struct {
	Event protocol.Event  `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return env
}

func expectEvent[T any](t *testing.T, conn *websocket.Conn, event protocol.Event) T {
	t.Helper()

	env := readEvent(t, conn)
	if env.Event != event {
		t.Fatalf("Expected event %s, got %s (%s)", event, env.Event, env.Data)
	}
	var data T
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", event, err)
	}
	return data
}

func names(users []protocol.UserPresence) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestCollaborationScenario(t *testing.T) {
	env := newTestEnv(t, Config{})

	alice := env.dial(t)
	join(t, alice, "doc-1", "u1", "Alice")

	state := expectEvent[protocol.DocumentState](t, alice, protocol.EventDocumentState)
	if state.Content != "" {
		t.Errorf("Expected empty content for a new room, got '%s'", state.Content)
	}
	users := expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)
	if len(users.Users) != 1 || users.Users[0].Name != "Alice" {
		t.Fatalf("Expected only Alice present, got %v", names(users.Users))
	}

	bob := env.dial(t)
	join(t, bob, "doc-1", "u2", "Bob")

	expectEvent[protocol.DocumentState](t, bob, protocol.EventDocumentState)
	bobView := expectEvent[protocol.UsersUpdated](t, bob, protocol.EventUsersUpdated)
	aliceView := expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)
	for _, view := range [][]protocol.UserPresence{bobView.Users, aliceView.Users} {
		got := names(view)
		if len(got) != 2 || got[0] != "Alice" || got[1] != "Bob" {
			t.Errorf("Expected [Alice Bob], got %v", got)
		}
	}

	sendEvent(t, alice, protocol.EventDocumentUpdate, map[string]any{
		"documentId": "doc-1",
		"content":    "hello",
		"version":    1,
	})

	updated := expectEvent[protocol.DocumentUpdated](t, bob, protocol.EventDocumentUpdated)
	if updated.Content != "hello" {
		t.Errorf("Expected content 'hello', got '%s'", updated.Content)
	}
	if updated.SenderConnectionID != users.Users[0].ID {
		t.Errorf("Expected sender %s, got %s", users.Users[0].ID, updated.SenderConnectionID)
	}

	sendEvent(t, bob, protocol.EventCursorUpdate, map[string]any{
		"documentId": "doc-1",
		"cursor":     map[string]int{"from": 2, "to": 4},
	})

	// Alice's next message is Bob's cursor, so her own update was not echoed.
	cursor := expectEvent[protocol.CursorUpdated](t, alice, protocol.EventCursorUpdated)
	if cursor.Name != "Bob" || cursor.Cursor.From != 2 || cursor.Cursor.To != 4 {
		t.Errorf("Unexpected cursor event: %+v", cursor)
	}

	carol := env.dial(t)
	join(t, carol, "doc-1", "u3", "Carol")
	late := expectEvent[protocol.DocumentState](t, carol, protocol.EventDocumentState)
	if late.Content != "hello" {
		t.Errorf("Late joiner expected 'hello', got '%s'", late.Content)
	}
	expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)

	bob.Close()

	remaining := expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)
	got := names(remaining.Users)
	if len(got) != 2 || got[0] != "Alice" || got[1] != "Carol" {
		t.Errorf("Expected [Alice Carol] after Bob left, got %v", got)
	}
	if env.hub.GetClientCount() != 2 {
		t.Errorf("Expected 2 connections, got %d", env.hub.GetClientCount())
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.dial(t)

	frames := []string{
		"not json",
		`{"event":"unknown-event","data":{}}`,
		`{"event":"join-document","data":{"documentId":"doc-1"}}`,
		`{"event":"document-update","data":{"documentId":"doc-1"}}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("Failed to write frame: %v", err)
		}
	}

	join(t, conn, "doc-1", "u1", "Alice")
	expectEvent[protocol.DocumentState](t, conn, protocol.EventDocumentState)
	expectEvent[protocol.UsersUpdated](t, conn, protocol.EventUsersUpdated)
}

func TestUpdatesForOtherRoomsAreDropped(t *testing.T) {
	env := newTestEnv(t, Config{})

	alice := env.dial(t)
	join(t, alice, "doc-1", "u1", "Alice")
	expectEvent[protocol.DocumentState](t, alice, protocol.EventDocumentState)
	expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)

	bob := env.dial(t)
	join(t, bob, "doc-1", "u2", "Bob")
	expectEvent[protocol.DocumentState](t, bob, protocol.EventDocumentState)
	expectEvent[protocol.UsersUpdated](t, bob, protocol.EventUsersUpdated)
	expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)

	sendEvent(t, bob, protocol.EventDocumentUpdate, map[string]any{"documentId": "doc-2", "content": "wrong room"})
	sendEvent(t, bob, protocol.EventDocumentUpdate, map[string]any{"documentId": "doc-1", "content": "right room"})

	updated := expectEvent[protocol.DocumentUpdated](t, alice, protocol.EventDocumentUpdated)
	if updated.Content != "right room" {
		t.Errorf("Expected 'right room', got '%s'", updated.Content)
	}
	if _, ok := env.registry.Content("doc-2"); ok {
		t.Error("An update for an unjoined room should not create it")
	}
}

func TestSecondJoinSwitchesRooms(t *testing.T) {
	env := newTestEnv(t, Config{})

	alice := env.dial(t)
	join(t, alice, "doc-1", "u1", "Alice")
	expectEvent[protocol.DocumentState](t, alice, protocol.EventDocumentState)
	expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)

	bob := env.dial(t)
	join(t, bob, "doc-1", "u2", "Bob")
	expectEvent[protocol.DocumentState](t, bob, protocol.EventDocumentState)
	expectEvent[protocol.UsersUpdated](t, bob, protocol.EventUsersUpdated)
	expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)

	join(t, alice, "doc-2", "u1", "Alice")

	left := expectEvent[protocol.UsersUpdated](t, bob, protocol.EventUsersUpdated)
	if got := names(left.Users); len(got) != 1 || got[0] != "Bob" {
		t.Errorf("Expected only Bob in doc-1, got %v", got)
	}

	expectEvent[protocol.DocumentState](t, alice, protocol.EventDocumentState)
	moved := expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)
	if got := names(moved.Users); len(got) != 1 || got[0] != "Alice" {
		t.Errorf("Expected only Alice in doc-2, got %v", got)
	}

	if env.registry.ParticipantCount() != 2 {
		t.Errorf("Expected 2 participants across rooms, got %d", env.registry.ParticipantCount())
	}
}

func TestEmptyRoomIsDestroyedAfterGracePeriod(t *testing.T) {
	env := newTestEnv(t, Config{})

	conn := env.dial(t)
	join(t, conn, "doc-1", "u1", "Alice")
	expectEvent[protocol.DocumentState](t, conn, protocol.EventDocumentState)
	expectEvent[protocol.UsersUpdated](t, conn, protocol.EventUsersUpdated)

	conn.Close()
	eventually(t, func() bool { return env.hub.GetClientCount() == 0 })

	if env.hub.GetRoomCount() != 1 {
		t.Fatalf("Empty room should survive until the grace period ends, rooms=%d", env.hub.GetRoomCount())
	}

	env.clock.Advance(room.DefaultGracePeriod + time.Second)

	if env.hub.GetRoomCount() != 0 {
		t.Errorf("Expected room to be destroyed, rooms=%d", env.hub.GetRoomCount())
	}
}

func TestCBORSubprotocol(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.dial(t, protocol.SubprotocolCBOR)

	if conn.Subprotocol() != protocol.SubprotocolCBOR {
		t.Fatalf("Expected subprotocol %s, got '%s'", protocol.SubprotocolCBOR, conn.Subprotocol())
	}

	frame, err := cbor.Marshal(map[string]any{
		"event": "join-document",
		"data": map[string]any{
			"documentId": "doc-1",
			"user":       map[string]any{"id": "u1", "name": "Alice"},
		},
	})
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("Expected a binary frame, got type %d", msgType)
	}

	var reply struct {
		Event string          `cbor:"event"`
		Data  cbor.RawMessage `cbor:"data"`
	}
	if err := cbor.Unmarshal(data, &reply); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if reply.Event != string(protocol.EventDocumentState) {
		t.Errorf("Expected %s, got %s", protocol.EventDocumentState, reply.Event)
	}
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(env.url(), http.Header{"Origin": {"http://evil.example.com"}})
	if err == nil {
		t.Fatal("Expected dial from a foreign origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}
}

func TestConnectRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{ConnectsPerMinute: 1})

	env.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.url(), http.Header{"Origin": {testOrigin}})
	if err == nil {
		t.Fatal("Expected second connection within the minute to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %v", resp)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, Config{})
	conn := env.dial(t)
	eventually(t, func() bool { return env.hub.GetClientCount() == 1 })

	if err := env.hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed after shutdown")
	}
}

// expectClosed reads until the server closes conn.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("Expected the server to close the connection")
			}
			return
		}
	}
}

func TestFloodingClientIsDisconnected(t *testing.T) {
	env := newTestEnv(t, Config{MessagesPerSecond: 0.01, Burst: 1, MaxViolations: 1})

	alice := env.dial(t)
	join(t, alice, "doc-1", "u1", "Alice")
	expectEvent[protocol.DocumentState](t, alice, protocol.EventDocumentState)
	expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated)

	bob := env.dial(t)
	join(t, bob, "doc-1", "u2", "Bob")
	if got := names(expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated).Users); len(got) != 2 {
		t.Fatalf("Expected Bob to join, got %v", got)
	}

	for i := 0; i < 5; i++ {
		// Writes fail once the server has hung up.
		bob.WriteJSON(map[string]any{
			"event": protocol.EventCursorUpdate,
			"data":  map[string]any{"documentId": "doc-1", "cursor": map[string]int{"from": i, "to": i}},
		})
	}

	expectClosed(t, bob)

	remaining := names(expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated).Users)
	if len(remaining) != 1 || remaining[0] != "Alice" {
		t.Errorf("Expected [Alice] after Bob was kicked, got %v", remaining)
	}
	eventually(t, func() bool { return env.hub.GetClientCount() == 1 })
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// attachStalledClient registers a connection whose writer never runs, so
// its send buffer only drains when the hub disconnects it.
func attachStalledClient(t *testing.T, env *testEnv, bufferSize int) *websocket.Conn {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := env.hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(server.Close)

	remote, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), http.Header{"Origin": {testOrigin}})
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { remote.Close() })

	var conn *websocket.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Server never accepted the connection")
	}

	client := newClient(env.hub, conn, bufferSize)
	env.hub.mu.Lock()
	env.hub.clients[client] = struct{}{}
	env.hub.mu.Unlock()
	go client.readPump()

	return remote
}

func TestSlowClientIsDisconnected(t *testing.T) {
	logs := &lockedBuffer{}
	env := newTestEnv(t, Config{Logger: slog.New(slog.NewTextHandler(logs, nil))})

	// document-state and users-updated fill a two-slot buffer.
	remote := attachStalledClient(t, env, 2)
	join(t, remote, "doc-1", "u2", "Slow")
	eventually(t, func() bool { return len(env.registry.Participants("doc-1")) == 1 })

	alice := env.dial(t)
	join(t, alice, "doc-1", "u1", "Alice")
	// Each cursor is broadcast to the slow client too if it is still in the room.
	for i := 0; i < 3; i++ {
		sendEvent(t, alice, protocol.EventCursorUpdate, map[string]any{
			"documentId": "doc-1",
			"cursor":     map[string]int{"from": i, "to": i},
		})
	}
	expectEvent[protocol.DocumentState](t, alice, protocol.EventDocumentState)
	if got := names(expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated).Users); len(got) != 2 {
		t.Fatalf("Expected both participants, got %v", got)
	}

	remaining := names(expectEvent[protocol.UsersUpdated](t, alice, protocol.EventUsersUpdated).Users)
	if len(remaining) != 1 || remaining[0] != "Alice" {
		t.Errorf("Expected [Alice] after the slow client was dropped, got %v", remaining)
	}
	eventually(t, func() bool { return len(env.registry.Participants("doc-1")) == 1 })

	eventually(t, func() bool { return env.hub.GetClientCount() == 1 })
	if n := strings.Count(logs.String(), "send buffer full"); n != 1 {
		t.Errorf("Expected one slow client warning, got %d", n)
	}
}

func TestShutdownWithoutRunReturnsAfterTimeout(t *testing.T) {
	registry := room.NewRegistry(room.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	hub := NewHub(registry, Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	start := time.Now()
	err := hub.Shutdown(50 * time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v", elapsed)
	}
}
