package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/docrelay/internal/protocol"
	"github.com/manpreetbhatti/docrelay/internal/ratelimit"
	"github.com/manpreetbhatti/docrelay/internal/room"
)

type Config struct {
	AllowedOrigins    []string
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	MaxViolations     int
	ConnectsPerMinute int
	Logger            *slog.Logger
}

// The set of live connections and the single loop that dispatches
// their messages to the room registry
type Hub struct {
	registry *room.Registry

	// Live connections
	clients map[*Client]struct{}

	// Decoded messages from clients, in arrival order
	commands chan *Command

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	upgrader websocket.Upgrader
	connects *ratelimit.ClientLimiters
	cfg      Config
	logger   *slog.Logger

	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Command struct {
	Client  *Client
	Message protocol.Inbound
}

func NewHub(registry *room.Registry, cfg Config) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = maxMessageSize
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = messagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = messageBurst
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = maxViolations
	}
	if cfg.ConnectsPerMinute <= 0 {
		cfg.ConnectsPerMinute = connectsPerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	origins := newOriginPolicy(cfg.AllowedOrigins)
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		registry:   registry,
		clients:    make(map[*Client]struct{}),
		commands:   make(chan *Command, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    protocol.Subprotocols,
			CheckOrigin: func(r *http.Request) bool {
				if origins.check(r) {
					return true
				}
				cfg.Logger.Warn("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
				return false
			},
		},
		connects: ratelimit.NewClientLimiters(float64(cfg.ConnectsPerMinute)/60, cfg.ConnectsPerMinute),
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Run processes registrations, messages and disconnects one at a time
// until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()

			h.logger.Info("client connected", "conn", client.id, "addr", client.addr, "total", total)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.handleDisconnect(client)

		case cmd := <-h.commands:
			h.dispatch(cmd)
		}
	}
}

func (h *Hub) handleDisconnect(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	total := len(h.clients)
	h.mu.Unlock()

	if client.roomID != "" {
		h.registry.Leave(client.roomID, client.id)
		client.roomID = ""
	}
	close(client.send)

	h.logger.Info("client disconnected", "conn", client.id, "total", total)
}

func (h *Hub) dispatch(cmd *Command) {
	client := cmd.Client

	h.mu.RLock()
	_, live := h.clients[client]
	h.mu.RUnlock()
	if !live {
		return
	}

	switch msg := cmd.Message.(type) {
	case *protocol.JoinDocument:
		// A second join moves the connection: it leaves its current
		// room before entering the requested one.
		if client.roomID != "" {
			h.registry.Leave(client.roomID, client.id)
		}
		client.roomID = msg.DocumentID
		h.registry.Join(msg.DocumentID, client, *msg.User)

	case *protocol.DocumentUpdate:
		if !client.joined(msg.DocumentID) {
			h.logger.Debug("dropping update for unjoined room", "conn", client.id, "room", msg.DocumentID)
			return
		}
		h.registry.ApplyUpdate(msg.DocumentID, client.id, *msg.Content, msg.Version)

	case *protocol.CursorUpdate:
		if !client.joined(msg.DocumentID) {
			h.logger.Debug("dropping cursor for unjoined room", "conn", client.id, "room", msg.DocumentID)
			return
		}
		h.registry.UpdateCursor(msg.DocumentID, client.id, *msg.Cursor)
	}
}

// submit queues a decoded message for the dispatch loop. It returns false
// once the hub is shutting down.
func (h *Hub) submit(cmd *Command) bool {
	select {
	case h.commands <- cmd:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// GetClientCount returns the number of live connections.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetRoomCount returns the number of rooms held in memory.
func (h *Hub) GetRoomCount() int {
	return h.registry.RoomCount()
}

// GetActiveRooms returns participant counts for occupied rooms.
func (h *Hub) GetActiveRooms() map[string]int {
	return h.registry.ActiveRooms()
}

// GetParticipantCount returns the number of participants across rooms.
func (h *Hub) GetParticipantCount() int {
	return h.registry.ParticipantCount()
}

func (h *Hub) shutdownClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.closeConn()
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the dispatch loop, closes every connection and waits for
// the connection goroutines to finish or for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	deadline := time.After(timeout)

	h.cancel()
	h.connects.Stop()

	// Run closes done; a hub that was never started would block here.
	select {
	case <-h.done:
	case <-deadline:
		h.logger.Warn("hub shutdown timeout reached, dispatch loop did not stop")
		h.registry.Close()
		return context.DeadlineExceeded
	}
	h.registry.Close()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-deadline:
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
