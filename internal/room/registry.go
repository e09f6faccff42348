// Package room owns the in-memory state of every open document: its
// latest content and the participants editing it. The Registry applies
// updates and fans events out to the other participants of a room.
//
// Rooms are created lazily on first join and destroyed only after they
// have stayed empty for the grace period. Content is a soft cache; once a
// room is destroyed a later join starts again from empty content.
package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/docrelay/internal/clock"
	"github.com/manpreetbhatti/docrelay/internal/protocol"
)

// DefaultGracePeriod is how long an empty room is kept before it is
// destroyed.
const DefaultGracePeriod = 60 * time.Second

type Config struct {
	GracePeriod time.Duration
	Clock       clock.Clock
	PickColor   func() string
	Logger      *slog.Logger
}

// Registry maps room ids to room state. It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	drains map[string]*drain

	grace     time.Duration
	clock     clock.Clock
	pickColor func() string
	logger    *slog.Logger
}

// drain is a pending destruction of an empty room.
type drain struct {
	room    *Room
	timer   *clock.Timer
	armedAt time.Time
}

func NewRegistry(cfg Config) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.PickColor == nil {
		cfg.PickColor = RandomColor
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Registry{
		rooms:     make(map[string]*Room),
		drains:    make(map[string]*drain),
		grace:     cfg.GracePeriod,
		clock:     cfg.Clock,
		pickColor: cfg.PickColor,
		logger:    cfg.Logger,
	}
}

// GetOrCreateRoom returns the room for roomID, creating an empty one if
// none exists. A room nobody joins drains like any other empty room.
func (r *Registry) GetOrCreateRoom(roomID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.getOrCreateLocked(roomID)
	if room.Len() == 0 {
		r.armDrainLocked(room)
	}
	return room
}

func (r *Registry) getOrCreateLocked(roomID string) *Room {
	if room, ok := r.rooms[roomID]; ok {
		return room
	}
	room := newRoom(roomID)
	r.rooms[roomID] = room
	r.logger.Info("room created", "room", roomID)
	return room
}

// Join registers peer as a participant of roomID with a freshly picked
// colour. The peer receives the current content, then every participant,
// the peer included, receives the updated presence list.
func (r *Registry) Join(roomID string, peer Peer, identity protocol.Identity) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.getOrCreateLocked(roomID)
	r.cancelDrainLocked(roomID)

	p := Participant{
		ConnID: peer.ID(),
		UserID: identity.ID,
		Name:   sanitizeName(identity.Name),
		Color:  r.pickColor(),
	}

	room.mu.Lock()
	room.addLocked(peer, p)
	peer.Send(protocol.DocumentState{Content: room.content})
	room.broadcastLocked(room.usersLocked(), "")
	count := len(room.members)
	room.mu.Unlock()

	r.logger.Info("client joined room", "room", roomID, "conn", p.ConnID, "user", p.UserID, "participants", count)
	return p
}

// Leave removes connID from roomID and tells the remaining participants.
// When the room becomes empty its destruction is scheduled.
func (r *Registry) Leave(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}

	room.mu.Lock()
	if _, ok := room.members[connID]; !ok {
		room.mu.Unlock()
		return false
	}
	delete(room.members, connID)
	remaining := len(room.members)
	if remaining > 0 {
		room.broadcastLocked(room.usersLocked(), "")
	}
	room.mu.Unlock()

	r.logger.Info("client left room", "room", roomID, "conn", connID, "participants", remaining)

	if remaining == 0 {
		r.armDrainLocked(room)
	}
	return true
}

// ApplyUpdate overwrites the room's content and forwards it, with the
// opaque version, to every participant except the sender. Updates to a
// room that does not exist, or from a connection outside it, are dropped.
func (r *Registry) ApplyUpdate(roomID, senderConnID, content string, version *protocol.Version) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, member := room.members[senderConnID]; !member {
		return false
	}

	room.content = content
	room.broadcastLocked(protocol.DocumentUpdated{
		Content:            content,
		Version:            version,
		SenderConnectionID: senderConnID,
	}, senderConnID)
	return true
}

// UpdateCursor records the participant's selection and forwards it to the
// other participants of the room.
func (r *Registry) UpdateCursor(roomID, connID string, sel protocol.Selection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	m, ok := room.members[connID]
	if !ok {
		return false
	}
	m.participant.Cursor = &sel

	room.broadcastLocked(protocol.CursorUpdated{
		ID:     connID,
		Name:   m.participant.Name,
		Color:  m.participant.Color,
		Cursor: sel,
	}, connID)
	return true
}

// BroadcastPresence sends the full participant list to everyone in the room.
func (r *Registry) BroadcastPresence(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.broadcastLocked(room.usersLocked(), "")
}

// armDrainLocked schedules destruction of an empty room. A drain already
// pending for the room is left as is.
func (r *Registry) armDrainLocked(room *Room) {
	if _, pending := r.drains[room.ID]; pending {
		return
	}

	d := &drain{room: room, armedAt: r.clock.Now()}
	d.timer = r.clock.AfterFunc(r.grace, func() { r.expire(d) })
	r.drains[room.ID] = d
	r.logger.Debug("room draining", "room", room.ID, "grace", r.grace)
}

func (r *Registry) cancelDrainLocked(roomID string) {
	d, ok := r.drains[roomID]
	if !ok {
		return
	}
	d.timer.Stop()
	delete(r.drains, roomID)
}

// expire runs when a drain timer fires. The room is only deleted if the
// drain is still the current one and the room is still empty.
func (r *Registry) expire(d *drain) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drains[d.room.ID] != d {
		return
	}
	delete(r.drains, d.room.ID)

	if r.rooms[d.room.ID] != d.room {
		return
	}
	if d.room.Len() != 0 {
		return
	}

	delete(r.rooms, d.room.ID)
	r.logger.Info("room closed (empty)", "room", d.room.ID, "idle", r.clock.Now().Sub(d.armedAt))
}

// Content returns the current content of roomID.
func (r *Registry) Content(roomID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return room.Content(), true
}

// Participants returns the participants of roomID in join order.
func (r *Registry) Participants(roomID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return room.Participants()
}

// RoomCount returns the number of rooms held in memory, draining ones
// included.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// ParticipantCount returns the number of participants across all rooms.
func (r *Registry) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, room := range r.rooms {
		total += room.Len()
	}
	return total
}

// ActiveRooms returns the participant count of every room that has at
// least one participant.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make(map[string]int)
	for id, room := range r.rooms {
		if n := room.Len(); n > 0 {
			active[id] = n
		}
	}
	return active
}

// Close stops every pending drain timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, d := range r.drains {
		d.timer.Stop()
		delete(r.drains, id)
	}
}
