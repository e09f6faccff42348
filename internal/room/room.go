package room

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/manpreetbhatti/docrelay/internal/protocol"
)

const maxNameLength = 64

// Peer is a live connection that can receive relay events.
type Peer interface {
	ID() string

	// Send queues msg for delivery without blocking. It returns false
	// when the message could not be queued.
	Send(msg protocol.Outbound) bool
}

// Participant is one connection's presence inside a room.
type Participant struct {
	ConnID string
	UserID string
	Name   string
	Color  string
	Cursor *protocol.Selection
}

func (p Participant) presence() protocol.UserPresence {
	up := protocol.UserPresence{
		ID:     p.ConnID,
		UserID: p.UserID,
		Name:   p.Name,
		Color:  p.Color,
	}
	if p.Cursor != nil {
		c := *p.Cursor
		up.Cursor = &c
	}
	return up
}

type member struct {
	peer        Peer
	participant Participant
	seq         uint64
}

// A collaborative editing session for one document
type Room struct {
	ID string

	mu      sync.RWMutex
	content string
	members map[string]*member
	nextSeq uint64
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[string]*member),
	}
}

// Returns the latest content applied to the room
func (r *Room) Content() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.content
}

// Returns the number of participants currently in the room
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Returns a copy of the participants in join order
func (r *Room) Participants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.orderedLocked()
	participants := make([]Participant, len(ordered))
	for i, m := range ordered {
		participants[i] = m.participant
		if m.participant.Cursor != nil {
			c := *m.participant.Cursor
			participants[i].Cursor = &c
		}
	}
	return participants
}

func (r *Room) orderedLocked() []*member {
	ordered := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}

func (r *Room) addLocked(peer Peer, p Participant) {
	r.nextSeq++
	r.members[p.ConnID] = &member{peer: peer, participant: p, seq: r.nextSeq}
}

func (r *Room) usersLocked() protocol.UsersUpdated {
	ordered := r.orderedLocked()
	users := make([]protocol.UserPresence, len(ordered))
	for i, m := range ordered {
		users[i] = m.participant.presence()
	}
	return protocol.UsersUpdated{Users: users}
}

// broadcastLocked sends msg to every member except the one whose
// connection id is exclude. An empty exclude reaches everyone.
func (r *Room) broadcastLocked(msg protocol.Outbound, exclude string) {
	for _, m := range r.orderedLocked() {
		if exclude != "" && m.participant.ConnID == exclude {
			continue
		}
		m.peer.Send(msg)
	}
}

// sanitizeName bounds a client-supplied display name.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Anonymous"
	}
	if utf8.RuneCountInString(name) <= maxNameLength {
		return name
	}
	runes := []rune(name)
	return string(runes[:maxNameLength])
}
