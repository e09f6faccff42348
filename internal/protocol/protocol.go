// Package protocol defines the messages exchanged between editor clients
// and the relay. Every frame is an envelope carrying an event name and a
// payload; the set of events is closed and each payload validates its own
// required fields.
package protocol

import (
	"errors"
	"fmt"
)

// Event names a message kind on the wire.
type Event string

// Client to server.
const (
	EventJoinDocument   Event = "join-document"
	EventDocumentUpdate Event = "document-update"
	EventCursorUpdate   Event = "cursor-update"
)

// Server to client.
const (
	EventDocumentState   Event = "document-state"
	EventUsersUpdated    Event = "users-updated"
	EventDocumentUpdated Event = "document-updated"
	EventCursorUpdated   Event = "cursor-updated"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Inbound is a decoded client message.
type Inbound interface {
	Event() Event
	Validate() error
}

// Outbound is a message the relay sends to clients.
type Outbound interface {
	Event() Event
}

// Identity is the self-asserted user a client presents when joining.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Selection is a text range in the document's own offset space.
type Selection struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type JoinDocument struct {
	DocumentID string    `json:"documentId"`
	User       *Identity `json:"user"`
}

func (JoinDocument) Event() Event { return EventJoinDocument }

func (m JoinDocument) Validate() error {
	if m.DocumentID == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalidPayload)
	}
	if m.User == nil || m.User.ID == "" {
		return fmt.Errorf("%w: user.id is required", ErrInvalidPayload)
	}
	return nil
}

// DocumentUpdate replaces the room's content. Version is opaque and only
// forwarded to the other participants.
type DocumentUpdate struct {
	DocumentID string   `json:"documentId"`
	Content    *string  `json:"content"`
	Version    *Version `json:"version,omitempty"`
}

func (DocumentUpdate) Event() Event { return EventDocumentUpdate }

func (m DocumentUpdate) Validate() error {
	if m.DocumentID == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalidPayload)
	}
	if m.Content == nil {
		return fmt.Errorf("%w: content is required", ErrInvalidPayload)
	}
	return nil
}

type CursorUpdate struct {
	DocumentID string     `json:"documentId"`
	Cursor     *Selection `json:"cursor"`
}

func (CursorUpdate) Event() Event { return EventCursorUpdate }

func (m CursorUpdate) Validate() error {
	if m.DocumentID == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalidPayload)
	}
	if m.Cursor == nil {
		return fmt.Errorf("%w: cursor is required", ErrInvalidPayload)
	}
	if m.Cursor.From < 0 || m.Cursor.To < 0 {
		return fmt.Errorf("%w: cursor offsets must not be negative", ErrInvalidPayload)
	}
	return nil
}

// DocumentState is the snapshot sent to a connection right after it joins.
type DocumentState struct {
	Content string `json:"content"`
}

func (DocumentState) Event() Event { return EventDocumentState }

// UserPresence describes one participant. ID is the connection id; UserID
// is the identity the client asserted.
type UserPresence struct {
	ID     string     `json:"id"`
	UserID string     `json:"userId"`
	Name   string     `json:"name"`
	Color  string     `json:"color"`
	Cursor *Selection `json:"cursor,omitempty"`
}

type UsersUpdated struct {
	Users []UserPresence `json:"users"`
}

func (UsersUpdated) Event() Event { return EventUsersUpdated }

type DocumentUpdated struct {
	Content            string   `json:"content"`
	Version            *Version `json:"version,omitempty"`
	SenderConnectionID string   `json:"senderConnectionId"`
}

func (DocumentUpdated) Event() Event { return EventDocumentUpdated }

type CursorUpdated struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Color  string    `json:"color"`
	Cursor Selection `json:"cursor"`
}

func (CursorUpdated) Event() Event { return EventCursorUpdated }

func newInbound(event Event) (Inbound, error) {
	switch event {
	case EventJoinDocument:
		return &JoinDocument{}, nil
	case EventDocumentUpdate:
		return &DocumentUpdate{}, nil
	case EventCursorUpdate:
		return &CursorUpdate{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}
