package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Websocket subprotocols a client may offer to pick the frame encoding.
// A client that offers neither gets JSON.
const (
	SubprotocolJSON = "docrelay.json"
	SubprotocolCBOR = "docrelay.cbor"
)

// Subprotocols lists the subprotocols the relay accepts, in preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolCBOR}

// Codec converts between envelopes on the wire and typed messages.
type Codec interface {
	Decode(frame []byte) (Inbound, error)
	Encode(msg Outbound) ([]byte, error)

	// MessageType is the websocket frame type the codec writes.
	MessageType() int
}

// ForSubprotocol returns the codec negotiated for a connection.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

// JSON is the default codec; frames are websocket text messages.
var JSON Codec = jsonCodec{}

type jsonEnvelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type jsonCodec struct{}

func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Decode(frame []byte) (Inbound, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	msg, err := newInbound(env.Event)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data for %s", ErrInvalidPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (jsonCodec) Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEnvelope{Event: msg.Event(), Data: data})
}
