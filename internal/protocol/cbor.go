package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// CBOR encodes envelopes as binary websocket frames. Field names follow
// the json struct tags, so both codecs share one set of message types.
var CBOR Codec

type cborEnvelope struct {
	Event Event           `json:"event"`
	Data  cbor.RawMessage `json:"data"`
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	// Opaque values decode into any; keep maps JSON-compatible so they
	// survive being re-sent on a JSON socket.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}

	CBOR = cborCodec{enc: cborEnc, dec: cborDec}
}

func (cborCodec) MessageType() int { return websocket.BinaryMessage }

func (c cborCodec) Decode(frame []byte) (Inbound, error) {
	var env cborEnvelope
	if err := c.dec.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	msg, err := newInbound(env.Event)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data for %s", ErrInvalidPayload, env.Event)
	}
	if err := c.dec.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c cborCodec) Encode(msg Outbound) ([]byte, error) {
	data, err := c.enc.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(cborEnvelope{Event: msg.Event(), Data: data})
}
