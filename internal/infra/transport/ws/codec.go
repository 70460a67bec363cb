// Package ws serves dyconit subscribers over websocket sessions.
package ws

import (
	"fmt"
	"reflect"

	"github.com/coder/websocket"
	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
)

// Subprotocol names negotiated during the websocket handshake.
const (
	SubprotocolJSON = "dyconit.json"
	SubprotocolCBOR = "dyconit.cbor"
)

// Codec encodes server frames and decodes client messages for one subprotocol.
type Codec interface {
	Name() string
	Subprotocol() string
	MessageType() websocket.MessageType
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Subprotocols lists the supported subprotocols in order of preference.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

// CodecFor returns the codec for a negotiated subprotocol. Clients that negotiate
// nothing get JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

var (
	// JSON frames travel as websocket text messages.
	JSON Codec = jsonCodec{}
	// CBOR frames travel as websocket binary messages.
	CBOR Codec = newCBORCodec()
)

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Subprotocol() string                { return SubprotocolJSON }
func (jsonCodec) MessageType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		panic(fmt.Sprintf("ws: cbor encoder initialization failed: %v", err))
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ws: cbor decoder initialization failed: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Subprotocol() string                { return SubprotocolCBOR }
func (cborCodec) MessageType() websocket.MessageType { return websocket.MessageBinary }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}
