package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes one frame per transport message. Browser chat connections use
// JSON text frames; device connections use msgpack binary frames.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Binary() bool
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Binary() bool                       { return false }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) Binary() bool                       { return true }

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

type frameHeader struct {
	Type string `json:"type" msgpack:"type"`
}

// Decode peeks at the discriminator and returns the concrete inbound frame.
func Decode(c Codec, data []byte) (any, error) {
	var hdr frameHeader
	if err := c.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}

	var v any
	switch hdr.Type {
	case TypeText:
		v = &Text{}
	case TypeRegister:
		v = &Register{}
	case TypeHeartbeat:
		v = &Heartbeat{}
	case TypeAudio:
		v = &Audio{}
	case TypeAudioEnd:
		v = &AudioEnd{}
	case TypeWakewordDetected:
		v = &WakewordDetected{}
	case TypeStartSession:
		v = &StartSession{}
	case TypeCancel:
		v = &Cancel{}
	case "":
		return nil, fmt.Errorf("frame missing type")
	default:
		return nil, fmt.Errorf("unknown frame type %q", hdr.Type)
	}

	if err := c.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", hdr.Type, err)
	}
	return v, nil
}
