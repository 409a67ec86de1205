package protocol

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Common codec errors.
var (
	ErrInvalidMessage = errors.New("invalid message format")
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrUnknownCodec   = errors.New("unknown codec type")
)

// Codec handles envelope encoding/decoding.
type Codec interface {
	// Encode serializes an envelope to bytes.
	Encode(env *Envelope) ([]byte, error)

	// Decode deserializes bytes to an envelope.
	Decode(data []byte) (*Envelope, error)

	// Name returns the codec name.
	Name() string

	// ContentType returns the MIME type.
	ContentType() string
}

// JSONCodec implements Codec using JSON encoding. It is the format spoken
// with browsers on both transports.
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Encode encodes an envelope to JSON.
func (c *JSONCodec) Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode decodes JSON to an envelope.
func (c *JSONCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidMessage
	}
	return &env, nil
}

// Name returns "json".
func (c *JSONCodec) Name() string {
	return "json"
}

// ContentType returns the JSON MIME type.
func (c *JSONCodec) ContentType() string {
	return "application/json"
}

// MsgPackCodec implements Codec using MessagePack encoding. Used between
// server instances on the pub/sub bus.
type MsgPackCodec struct{}

// NewMsgPackCodec creates a new MsgPack codec.
func NewMsgPackCodec() *MsgPackCodec {
	return &MsgPackCodec{}
}

// Encode encodes an envelope to MsgPack.
func (c *MsgPackCodec) Encode(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

// Decode decodes MsgPack to an envelope.
func (c *MsgPackCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidMessage
	}
	return &env, nil
}

// Name returns "msgpack".
func (c *MsgPackCodec) Name() string {
	return "msgpack"
}

// ContentType returns the MsgPack MIME type.
func (c *MsgPackCodec) ContentType() string {
	return "application/msgpack"
}

// CodecRegistry manages available codecs.
type CodecRegistry struct {
	codecs   map[string]Codec
	fallback Codec
	mu       sync.RWMutex
}

// NewCodecRegistry creates a new codec registry with the JSON codec as
// default.
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{
		codecs: make(map[string]Codec),
	}
	r.Register(NewJSONCodec())
	r.Register(NewMsgPackCodec())
	r.fallback = r.codecs["json"]
	return r
}

// Register adds a codec to the registry.
func (r *CodecRegistry) Register(codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[codec.Name()] = codec
}

// Get retrieves a codec by name.
func (r *CodecRegistry) Get(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

// Default returns the default codec.
func (r *CodecRegistry) Default() Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Lookup returns the named codec, or ErrUnknownCodec.
func (r *CodecRegistry) Lookup(name string) (Codec, error) {
	if name == "" {
		return r.Default(), nil
	}
	c, ok := r.Get(name)
	if !ok {
		return nil, ErrUnknownCodec
	}
	return c, nil
}
