package state

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

const (
	markerPlain      byte = 0
	markerCompressed byte = 1
)

// MsgPackSerializer encodes sessions with MessagePack for the Redis
// backend. Payloads over the threshold are gzip-compressed; a one-byte
// marker tells the two apart.
type MsgPackSerializer struct {
	// UseCompression enables gzip compression for large payloads
	UseCompression bool
	// CompressionThreshold is the minimum size to trigger compression
	CompressionThreshold int
}

// NewMsgPackSerializer creates a new MsgPack serializer.
func NewMsgPackSerializer() *MsgPackSerializer {
	return &MsgPackSerializer{
		UseCompression:       true,
		CompressionThreshold: 1024, // 1KB
	}
}

// Marshal serializes a session to bytes.
func (s *MsgPackSerializer) Marshal(sess *session.Session) ([]byte, error) {
	data, err := msgpack.Marshal(sess)
	if err != nil {
		return nil, err
	}

	if s.UseCompression && len(data) >= s.CompressionThreshold {
		compressed, err := compress(data)
		if err == nil {
			return append([]byte{markerCompressed}, compressed...), nil
		}
		// Fall back to uncompressed
	}

	return append([]byte{markerPlain}, data...), nil
}

// Unmarshal deserializes bytes to a session.
func (s *MsgPackSerializer) Unmarshal(data []byte) (*session.Session, error) {
	if len(data) == 0 {
		return nil, ErrInvalidData
	}

	payload := data[1:]
	switch data[0] {
	case markerPlain:
	case markerCompressed:
		decompressed, err := decompress(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
	default:
		return nil, ErrInvalidData
	}

	var sess session.Session
	if err := msgpack.Unmarshal(payload, &sess); err != nil {
		return nil, err
	}
	if sess.Viewers == nil {
		sess.Viewers = make(map[string]session.Viewer)
	}
	if sess.Playlist == nil {
		sess.Playlist = []session.MediaItem{}
	}
	return &sess, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
