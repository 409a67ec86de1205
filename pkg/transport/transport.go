// Package transport provides the push channel between the server and
// session subscribers. Frames are opaque byte slices; the protocol package
// gives them meaning.
package transport

import (
	"errors"
	"time"
)

// Common transport errors.
var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendTimeout      = errors.New("send timeout")
	ErrOriginNotAllowed = errors.New("origin not allowed")
)

// TransportConfig holds connection tuning.
type TransportConfig struct {
	// ReadTimeout bounds the wait for the next frame. Zero disables it;
	// liveness then relies on pings.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for a write
	WriteTimeout time.Duration

	// PingInterval is how often to send heartbeats
	PingInterval time.Duration

	// MaxMessageSize is the maximum message size in bytes
	MaxMessageSize int64

	// SendBufferSize is the size of the send channel buffer
	SendBufferSize int

	// ReceiveBufferSize is the size of the receive channel buffer
	ReceiveBufferSize int
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    512 * 1024, // 512KB
		SendBufferSize:    256,
		ReceiveBufferSize: 256,
	}
}

// WebSocketConfig configures WebSocket security settings.
type WebSocketConfig struct {
	// AllowedOrigins is a list of allowed origins for WebSocket connections.
	// If empty and InsecureDevMode is false, only same-origin connections are allowed.
	AllowedOrigins []string

	// InsecureDevMode disables origin validation (ONLY for development).
	InsecureDevMode bool
}

// DefaultWebSocketConfig returns secure default configuration.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{}
}
