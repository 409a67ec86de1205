package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Conn is one WebSocket connection with buffered send and receive queues.
// It is used on both ends: Accept on the server, Dial on the client.
type Conn struct {
	id     string
	ws     *websocket.Conn
	config *TransportConfig

	sendCh     chan []byte
	recvCh     chan []byte
	closeCh    chan struct{}
	drainCh    chan struct{}
	writerDone chan struct{}

	closeOnce sync.Once
	drainOnce sync.Once
	err       error
	mu        sync.Mutex
}

func newConn(ws *websocket.Conn, config *TransportConfig) *Conn {
	if config == nil {
		config = DefaultTransportConfig()
	}
	ws.SetReadLimit(config.MaxMessageSize)

	c := &Conn{
		id:         uuid.New().String(),
		ws:         ws,
		config:     config,
		sendCh:     make(chan []byte, config.SendBufferSize),
		recvCh:     make(chan []byte, config.ReceiveBufferSize),
		closeCh:    make(chan struct{}),
		drainCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()
	if config.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// isOriginAllowed checks if the origin is allowed for WebSocket connections.
func isOriginAllowed(wsConfig *WebSocketConfig, origin string, requestHost string) bool {
	if wsConfig != nil && wsConfig.InsecureDevMode {
		return true
	}

	// Empty origin = same-origin request (allowed)
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if originURL.Host == requestHost {
		return true
	}

	if wsConfig != nil {
		for _, allowed := range wsConfig.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
			if allowedURL, err := url.Parse(allowed); err == nil && allowedURL.Host == originURL.Host {
				return true
			}
		}
	}

	return false
}

// originPatterns turns the allow-list into host patterns for the
// handshake check of the websocket library.
func originPatterns(wsConfig *WebSocketConfig) []string {
	if wsConfig == nil {
		return nil
	}
	patterns := make([]string, 0, len(wsConfig.AllowedOrigins))
	for _, allowed := range wsConfig.AllowedOrigins {
		if u, err := url.Parse(allowed); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, allowed)
		}
	}
	return patterns
}

// Accept upgrades an HTTP request to a WebSocket connection after
// validating its origin.
func Accept(w http.ResponseWriter, r *http.Request, config *TransportConfig, wsConfig *WebSocketConfig) (*Conn, error) {
	if !isOriginAllowed(wsConfig, r.Header.Get("Origin"), r.Host) {
		http.Error(w, "Forbidden: Origin not allowed", http.StatusForbidden)
		return nil, ErrOriginNotAllowed
	}

	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns(wsConfig)}
	if wsConfig != nil {
		for _, allowed := range wsConfig.AllowedOrigins {
			if allowed == "*" {
				opts.InsecureSkipVerify = true
			}
		}
		if wsConfig.InsecureDevMode {
			opts.InsecureSkipVerify = true
		}
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, &session.TransportError{Op: "accept", Err: err}
	}
	return newConn(ws, config), nil
}

// Dial opens a client connection to rawURL.
func Dial(ctx context.Context, rawURL string, header http.Header, config *TransportConfig) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, &session.TransportError{Op: "dial", Err: err}
	}
	return newConn(ws, config), nil
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Send queues a frame without blocking. It reports false when the queue is
// full or the connection is closed.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.sendCh <- frame:
		return true
	default:
		return false
	}
}

// SendContext queues a frame, waiting up to WriteTimeout for room.
func (c *Conn) SendContext(ctx context.Context, frame []byte) error {
	timer := time.NewTimer(c.config.WriteTimeout)
	defer timer.Stop()

	select {
	case c.sendCh <- frame:
		return nil
	case <-c.closeCh:
		return &session.TransportError{Op: "send", Err: ErrConnectionClosed}
	case <-ctx.Done():
		return &session.TransportError{Op: "send", Err: ctx.Err()}
	case <-timer.C:
		return &session.TransportError{Op: "send", Err: ErrSendTimeout}
	}
}

// Receive returns the channel of incoming frames. It is never closed; use
// Done to detect the end of the connection.
func (c *Conn) Receive() <-chan []byte {
	return c.recvCh
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close flushes queued frames, waiting at most WriteTimeout, then
// terminates the connection with a normal closure.
func (c *Conn) Close() error {
	c.drainOnce.Do(func() { close(c.drainCh) })

	timer := time.NewTimer(c.config.WriteTimeout)
	defer timer.Stop()
	select {
	case <-c.writerDone:
	case <-timer.C:
	}

	c.fail(nil)
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closeCh)

		if err == nil {
			c.ws.Close(websocket.StatusNormalClosure, "closing")
		} else {
			c.ws.CloseNow()
		}
	})
}

func (c *Conn) readLoop() {
	for {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if c.config.ReadTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, c.config.ReadTimeout)
		}
		_, data, err := c.ws.Read(ctx)
		cancel()

		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || isClosed(c.closeCh) {
				c.fail(nil)
			} else {
				c.fail(&session.TransportError{Op: "read", Err: err})
			}
			return
		}

		select {
		case c.recvCh <- data:
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case frame := <-c.sendCh:
			if !c.write(frame) {
				return
			}
		case <-c.drainCh:
			for {
				select {
				case frame := <-c.sendCh:
					if !c.write(frame) {
						return
					}
				default:
					return
				}
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) write(frame []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		c.fail(&session.TransportError{Op: "write", Err: err})
		return false
	}
	return true
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				c.fail(&session.TransportError{Op: "ping", Err: err})
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
