package mattermost

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/mmclaw/pkg/logger"
)

const (
	socketPath           = "/api/v4/websocket"
	reconnectBaseDelay   = 1 * time.Second
	maxReconnectAttempts = 10
	pingInterval         = 30 * time.Second
	dialTimeout          = 10 * time.Second
)

// Listener receives every parsed event, in arrival order. A panicking
// listener is isolated; siblings still run.
type Listener func(Event)

// authChallenge is the first frame written on every new socket. The server
// validates it out-of-band; no ack is awaited.
type authChallenge struct {
	Seq    int                `json:"seq"`
	Action string             `json:"action"`
	Data   authChallengeToken `json:"data"`
}

type authChallengeToken struct {
	Token string `json:"token"`
}

// WSClient owns one persistent event-stream connection to the server and
// re-establishes it after unexpected loss with exponential backoff. At most
// one reconnect timer is ever pending.
type WSClient struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	armed      bool
	attempts   int
	retryTimer *time.Timer
	listeners  map[uint64]Listener
	nextID     uint64

	// test seams
	baseDelay time.Duration
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewWSClient builds a websocket client for the given server base URL.
// The http(s) scheme maps to ws(s); trailing slashes are stripped once here.
func NewWSClient(serverURL, token string) *WSClient {
	base := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	return &WSClient{
		endpoint:  base + socketPath,
		token:     token,
		dialer:    &websocket.Dialer{HandshakeTimeout: dialTimeout},
		listeners: make(map[uint64]Listener),
		baseDelay: reconnectBaseDelay,
		afterFunc: time.AfterFunc,
	}
}

// Connect opens the socket and sends the authentication frame. Calling it
// while already connected is a no-op at the socket level but re-arms
// automatic reconnection. A successful open resets the backoff posture.
func (c *WSClient) Connect() error {
	c.mu.Lock()
	c.armed = true
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.dial()
}

func (c *WSClient) dial() error {
	conn, resp, err := c.dialer.Dial(c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	if !c.armed {
		// Disconnect won while we were dialing; no socket survives it.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	if c.conn != nil {
		// A concurrent dial finished first; one stream is enough.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	if err := conn.WriteJSON(authChallenge{
		Seq:    1,
		Action: "authentication_challenge",
		Data:   authChallengeToken{Token: c.token},
	}); err != nil {
		// The read loop will observe the dead socket and trigger reconnect.
		logger.WarnCF("ws", "Failed to send auth frame", map[string]any{"error": err.Error()})
	}

	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	logger.InfoCF("ws", "Connected", map[string]any{"endpoint": c.endpoint})
	return nil
}

// Disconnect disarms reconnection first, then cancels any pending retry
// timer and closes the socket. Safe to call repeatedly and concurrently
// with an in-flight reconnect; no socket activity follows its return.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	c.armed = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		logger.InfoC("ws", "Disconnected")
	}
}

// IsConnected reports whether a socket is currently open.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// AddListener registers a handler and returns a closure that removes exactly
// this registration, even when structurally identical handlers coexist.
func (c *WSClient) AddListener(fn Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, err)
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// The server controls framing; a malformed frame is dropped,
			// not fatal and not retried.
			logger.DebugCF("ws", "Dropping unparseable frame", map[string]any{"error": err.Error()})
			continue
		}

		c.dispatch(ev)
	}
}

// dispatch delivers one event synchronously to every registered listener.
// All listeners run before the next frame is read.
func (c *WSClient) dispatch(ev Event) {
	c.mu.Lock()
	snapshot := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		snapshot = append(snapshot, fn)
	}
	c.mu.Unlock()

	for _, fn := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorCF("ws", "Listener panicked", map[string]any{"panic": fmt.Sprint(r)})
				}
			}()
			fn(ev)
		}()
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// Dead socket; closing it unblocks the read loop, which
				// runs the normal reconnect path.
				conn.Close()
				return
			}
		}
	}
}

func (c *WSClient) handleClosed(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		// A newer socket already replaced this one.
		conn.Close()
		return
	}
	c.conn = nil
	conn.Close()

	if !c.armed {
		return
	}

	logger.WarnCF("ws", "Connection lost", map[string]any{"error": cause.Error()})
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single retry timer with the next backoff
// delay (base × 2^attempts). The counter only resets on a successful open,
// so sustained failures keep backing off. Callers hold c.mu.
func (c *WSClient) scheduleReconnectLocked() {
	if c.retryTimer != nil {
		return
	}
	if c.attempts >= maxReconnectAttempts {
		logger.ErrorCF("ws", "Reconnect attempts exhausted", map[string]any{"attempts": c.attempts})
		return
	}

	delay := c.baseDelay << c.attempts
	c.attempts++
	logger.InfoCF("ws", "Reconnect scheduled", map[string]any{
		"delay":   delay.String(),
		"attempt": c.attempts,
	})

	c.retryTimer = c.afterFunc(delay, c.retry)
}

func (c *WSClient) retry() {
	c.mu.Lock()
	c.retryTimer = nil
	if !c.armed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		logger.WarnCF("ws", "Reconnect failed", map[string]any{"error": err.Error()})
		c.mu.Lock()
		if c.armed {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
	}
}
