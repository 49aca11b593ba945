package mattermost

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newWSTestServer upgrades /api/v4/websocket and hands the socket to handler.
func newWSTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != socketPath {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

// drain keeps reading until the peer goes away so the server side does not
// close early.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestNewWSClient_EndpointDerivation(t *testing.T) {
	tests := []struct {
		serverURL string
		want      string
	}{
		{"http://chat.example.com", "ws://chat.example.com/api/v4/websocket"},
		{"http://chat.example.com///", "ws://chat.example.com/api/v4/websocket"},
		{"https://chat.example.com/", "wss://chat.example.com/api/v4/websocket"},
	}
	for _, tt := range tests {
		c := NewWSClient(tt.serverURL, "tok")
		if c.endpoint != tt.want {
			t.Errorf("NewWSClient(%q): endpoint = %q, want %q", tt.serverURL, c.endpoint, tt.want)
		}
	}
}

func TestWSClient_SendsAuthChallengeOnConnect(t *testing.T) {
	frames := make(chan map[string]any, 1)
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err == nil {
			frames <- frame
		}
		drain(conn)
	})

	c := NewWSClient(server.URL, "secret-token")
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Disconnect()

	select {
	case frame := <-frames:
		if frame["action"] != "authentication_challenge" {
			t.Errorf("action = %v, want authentication_challenge", frame["action"])
		}
		if frame["seq"] != float64(1) {
			t.Errorf("seq = %v, want 1", frame["seq"])
		}
		data, _ := frame["data"].(map[string]any)
		if data["token"] != "secret-token" {
			t.Errorf("token = %v, want secret-token", data["token"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auth frame never arrived")
	}
}

func TestWSClient_ConnectWhileConnectedIsNoop(t *testing.T) {
	var mu sync.Mutex
	connects := 0
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connects++
		mu.Unlock()
		drain(conn)
	})

	c := NewWSClient(server.URL, "tok")
	if err := c.Connect(); err != nil {
		t.Fatalf("first Connect() error: %v", err)
	}
	defer c.Disconnect()
	if err := c.Connect(); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if connects != 1 {
		t.Errorf("server saw %d connections, want 1", connects)
	}
}

func TestWSClient_DispatchInOrderAndDropsMalformedFrames(t *testing.T) {
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		var frame map[string]any
		conn.ReadJSON(&frame) // auth

		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		conn.WriteJSON(Event{Event: "posted", Seq: 1})
		conn.WriteJSON(Event{Event: "typing", Seq: 2})
		drain(conn)
	})

	c := NewWSClient(server.URL, "tok")

	var mu sync.Mutex
	var got []Event
	twoSeen := make(chan struct{})
	c.AddListener(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		if len(got) == 2 {
			close(twoSeen)
		}
		mu.Unlock()
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Disconnect()

	select {
	case <-twoSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("events never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Event != "posted" || got[1].Event != "typing" {
		t.Errorf("events out of order: %q then %q", got[0].Event, got[1].Event)
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("seq = %d,%d, want 1,2", got[0].Seq, got[1].Seq)
	}
}

func TestWSClient_PanickingListenerDoesNotStarveSiblings(t *testing.T) {
	c := NewWSClient("http://unused", "tok")

	c.AddListener(func(Event) { panic("listener bug") })
	calls := 0
	c.AddListener(func(Event) { calls++ })

	c.dispatch(Event{Event: "posted"})
	c.dispatch(Event{Event: "posted"})

	if calls != 2 {
		t.Errorf("surviving listener ran %d times, want 2", calls)
	}
}

func TestWSClient_ListenerRemovalIsIdentityBased(t *testing.T) {
	c := NewWSClient("http://unused", "tok")

	var first, second int
	// Structurally identical handlers; removal must only hit its own slot.
	removeFirst := c.AddListener(func(Event) { first++ })
	c.AddListener(func(Event) { second++ })

	removeFirst()
	c.dispatch(Event{Event: "posted"})

	if first != 0 {
		t.Errorf("removed listener ran %d times, want 0", first)
	}
	if second != 1 {
		t.Errorf("remaining listener ran %d times, want 1", second)
	}

	// Removing twice is harmless.
	removeFirst()
	c.dispatch(Event{Event: "posted"})
	if second != 2 {
		t.Errorf("remaining listener ran %d times, want 2", second)
	}
}

func TestWSClient_LosingConcurrentDialClosesItsSocket(t *testing.T) {
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		drain(conn)
	})

	c := NewWSClient(server.URL, "tok")
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Disconnect()

	c.mu.Lock()
	first := c.conn
	c.mu.Unlock()

	// A reconnect timer firing into an already re-established connection
	// runs this path: the fresh socket must be discarded, not installed.
	if err := c.dial(); err != nil {
		t.Fatalf("dial() error: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != first {
		t.Error("second dial replaced the active socket")
	}
}

func TestWSClient_HandleClosedClosesSupersededSocket(t *testing.T) {
	server := newWSTestServer(t, func(conn *websocket.Conn) {
		drain(conn)
	})

	c := NewWSClient(server.URL, "tok")
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Disconnect()

	stale, _, err := websocket.DefaultDialer.Dial(c.endpoint, nil)
	if err != nil {
		t.Fatalf("dialing stale socket: %v", err)
	}

	c.handleClosed(stale, errors.New("read error on old socket"))

	c.mu.Lock()
	connected := c.conn != nil
	pending := c.retryTimer != nil
	c.mu.Unlock()
	if !connected {
		t.Error("active socket dropped for a superseded conn's close")
	}
	if pending {
		t.Error("reconnect scheduled for a superseded conn's close")
	}
	if err := stale.WriteMessage(websocket.TextMessage, []byte("x")); err == nil {
		t.Error("superseded socket left open")
	}
}

func TestWSClient_BackoffDoublesAndCapsAtTenAttempts(t *testing.T) {
	c := NewWSClient("http://unused", "tok")
	c.baseDelay = 10 * time.Millisecond

	var delays []time.Duration
	c.afterFunc = func(d time.Duration, _ func()) *time.Timer {
		delays = append(delays, d)
		return time.NewTimer(time.Hour)
	}

	c.mu.Lock()
	c.armed = true
	for range 12 {
		// Simulate the pending timer having fired.
		c.retryTimer = nil
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if len(delays) != maxReconnectAttempts {
		t.Fatalf("scheduled %d attempts, want %d", len(delays), maxReconnectAttempts)
	}
	for n, d := range delays {
		want := c.baseDelay << n
		if d != want {
			t.Errorf("attempt %d: delay = %v, want %v", n+1, d, want)
		}
	}
}

func TestWSClient_SinglePendingTimerSlot(t *testing.T) {
	c := NewWSClient("http://unused", "tok")

	scheduled := 0
	c.afterFunc = func(time.Duration, func()) *time.Timer {
		scheduled++
		return time.NewTimer(time.Hour)
	}

	c.mu.Lock()
	c.armed = true
	c.scheduleReconnectLocked()
	c.scheduleReconnectLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if scheduled != 1 {
		t.Errorf("scheduled %d timers, want 1", scheduled)
	}
}

func TestWSClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	c := NewWSClient("http://unused", "tok")
	c.baseDelay = 10 * time.Millisecond

	var fired atomic.Bool
	c.afterFunc = func(d time.Duration, f func()) *time.Timer {
		return time.AfterFunc(d, func() { fired.Store(true); f() })
	}

	c.mu.Lock()
	c.armed = true
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.Disconnect()

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("reconnect timer fired after Disconnect")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		t.Error("client still armed after Disconnect")
	}
	if c.retryTimer != nil {
		t.Error("retry timer still pending after Disconnect")
	}
}

func TestWSClient_RetryAfterDisconnectDoesNothing(t *testing.T) {
	c := NewWSClient("http://unused", "tok")
	c.Disconnect()

	// A stale timer callback racing a Disconnect must not dial.
	done := make(chan struct{})
	go func() {
		c.retry()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry() blocked; it should return immediately when disarmed")
	}
	if c.IsConnected() {
		t.Error("retry() established a connection while disarmed")
	}
}

func TestWSClient_ReconnectsAfterUnexpectedClose(t *testing.T) {
	var mu sync.Mutex
	connects := 0
	second := make(chan struct{})

	server := newWSTestServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connects++
		n := connects
		mu.Unlock()

		if n == 1 {
			// Unexpected close right after the handshake.
			conn.Close()
			return
		}
		close(second)
		drain(conn)
	})

	c := NewWSClient(server.URL, "tok")
	c.baseDelay = 10 * time.Millisecond

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Disconnect()

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected after unexpected close")
	}

	// A successful open resets the backoff posture. The dial may still be
	// finishing when the server side signals, so poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		attempts := c.attempts
		c.mu.Unlock()
		if attempts == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempts = %d after successful reconnect, want 0", attempts)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEvent_PostExtraction(t *testing.T) {
	post := Post{ID: "p1", UserID: "u1", ChannelID: "c1", Message: "hi"}
	encoded, _ := json.Marshal(post)

	// String-embedded form.
	ev := Event{Event: EventPosted, Data: map[string]any{"post": string(encoded)}}
	got, err := ev.Post()
	if err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	if got.ID != "p1" || got.Message != "hi" {
		t.Errorf("Post() = %+v", got)
	}

	// Inline-object form.
	ev = Event{Event: EventPosted, Data: map[string]any{
		"post": map[string]any{"id": "p2", "message": "yo"},
	}}
	got, err = ev.Post()
	if err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	if got.ID != "p2" || got.Message != "yo" {
		t.Errorf("Post() = %+v", got)
	}

	// Missing payload.
	ev = Event{Event: EventPosted, Data: map[string]any{}}
	if _, err := ev.Post(); err == nil {
		t.Error("expected error for event without post")
	}

	if hint := (Event{Data: map[string]any{"channel_type": "D"}}).ChannelType(); hint != "D" {
		t.Errorf("ChannelType() = %q, want D", hint)
	}
}
