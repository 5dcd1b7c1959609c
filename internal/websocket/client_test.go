package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// newClientPair upgrades one connection and returns the server-side Client
// and the dialed peer.
func newClientPair(t *testing.T, rl *RateLimitConfig) (*Client, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(ts.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	var conn *websocket.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade not accepted")
	}

	client := NewClient(conn, "10.0.0.1", rl, zap.NewNop())
	t.Cleanup(func() {
		client.CloseWithCode(websocket.CloseNormalClosure, "")
		<-client.Context().Done()
	})
	return client, peer
}

func TestClientEnqueueWritesTextFrame(t *testing.T) {
	t.Parallel()

	client, peer := newClientPair(t, NoRateLimit())

	if err := client.Enqueue([]byte(`{"action":"echo","value":1}`)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if kind != websocket.TextMessage {
		t.Errorf("frame type = %d, want text", kind)
	}
	if string(data) != `{"action":"echo","value":1}` {
		t.Errorf("frame = %s", data)
	}
}

func TestClientCloseWithCode(t *testing.T) {
	t.Parallel()

	client, peer := newClientPair(t, NoRateLimit())

	client.CloseWithCode(4004, "echo timeout")
	client.CloseWithCode(1000, "ignored")

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage() error = %v, want a close error", err)
	}
	if ce.Code != 4004 || ce.Text != "echo timeout" {
		t.Errorf("close = (%d, %q), want (4004, %q)", ce.Code, ce.Text, "echo timeout")
	}

	select {
	case <-client.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client context not cancelled after close")
	}
	if client.IsAlive() {
		t.Error("IsAlive() = true after close")
	}
	if err := client.Enqueue([]byte("{}")); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Enqueue() after close error = %v, want %v", err, ErrClientClosed)
	}
}

func TestClientEnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	// No write pump drains this queue.
	client := &Client{
		sendCh: make(chan []byte, 2),
		quit:   make(chan struct{}),
		log:    zap.NewNop(),
	}

	for i := 0; i < 2; i++ {
		if err := client.Enqueue([]byte("{}")); err != nil {
			t.Fatalf("Enqueue() %d error = %v", i, err)
		}
	}
	if err := client.Enqueue([]byte("{}")); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("Enqueue() on full queue error = %v, want %v", err, ErrSendQueueFull)
	}
}

// TestClientRateLimit tests the token bucket configured from RateLimitConfig
func TestClientRateLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		config      *RateLimitConfig
		attempts    int
		wantAllowed int
	}{
		{
			name:        "disabled",
			config:      NoRateLimit(),
			attempts:    500,
			wantAllowed: 500,
		},
		{
			name:        "nil config",
			config:      nil,
			attempts:    500,
			wantAllowed: 500,
		},
		{
			name:        "burst exhausted",
			config:      &RateLimitConfig{MessagesPerSecond: 0.001, Burst: 3, Enabled: true},
			attempts:    10,
			wantAllowed: 3,
		},
		{
			name:        "default burst",
			config:      DefaultRateLimitConfig(),
			attempts:    200,
			wantAllowed: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, _ := newClientPair(t, tt.config)

			allowed := 0
			for i := 0; i < tt.attempts; i++ {
				if client.CheckRateLimit() {
					allowed++
				}
			}
			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %d, want %d", allowed, tt.wantAllowed)
			}
		})
	}
}

// TestDefaultRateLimitConfig tests the default rate limit configuration
func TestDefaultRateLimitConfig(t *testing.T) {
	t.Parallel()

	config := DefaultRateLimitConfig()

	if !config.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if config.MessagesPerSecond != 100 {
		t.Errorf("MessagesPerSecond = %v, want 100", config.MessagesPerSecond)
	}
	if config.Burst != 200 {
		t.Errorf("Burst = %v, want 200", config.Burst)
	}
	if NoRateLimit().Enabled {
		t.Error("NoRateLimit() is enabled")
	}
}
