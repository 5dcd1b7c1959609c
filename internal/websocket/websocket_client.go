package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrClientClosed  = errors.New("client closed")
	ErrSendQueueFull = errors.New("send queue full")
)

const (
	sendQueueCapacity = 256
	writeWait         = 10 * time.Second
)

// Client is the transport endpoint of one connection: a bounded send queue
// drained by a write pump, and the inbound rate limiter.
type Client struct {
	conn        *websocket.Conn
	remoteIP    string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	quit        chan struct{}
	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	rateLimiter *rate.Limiter // Rate limiter for incoming messages
	log         *zap.Logger
}

// NewClient wraps an upgraded connection and starts its write pump.
func NewClient(conn *websocket.Conn, remoteIP string, rateLimitConfig *RateLimitConfig, log *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := &Client{
		conn:        conn,
		remoteIP:    remoteIP,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendQueueCapacity),
		quit:        make(chan struct{}),
		rateLimiter: limiter,
		log:         log,
	}

	go client.writePump()

	return client
}

// RemoteIP returns the client IP the connection was admitted under
func (c *Client) RemoteIP() string {
	return c.remoteIP
}

// Context is cancelled once the write pump has exited and the socket is closed
func (c *Client) Context() context.Context {
	return c.ctx
}

// Enqueue queues an encoded frame without blocking
func (c *Client) Enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// CloseWithCode asks the write pump to send a close frame and close the
// socket. It never blocks and only the first call has an effect.
func (c *Client) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.quit)
}

// IsAlive returns true until CloseWithCode is called
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
		c.cancel()
	}()

	for {
		select {
		case message := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("write failed", zap.String("ip", c.remoteIP), zap.Error(err))
				return
			}

		case <-c.quit:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()

			frame := websocket.FormatCloseMessage(code, reason)
			if err := c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second)); err != nil {
				c.log.Debug("close frame not sent", zap.String("ip", c.remoteIP), zap.Error(err))
			}
			return
		}
	}
}
