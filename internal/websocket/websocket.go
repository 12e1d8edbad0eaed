// Package websocket wraps a gorilla/websocket connection for request/reply
// style shots.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torosent/barrage/internal/clientmetrics"
)

// Message represents a WebSocket message to send or receive.
type Message struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// Config configures the WebSocket client behavior.
type Config struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	Metrics          *clientmetrics.ClientMetrics // optional shared counters
}

// Client is one WebSocket connection. It is not shared between goroutines
// while a shot is in flight; the mutex only guards Close against Exchange.
type Client struct {
	url     string
	headers http.Header
	dialer  *websocket.Dialer
	maxSize int64
	metrics *clientmetrics.ClientMetrics

	mu     sync.Mutex
	conn   *websocket.Conn
	broken bool
}

// NewClient creates a new WebSocket client with the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.Metrics == nil {
		cfg.Metrics = clientmetrics.New()
	}
	return &Client{
		url:     cfg.URL,
		headers: cfg.Headers,
		maxSize: cfg.MaxMessageSize,
		metrics: cfg.Metrics,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Connect establishes the connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.New("already connected")
	}

	start := time.Now()
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		c.metrics.IncrementErrors()
		if resp != nil {
			return &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(c.maxSize)
	c.conn = conn
	c.metrics.RecordConnect(time.Since(start))
	return nil
}

// HandshakeError is returned when the server rejects the upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket dial failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Send writes msg, honouring the ctx deadline.
func (c *Client) Send(ctx context.Context, msg Message) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(msg.Type, msg.Data); err != nil {
		c.fail()
		return fmt.Errorf("write message: %w", err)
	}
	c.metrics.IncrementSent(int64(len(msg.Data)))
	return nil
}

// Receive reads one message, honouring the ctx deadline.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	conn, err := c.current()
	if err != nil {
		return Message{}, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		c.fail()
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	c.metrics.IncrementReceived(int64(len(data)))
	return Message{Type: msgType, Data: data}, nil
}

// Healthy reports whether the connection can be reused.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.broken
}

// Close closes the connection gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	closeErr := c.conn.Close()
	c.conn = nil
	if err != nil && !c.broken {
		return err
	}
	return closeErr
}

func (c *Client) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.New("not connected")
	}
	return c.conn, nil
}

func (c *Client) fail() {
	c.metrics.IncrementErrors()
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}
