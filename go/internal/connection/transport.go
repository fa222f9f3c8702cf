package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport opens the physical connection to the coordination service
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open connection. ReadMessage blocks until a frame arrives or
// the connection fails; Close unblocks it. WriteMessage is never called
// concurrently by the Manager.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WebSocketConfig holds configuration for the WebSocket transport
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
	Header           http.Header
}

// DefaultWebSocketConfig returns default WebSocket transport configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   64 * 1024,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
}

// WebSocketTransport dials the coordination service over gorilla/websocket
type WebSocketTransport struct {
	url    string
	config WebSocketConfig
	dialer *websocket.Dialer
}

func NewWebSocketTransport(url string, config WebSocketConfig) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	c, resp, err := t.dialer.DialContext(ctx, t.url, t.config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", t.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", t.url, err)
	}
	if t.config.MaxMessageSize > 0 {
		c.SetReadLimit(t.config.MaxMessageSize)
	}
	return &wsConn{conn: c, writeTimeout: t.config.WriteTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
