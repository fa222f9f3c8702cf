package coordinator

import (
	"github.com/gorilla/websocket"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (c *Client) identity() (clientID, sessionID string, role protocol.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.sessionID, c.role
}

func (c *Client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// enqueue queues msg for the write pump. A client whose buffer is full is
// disconnected.
func (c *Client) enqueue(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("type", string(msg.Type())).Msg("failed to encode message")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- frame:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warn().Str("connection_id", c.ID).Msg("connection send buffer full, closing connection")
		c.hub.unregister(c)
		_ = c.conn.Close()
	}
}

// writePump sends queued frames and pings the client
func (c *Client) writePump() {
	config := c.hub.config
	ticker := c.hub.clock.NewTicker(config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(c.hub.clock.Now().Add(config.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to websocket")
				return
			}

		case <-ticker.Chan():
			_ = c.conn.SetWriteDeadline(c.hub.clock.Now().Add(config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump decodes client frames until the connection fails or goes quiet
// for longer than the read timeout
func (c *Client) readPump() {
	config := c.hub.config
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(c.hub.clock.Now().Add(config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(c.hub.clock.Now().Add(config.ReadTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(c.hub.clock.Now().Add(config.ReadTimeout))

		msg, err := protocol.DecodeOutbound(raw)
		if err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("discarding malformed client frame")
			c.enqueue(protocol.Error{Message: "malformed message"})
			continue
		}
		c.hub.handle(c, msg)
	}
}
