package events

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datarand/datarand-backend/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
)

// Client is one websocket connection of an authenticated user.
type Client struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	hub    *Hub
	send   chan *Message
	// quit is closed by the hub when the client is dropped.
	quit   chan struct{}
	logger logging.Logger
}

func newClient(id, userID string, conn *websocket.Conn, hub *Hub, logger logging.Logger) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		hub:    hub,
		send:   make(chan *Message, 64),
		quit:   make(chan struct{}),
		logger: logger,
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warnf("Failed to set read deadline for client %s: %v", c.ID, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				c.logger.Debugf("WebSocket closed for client %s: code=%d", c.ID, ce.Code)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warnf("WebSocket error for client %s: %v", c.ID, err)
			}
			return
		}

		switch msg.Type {
		case MessageTypePing:
			c.trySend(NewMessage(MessageTypePong, nil))
		default:
			c.trySend(NewErrorMessage("INVALID_MESSAGE_TYPE", "Unknown message type"))
		}
	}
}

func (c *Client) trySend(msg *Message) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warnf("Failed to set write deadline for client %s: %v", c.ID, err)
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Warnf("Error writing message to client %s: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warnf("Failed to set write deadline (ping) for client %s: %v", c.ID, err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) closeConn() {
	if err := c.conn.Close(); err != nil {
		c.logger.Debugf("Error closing WebSocket for client %s: %v", c.ID, err)
	}
}
