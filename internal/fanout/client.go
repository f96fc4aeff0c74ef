package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

// Client is a WebSocket connection registered on a Hub
type Client struct {
	id        string
	ownerID   string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewClient wraps an upgraded WebSocket connection
func NewClient(hub *Hub, conn *websocket.Conn, ownerID string, logger *slog.Logger) *Client {
	return &Client{
		id:      uuid.NewString(),
		ownerID: ownerID,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.id
}

// Send encodes the update as a task_update event and queues it
func (c *Client) Send(update domain.Update) bool {
	data, err := json.Marshal(domain.Envelope{
		Event:   domain.TaskUpdateEvent,
		Payload: update.Wire(),
	})
	if err != nil {
		c.logger.Error("Failed to encode update",
			slog.String("connection_id", c.id),
			slog.String("error", err.Error()),
		)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Serve registers the client and runs its pumps until the connection ends
func (c *Client) Serve(admin bool) error {
	if err := c.hub.Register(c.ownerID, c); err != nil {
		_ = c.conn.Close()
		return err
	}
	if admin {
		if err := c.hub.SubscribeAdmin(c.id); err != nil {
			c.hub.Unregister(c.id)
			_ = c.conn.Close()
			return err
		}
	}

	c.logger.Info("WebSocket client connected",
		slog.String("connection_id", c.id),
		slog.String("owner_id", c.ownerID),
		slog.Bool("admin", admin),
	)

	go c.writePump()
	c.readPump()
	return nil
}

// readPump only handles control frames; clients do not send commands
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.id)
		c.Close()
		c.logger.Info("WebSocket client disconnected",
			slog.String("connection_id", c.id),
			slog.String("owner_id", c.ownerID),
		)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("WebSocket write error",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
