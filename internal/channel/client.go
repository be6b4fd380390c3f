package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth frame
	authWait = 10 * time.Second

	maxMessageSize = 4096
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Gateways are not browsers; they authenticate with a device token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one connected device gateway.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	device        string
	authenticated bool

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		logger:  hub.logger,
		filters: make(map[string]struct{}),
	}
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Client) subscribe(filter string) {
	c.subMu.Lock()
	c.filters[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *Client) unsubscribe(filter string) {
	c.subMu.Lock()
	delete(c.filters, filter)
	c.subMu.Unlock()
}

func (c *Client) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for filter := range c.filters {
		if MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}

// readPump reads control frames. The first frame must authenticate the device.
func (c *Client) readPump() {
	registered := false
	defer func() {
		if !registered {
			// writePump flushes the auth reply, then closes the connection
			close(c.send)
			return
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("Device websocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		if !c.authenticated {
			if !c.authenticate(msg) {
				return
			}

			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.conn.SetPongHandler(func(string) error {
				c.conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})

			select {
			case c.hub.register <- c:
				registered = true
			case <-c.hub.done:
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg clientMessage) bool {
	if msg.Type != "auth" {
		c.enqueue(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "First message must be authentication"}))
		return false
	}
	if msg.Device == "" || msg.Token == "" {
		c.enqueue(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "Missing device or token in auth message"}))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), authWait)
	defer cancel()

	if err := c.hub.authenticator.AuthenticateDevice(ctx, msg.Device, msg.Token); err != nil {
		c.logger.Warn("Device authentication failed",
			zap.String("device", msg.Device),
			zap.String("remote_addr", c.remoteAddr()),
			zap.Error(err))
		c.enqueue(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": "Invalid device credentials"}))
		return false
	}

	c.device = msg.Device
	c.authenticated = true
	c.enqueue(NewMessage(MessageTypeAuthSuccess, map[string]string{"device": msg.Device}))

	c.logger.Info("Device client authenticated",
		zap.String("device", msg.Device),
		zap.String("remote_addr", c.remoteAddr()))

	return true
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		if err := ValidateFilter(msg.Topic); err != nil {
			c.enqueue(NewMessage(MessageTypeError, map[string]string{"reason": err.Error()}))
			return
		}
		c.subscribe(msg.Topic)
		c.enqueue(NewMessage(MessageTypeSubscribed, map[string]string{"topic": msg.Topic}))
		c.logger.Debug("Device subscribed",
			zap.String("device", c.device),
			zap.String("filter", msg.Topic))

	case "unsubscribe":
		c.unsubscribe(msg.Topic)

	default:
		c.logger.Debug("Ignoring device message",
			zap.String("device", c.device),
			zap.String("type", msg.Type))
	}
}

// enqueue hands a frame to writePump without blocking the reader.
func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Device client send buffer full, reply dropped",
			zap.String("device", c.device))
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Unregistered or failed authentication
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.hub.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// ServeWs upgrades a gateway connection and starts its pumps.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("Device websocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := newClient(hub, conn)

	go client.writePump()
	go client.readPump()
}
