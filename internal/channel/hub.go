package channel

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const broadcastBufferSize = 256

// DeviceAuthenticator checks the credentials a gateway presents in its auth frame.
type DeviceAuthenticator interface {
	AuthenticateDevice(ctx context.Context, deviceName, token string) error
}

// Observer is notified about published and dropped command messages.
type Observer interface {
	MessagePublished(kind string)
	MessageDropped(kind string)
}

// Hub fans command messages out to the device clients subscribed to their topic.
type Hub struct {
	// Authenticated clients
	clients map[*Client]bool

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	logger        *zap.Logger
	authenticator DeviceAuthenticator
	observer      Observer
}

func NewHub(authenticator DeviceAuthenticator, logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:     make(chan Message, broadcastBufferSize),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		done:          make(chan struct{}),
		clients:       make(map[*Client]bool),
		logger:        logger,
		authenticator: authenticator,
	}
}

// SetObserver sets the message observer (optional).
func (h *Hub) SetObserver(observer Observer) {
	h.observer = observer
}

// Run is the hub's event loop; it returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Command channel hub started")
	for {
		select {
		case <-ctx.Done():
			// Write pumps watch done and close their connections.
			close(h.done)
			h.logger.Info("Command channel hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Device client registered",
				zap.String("device", client.device),
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("Device client unregistered",
					zap.String("device", client.device),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *Hub) deliver(message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal command message",
			zap.String("topic", message.Topic),
			zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for client := range h.clients {
		if !client.subscribed(message.Topic) {
			continue
		}
		select {
		case client.send <- data:
			delivered++
		default:
			if h.observer != nil {
				h.observer.MessageDropped(string(message.Kind))
			}
			h.logger.Warn("Device client send buffer full, message dropped",
				zap.String("device", client.device),
				zap.String("topic", message.Topic))
		}
	}

	h.logger.Debug("Command message delivered",
		zap.String("topic", message.Topic),
		zap.Int("clients", delivered))
}

// Publish queues a command message for a connection. It never blocks: when the
// queue is full the message is dropped and logged.
func (h *Hub) Publish(connectionName string, kind Kind, payload any) {
	msg := NewCommandMessage(kind, connectionName, payload)

	select {
	case h.broadcast <- msg:
		if h.observer != nil {
			h.observer.MessagePublished(string(kind))
		}
		h.logger.Info("Command message published",
			zap.String("connection", connectionName),
			zap.String("topic", msg.Topic))
	default:
		if h.observer != nil {
			h.observer.MessageDropped(string(kind))
		}
		h.logger.Warn("Command channel queue full, message dropped",
			zap.String("connection", connectionName),
			zap.String("topic", msg.Topic))
	}
}

// GetClientCount returns the number of authenticated device clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
