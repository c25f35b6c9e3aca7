package livestream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// RelayMessage is the envelope for everything sent over the signaling socket.
type RelayMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	relaySignal     = "signal"
	relayViewerJoin = "viewer_join"
)

// RelayClient represents one connected signaling socket.
type RelayClient struct {
	conn   *websocket.Conn
	send   chan []byte
	userID primitive.ObjectID
}

// SignalHub fans signaling traffic out to every connected socket. Local
// subscribers of the SignalingChannel receive the same messages in-process,
// so a broadcaster and viewer on the same node need no socket at all.
type SignalHub struct {
	clients    map[*RelayClient]bool
	broadcast  chan []byte
	register   chan *RelayClient
	unregister chan *RelayClient
	mu         sync.RWMutex
	log        *zap.Logger
}

func NewSignalHub(log *zap.Logger) *SignalHub {
	return &SignalHub{
		clients:    make(map[*RelayClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *RelayClient),
		unregister: make(chan *RelayClient),
		log:        log,
	}
}

// Run processes registrations and broadcasts until the context ends.
func (h *SignalHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Info("signaling client registered", zap.String("user", client.userID.Hex()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Info("signaling client unregistered", zap.String("user", client.userID.Hex()))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every connected socket.
func (h *SignalHub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("signaling hub backlogged, message dropped")
	}
}

// SignalRelay bridges WebSocket clients and the in-process signaling
// channel: socket frames are published on the channel, and everything
// published on the channel is fanned back out to the sockets. Duplicate
// delivery is expected; receivers drop repeats by message id.
type SignalRelay struct {
	hub         *SignalHub
	channel     *SignalingChannel
	coordinator *Coordinator
	log         *zap.Logger
}

func NewSignalRelay(hub *SignalHub, channel *SignalingChannel, coordinator *Coordinator, log *zap.Logger) *SignalRelay {
	r := &SignalRelay{
		hub:         hub,
		channel:     channel,
		coordinator: coordinator,
		log:         log,
	}
	channel.Subscribe(r.forward)
	return r
}

// forward pushes a locally published signal out to every socket.
func (r *SignalRelay) forward(msg SignalMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("marshal signal", zap.Error(err))
		return
	}
	frame, err := json.Marshal(RelayMessage{Type: relaySignal, Payload: payload})
	if err != nil {
		r.log.Error("marshal relay frame", zap.Error(err))
		return
	}
	r.hub.Broadcast(frame)
}

// ServeWS handles the WebSocket upgrade and connection lifecycle.
func (r *SignalRelay) ServeWS(c *websocket.Conn) {
	userID, ok := c.Locals("user_id").(primitive.ObjectID)
	if !ok {
		r.log.Warn("unauthorized signaling connection attempt")
		c.Close()
		return
	}

	client := &RelayClient{
		conn:   c,
		send:   make(chan []byte, 256),
		userID: userID,
	}
	r.hub.register <- client

	go client.writePump(r.log)
	client.readPump(r)
}

// readPump pumps frames from the socket into the signaling channel.
func (c *RelayClient) readPump(r *SignalRelay) {
	defer func() {
		r.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame RelayMessage
		if err := json.Unmarshal(message, &frame); err != nil {
			r.log.Warn("malformed relay frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case relaySignal:
			var msg SignalMessage
			if err := json.Unmarshal(frame.Payload, &msg); err != nil {
				r.log.Warn("malformed signal payload", zap.Error(err))
				continue
			}
			if msg.From == "" {
				msg.From = c.userID.Hex()
			}
			r.channel.Publish(msg)

		case relayViewerJoin:
			if r.coordinator == nil {
				continue
			}
			if err := r.coordinator.AddViewer(c.userID.Hex()); err != nil {
				r.log.Warn("viewer join rejected",
					zap.String("viewer", c.userID.Hex()), zap.Error(err))
			}

		default:
			r.log.Warn("unknown relay frame type", zap.String("type", frame.Type))
		}
	}
}

// writePump pumps hub messages out to the socket.
func (c *RelayClient) writePump(log *zap.Logger) {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Warn("signaling socket write failed", zap.Error(err))
			return
		}
	}
}
