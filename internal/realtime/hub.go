// Package realtime pushes chat and notification events to browsers over
// websockets. Every connection belongs to an actor and is subscribed to that
// actor's user and role topics; conversation topics are joined explicitly.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UserTopic is the private topic of one user.
func UserTopic(id string) string { return "user:" + id }

// RoleTopic is the shared topic of everyone holding role.
func RoleTopic(r identity.Role) string { return "role:" + string(r) }

// IncomingMessage is a frame sent by the browser.
type IncomingMessage struct {
	Topic string `json:"topic"`
	Event string `json:"event"`
	Ref   string `json:"ref"`
}

// OutgoingMessage is a frame pushed to the browser.
type OutgoingMessage struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Ref     string      `json:"ref,omitempty"`
}

// Client is one websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	actor  identity.Actor
	send   chan []byte
	topics map[string]bool
}

type broadcastMessage struct {
	topic string
	data  []byte
}

// Hub fans events out to subscribed clients.
type Hub struct {
	clients    map[*Client]bool
	topics     map[string]map[*Client]bool
	broadcast  chan broadcastMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan broadcastMessage, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			for topic := range c.topics {
				h.joinLocked(c, topic)
			}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(c)
			h.mu.Unlock()
		case m := <-h.broadcast:
			h.deliver(m)
		}
	}
}

func (h *Hub) deliver(m broadcastMessage) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.topics[m.topic] {
		select {
		case c.send <- m.data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		logging.Get().Warn().Str("actor", c.actor.ID).Msg("dropping slow websocket client")
		h.dropLocked(c)
	}
	h.mu.Unlock()
}

func (h *Hub) joinLocked(c *Client, topic string) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][c] = true
	c.topics[topic] = true
}

func (h *Hub) leaveLocked(c *Client, topic string) {
	if clients, ok := h.topics[topic]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

func (h *Hub) dropLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	for topic := range c.topics {
		h.leaveLocked(c, topic)
	}
}

// Publish queues an event for topic. It never blocks once the hub has stopped.
func (h *Hub) Publish(topic, event string, payload interface{}) {
	data, err := json.Marshal(OutgoingMessage{Topic: topic, Event: event, Payload: payload})
	if err != nil {
		logging.Get().Error().Err(err).Str("topic", topic).Msg("realtime payload not encodable")
		return
	}
	select {
	case h.broadcast <- broadcastMessage{topic: topic, data: data}:
	case <-h.done:
	}
}

// Subscribers returns how many clients are joined to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// CanJoin decides whether actor may join topic. Actors always own their user
// and role topics; receptors may join any conversation, clients only their own.
func CanJoin(actor identity.Actor, topic string) bool {
	switch {
	case topic == UserTopic(actor.ID), topic == RoleTopic(actor.Role):
		return true
	case strings.HasPrefix(topic, "conversation:"):
		id := strings.TrimPrefix(topic, "conversation:")
		switch actor.Role.Side() {
		case identity.SideReceptor:
			return true
		case identity.SideClient:
			return id == actor.ID
		case identity.SideNone:
			return false
		default:
			return false
		}
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Get().Debug().Err(err).Str("actor", c.actor.ID).Msg("websocket closed")
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Get().Debug().Err(err).Msg("error unmarshalling websocket frame")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg IncomingMessage) {
	status := "ok"
	switch msg.Event {
	case "join":
		if !CanJoin(c.actor, msg.Topic) {
			status = "forbidden"
			break
		}
		c.hub.mu.Lock()
		if c.hub.clients[c] {
			c.hub.joinLocked(c, msg.Topic)
		}
		c.hub.mu.Unlock()
	case "leave":
		c.hub.mu.Lock()
		c.hub.leaveLocked(c, msg.Topic)
		c.hub.mu.Unlock()
	case "heartbeat":
	default:
		status = "unknown_event"
	}
	c.reply(OutgoingMessage{
		Topic:   msg.Topic,
		Event:   "reply",
		Ref:     msg.Ref,
		Payload: map[string]string{"status": status},
	})
}

func (c *Client) reply(v OutgoingMessage) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

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
				// The hub closed the channel.
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
		}
	}
}

// ServeWs upgrades the request and subscribes the connection to actor's topics.
func ServeWs(hub *Hub, actor identity.Actor, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Get().Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &Client{
		hub:    hub,
		conn:   conn,
		actor:  actor,
		send:   make(chan []byte, sendBuffer),
		topics: map[string]bool{UserTopic(actor.ID): true, RoleTopic(actor.Role): true},
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
