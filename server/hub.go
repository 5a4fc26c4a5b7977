package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 256
	writeWait        = 5 * time.Second
)

// client is one motion stream connection.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

type envelope struct {
	to  *client
	msg []byte
}

// Hub maintains the set of motion clients. All writes to a client's send
// channel happen on the hub goroutine.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	direct     chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	log        *slog.Logger
}

func newHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte),
		direct:     make(chan envelope),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *Hub) run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Info("motion client registered", "clients", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Info("motion client unregistered", "clients", len(h.clients))
			}
		case e := <-h.direct:
			if h.clients[e.to] {
				h.deliver(e.to, e.msg)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				h.deliver(c, msg)
			}
		}
	}
}

// deliver drops clients whose buffer is full.
func (h *Hub) deliver(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		close(c.send)
		delete(h.clients, c)
		h.log.Warn("motion client too slow, dropped")
	}
}

// Broadcast sends msg to every registered client.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Send sends msg to one client.
func (h *Hub) Send(c *client, msg []byte) {
	select {
	case h.direct <- envelope{to: c, msg: msg}:
	case <-h.done:
	}
}

func (h *Hub) Register(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			for range c.send {
			}
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
