package server

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dispatchd/internal/types"
)

// wsBufferSize is the buffer for per-client send channels and the broadcast
// channel; bursts queue instead of dropping until the buffer fills.
const wsBufferSize = 256

// Client is one connected WebSocket front-end.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// Hub manages the connected clients and fan-out.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, wsBufferSize),
		done:       make(chan struct{}),
	}
}

// Run drives registration and broadcast until Close.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it rather than stall everyone.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close stops the run loop and disconnects every client.
func (h *Hub) Close() {
	close(h.done)
}

// Notify broadcasts a JSON-RPC notification to every client.
func (h *Hub) Notify(method string, params interface{}) {
	data, err := json.Marshal(types.RPCNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		log.Printf("[server] marshal notification %s: %v", method, err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("[server] broadcast buffer full, dropping %s", method)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump consumes JSON-RPC requests from one client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req types.RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(types.RPCResponse{
				JSONRPC: "2.0",
				Error:   &types.RPCError{Code: types.CodeParseError, Message: "parse error"},
			})
			continue
		}
		resp := c.server.dispatch(&req)
		if req.ID != nil {
			c.reply(resp)
		}
	}
}

func (c *Client) reply(resp types.RPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[server] marshal response: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump pushes queued messages to one client.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
