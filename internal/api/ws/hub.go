package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/snapmatch/internal/models"
	"github.com/your-org/snapmatch/internal/observability"
	"github.com/your-org/snapmatch/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client represents a connected WebSocket client.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	eventID string // optional filter
}

// Hub maintains active WebSocket clients and broadcasts ingestion progress.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub event loop. Call this in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "filter", client.eventID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			observability.WSConnections.Dec()
			slog.Debug("ws client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				// If client has an event filter, check it
				if client.eventID != "" {
					var msg dto.WSProgress
					if err := json.Unmarshal(message, &msg); err == nil {
						if msg.EventID.String() != client.eventID {
							continue
						}
					}
				}

				select {
				case client.send <- message:
				default:
					// Client buffer full: disconnect
					h.mu.RUnlock()
					h.mu.Lock()
					delete(h.clients, client)
					close(client.send)
					h.mu.Unlock()
					h.mu.RLock()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastProgress sends an ingestion progress update to connected clients.
func (h *Hub) BroadcastProgress(ev models.ProgressEvent) {
	msg := dto.WSProgress{
		Type:      "ingest_progress",
		EventID:   ev.EventID,
		PhotoID:   ev.PhotoID,
		Status:    string(ev.Status),
		Processed: ev.Processed,
		Total:     ev.Total,
		Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05Z"),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal ws progress", "error", err)
		return
	}
	h.broadcast <- data
}

// HandleWS handles WebSocket upgrade requests.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	eventFilter := c.Query("event_id")

	client := &Client{
		conn:    conn,
		send:    make(chan []byte, 64),
		eventID: eventFilter,
	}

	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// We don't process incoming messages from clients.
		// This loop exists to detect disconnection.
	}
}
