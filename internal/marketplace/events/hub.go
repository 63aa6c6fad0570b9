package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/pkg/logging"
)

type broadcast struct {
	message *Message
	rooms   []string
}

// Hub keeps one room per user and delivers events to every connection of
// that user. All room state is owned by the Run goroutine.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	broadcast  chan *broadcast
	register   chan *Client
	unregister chan *Client

	upgrader websocket.Upgrader
	done     chan struct{}

	mu    sync.RWMutex
	stats Stats

	logger logging.Logger
}

type Stats struct {
	Clients int `json:"total_clients"`
	Rooms   int `json:"total_rooms"`
}

func NewHub(allowedOrigins []string, logger logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan *broadcast, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		done:   make(chan struct{}),
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastToRooms(msg)

		case <-ctx.Done():
			h.logger.Info("WebSocket hub shutting down")
			for client := range h.clients {
				h.unregisterClient(client)
				client.closeConn()
			}
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clients[client] = true
	room := userRoom(client.UserID)
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true

	metrics.WebsocketConnections.Inc()
	h.updateStats()
	h.logger.Debugf("Client %s registered for user %s. Total clients: %d", client.ID, client.UserID, len(h.clients))
}

func (h *Hub) unregisterClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.quit)

	room := userRoom(client.UserID)
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}

	metrics.WebsocketConnections.Dec()
	h.updateStats()
	h.logger.Debugf("Client %s unregistered. Total clients: %d", client.ID, len(h.clients))
}

func (h *Hub) broadcastToRooms(msg *broadcast) {
	for _, room := range msg.rooms {
		for client := range h.rooms[room] {
			select {
			case client.send <- msg.message:
			default:
				h.logger.Warnf("Client %s send buffer is full, dropping connection", client.ID)
				h.unregisterClient(client)
			}
		}
	}
}

func (h *Hub) updateStats() {
	h.mu.Lock()
	h.stats = Stats{Clients: len(h.clients), Rooms: len(h.rooms)}
	h.mu.Unlock()
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// Publish queues evt for every recipient. It never blocks; events are
// dropped when the hub is backed up or stopped.
func (h *Hub) Publish(evt Event) {
	if len(evt.Recipients) == 0 || evt.Data == nil {
		return
	}
	if evt.Data.Timestamp.IsZero() {
		evt.Data.Timestamp = time.Now()
	}

	seen := make(map[string]bool, len(evt.Recipients))
	rooms := make([]string, 0, len(evt.Recipients))
	for _, userID := range evt.Recipients {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		rooms = append(rooms, userRoom(userID))
	}

	select {
	case h.broadcast <- &broadcast{message: NewMessage(evt.Type, evt.Data), rooms: rooms}:
	case <-h.done:
	default:
		h.logger.Warnf("Event channel is full, dropping %s event for task %s", evt.Type, evt.Data.TaskID)
	}
}

// Serve upgrades the request and streams the user's events until the
// connection closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := newClient(uuid.NewString(), userID, conn, h, h.logger)
	select {
	case h.register <- client:
	case <-h.done:
		client.closeConn()
		return nil
	}

	go client.writePump()
	client.readPump()
	return nil
}
