package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clovisapp/clovis-backend/internal/logger"
)

type Event string

const (
	// EventNotification carries the generic notification envelope; for the
	// blueprint pipeline that is the terminal projects.blueprints.create
	// event.
	EventNotification Event = "notification"
	// EventBlueprintProgress is the ephemeral per-page progress tick stream.
	EventBlueprintProgress Event = "blueprints.progress"
)

// ProjectRoom names the private interest group of a project. A client joins
// it after authenticating and receives every event published to it while
// connected; there is no replay for late joiners.
func ProjectRoom(projectID uuid.UUID) string {
	return fmt.Sprintf("projects/%s/private", projectID)
}

type Message struct {
	Room  string `json:"room"`
	Event Event  `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Rooms    map[string]bool
	Outbound chan Message
	done     chan struct{}
}

type Hub struct {
	mu            sync.RWMutex
	logger        *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:        log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

func (hub *Hub) NewClient(userID uuid.UUID) *Client {
	return &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Rooms:    make(map[string]bool),
		Outbound: make(chan Message, 16),
		done:     make(chan struct{}),
	}
}

// JoinRoom is idempotent; joining an already-joined room is a no-op.
func (hub *Hub) JoinRoom(client *Client, room string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	room = strings.TrimSpace(room)
	if room == "" {
		return
	}

	client.Rooms[room] = true

	clients, exists := hub.subscriptions[room]
	if !exists {
		clients = make(map[*Client]bool)
		hub.subscriptions[room] = clients
	}
	clients[client] = true

	hub.logger.Debug("SSE client joined room", "clientID", client.ID, "room", room)
}

func (hub *Hub) LeaveRoom(client *Client, room string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	room = strings.TrimSpace(room)
	if room == "" {
		return
	}
	delete(client.Rooms, room)

	if members, ok := hub.subscriptions[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(hub.subscriptions, room)
		}
	}
	hub.logger.Debug("SSE client left room", "clientID", client.ID, "room", room)
}

func (hub *Hub) RemoveClient(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for room := range client.Rooms {
		if members, ok := hub.subscriptions[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(hub.subscriptions, room)
			}
		}
	}
	client.Rooms = make(map[string]bool)
	hub.logger.Debug("SSE client left all rooms", "clientID", client.ID)
}

// Broadcast delivers msg to every client currently joined to msg.Room.
// Delivery is best-effort and at-most-once per connected client; a client
// whose outbound buffer is full misses the message.
func (hub *Hub) Broadcast(msg Message) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if msg.Room == "" {
		return
	}
	members, ok := hub.subscriptions[msg.Room]
	if !ok {
		return
	}
	for c := range members {
		select {
		case c.Outbound <- msg:
		default:
			hub.logger.Warn("Dropping SSE message; outbound buffer full", "clientID", c.ID, "room", msg.Room)
		}
	}
}

func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, client *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			hub.logger.Debug("SSE client context done", "clientID", client.ID, "err", ctx.Err())
			return
		case <-client.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-client.Outbound:
			jsonBytes, err := json.Marshal(msg)
			if err != nil {
				hub.logger.Warn("Failed to marshal SSE message", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\n", msg.Event)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", string(jsonBytes))
			flusher.Flush()
		}
	}
}

func (hub *Hub) CloseClient(client *Client) {
	close(client.done)
	hub.RemoveClient(client)
	close(client.Outbound)
}
