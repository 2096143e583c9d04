package handlers

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/requestdata"
	"github.com/clovisapp/clovis-backend/internal/services"
	"github.com/clovisapp/clovis-backend/internal/sse"
)

// SSEHandler owns the live event-stream connections. One stream per user;
// a new stream replaces the previous one. Rooms joined through Subscribe
// only receive events published while the client stays connected.
type SSEHandler struct {
	log           *logger.Logger
	hub           *sse.Hub
	accessService services.AccessService

	mu      sync.RWMutex
	clients map[uuid.UUID]*sse.Client // key: UserID
}

func NewSSEHandler(log *logger.Logger, hub *sse.Hub, accessService services.AccessService) *SSEHandler {
	return &SSEHandler{
		log:           log.With("handler", "SSEHandler"),
		hub:           hub,
		accessService: accessService,
		clients:       make(map[uuid.UUID]*sse.Client),
	}
}

func (sh *SSEHandler) Stream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondMessage(c, http.StatusUnauthorized, "not authenticated")
		return
	}

	sh.mu.Lock()
	if existing, ok := sh.clients[rd.UserID]; ok {
		sh.hub.CloseClient(existing)
	}
	client := sh.hub.NewClient(rd.UserID)
	sh.clients[rd.UserID] = client
	sh.mu.Unlock()

	sh.log.Debug("SSE stream open", "userID", rd.UserID, "clientID", client.ID)
	sh.hub.ServeHTTP(c.Writer, c.Request, client)

	sh.mu.Lock()
	if sh.clients[rd.UserID] == client {
		delete(sh.clients, rd.UserID)
		sh.hub.CloseClient(client)
	}
	sh.mu.Unlock()
}

func (sh *SSEHandler) Subscribe(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondMessage(c, http.StatusUnauthorized, "not authenticated")
		return
	}
	var req struct {
		Room string `json:"room"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Room) == "" {
		RespondMessage(c, http.StatusBadRequest, "invalid room")
		return
	}

	if projectID, ok := parseProjectRoom(req.Room); ok {
		if _, err := sh.accessService.RequireProjectMember(c.Request.Context(), nil, projectID, rd.UserID); err != nil {
			RespondError(c, http.StatusForbidden, services.ErrForbidden)
			return
		}
	}

	sh.mu.RLock()
	client, exists := sh.clients[rd.UserID]
	sh.mu.RUnlock()
	if !exists {
		RespondMessage(c, http.StatusConflict, "no active stream")
		return
	}
	sh.hub.JoinRoom(client, req.Room)
	RespondOK(c, gin.H{"room": req.Room})
}

func (sh *SSEHandler) Unsubscribe(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondMessage(c, http.StatusUnauthorized, "not authenticated")
		return
	}
	var req struct {
		Room string `json:"room"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Room) == "" {
		RespondMessage(c, http.StatusBadRequest, "invalid room")
		return
	}

	sh.mu.RLock()
	client, exists := sh.clients[rd.UserID]
	sh.mu.RUnlock()
	if !exists {
		RespondMessage(c, http.StatusConflict, "no active stream")
		return
	}
	sh.hub.LeaveRoom(client, req.Room)
	RespondOK(c, gin.H{"room": req.Room})
}

// parseProjectRoom recognizes the projects/<id>/private room form and
// returns the project it scopes.
func parseProjectRoom(room string) (uuid.UUID, bool) {
	parts := strings.Split(strings.TrimSpace(room), "/")
	if len(parts) != 3 || parts[0] != "projects" || parts[2] != "private" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
