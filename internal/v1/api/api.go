// Package api wires the REST surface: room CRUD, message history, health,
// and the media proxy endpoints, following the teacher's gin router
// composition.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/watchparty/server/internal/v1/coordinator"
	"github.com/watchparty/server/internal/v1/health"
	"github.com/watchparty/server/internal/v1/mediaproxy"
	"github.com/watchparty/server/internal/v1/ratelimit"
)

const defaultMessageLimit = 50

// Handler groups the dependencies needed to serve the REST surface.
type Handler struct {
	roomStore    coordinator.RoomStore
	messageStore coordinator.MessageStore
	health       *health.Handler
	media        *mediaproxy.Proxy
	rateLimiter  *ratelimit.RateLimiter
}

func New(roomStore coordinator.RoomStore, messageStore coordinator.MessageStore, healthHandler *health.Handler, media *mediaproxy.Proxy, rateLimiter *ratelimit.RateLimiter) *Handler {
	return &Handler{
		roomStore:    roomStore,
		messageStore: messageStore,
		health:       healthHandler,
		media:        media,
		rateLimiter:  rateLimiter,
	}
}

// Register attaches every route this package serves to r. The rooms group
// gets the "rooms" endpoint limit and the messages route the "messages"
// limit, on top of whatever global middleware main.go already applied to r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/api/health", h.health.Liveness)
	r.GET("/api/ready", h.health.Readiness)

	rooms := r.Group("/api/rooms")
	if h.rateLimiter != nil {
		rooms.Use(h.rateLimiter.MiddlewareForEndpoint("rooms"))
	}
	rooms.POST("", h.CreateRoom)
	rooms.GET("/:roomId", h.GetRoom)

	if h.rateLimiter != nil {
		rooms.GET("/:roomId/messages", h.rateLimiter.MiddlewareForEndpoint("messages"), h.ListMessages)
	} else {
		rooms.GET("/:roomId/messages", h.ListMessages)
	}

	video := r.Group("/api/video")
	video.GET("/metadata", h.media.Metadata)
	video.GET("/info", h.media.Info)
	video.GET("/stream", h.media.Stream)
}

type createRoomRequest struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// CreateRoom handles POST /api/rooms.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	_ = c.ShouldBindJSON(&req) // body is optional; an empty room is still valid

	id, err := coordinator.NewRoomID(c.Request.Context(), h.roomStore)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to allocate room id"})
		return
	}

	room := &coordinator.Room{
		RoomID:         id,
		HostUserID:     req.Host,
		LastKnownState: coordinator.StatePaused,
	}
	if err := h.roomStore.Create(c.Request.Context(), room); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	c.JSON(http.StatusCreated, roomToJSON(room))
}

// GetRoom handles GET /api/rooms/:roomId.
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	room, err := h.roomStore.GetByID(c.Request.Context(), roomID)
	if err == coordinator.ErrRoomNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return
	}
	c.JSON(http.StatusOK, roomToJSON(room))
}

// ListMessages handles GET /api/rooms/:roomId/messages?limit=N.
func (h *Handler) ListMessages(c *gin.Context) {
	roomID := c.Param("roomId")
	limit := defaultMessageLimit
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= defaultMessageLimit {
			limit = n
		}
	}

	msgs, err := h.messageStore.ListByRoom(c.Request.Context(), roomID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"roomId":    m.RoomID,
			"author":    m.Author,
			"body":      m.Body,
			"timestamp": m.Timestamp.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func roomToJSON(r *coordinator.Room) gin.H {
	return gin.H{
		"roomId":            r.RoomID,
		"hostUserId":        r.HostUserID,
		"hostDisplayName":   r.HostDisplayName,
		"currentVideoUrl":   r.CurrentVideoURL,
		"currentVideoTitle": r.CurrentVideoTitle,
		"lastKnownTime":     r.LastKnownTime,
		"lastKnownState":    r.LastKnownState,
		"createdAt":         r.CreatedAt,
		"updatedAt":         r.UpdatedAt,
	}
}
