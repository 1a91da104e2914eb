package rooms

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/middleware"
	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/internal/presence"
	"github.com/jamaah/backend/internal/realtime"
	"github.com/jamaah/backend/pkg/response"
)

const (
	defaultReciter = "3"
	defaultSurah   = 1
)

// Store persists rooms.
type Store interface {
	Create(ctx context.Context, room *models.Room, initial models.PlaybackState) error
	ListLive(ctx context.Context) ([]models.Room, error)
}

// Live is the part of the realtime engine the room endpoints use.
type Live interface {
	Snapshot(roomID string) presence.Snapshot
	HandoverAs(ctx context.Context, userID, roomID, target string) error
}

// CreateRequest is the body for POST /rooms.
type CreateRequest struct {
	Title    string  `json:"title" binding:"required"`
	Reciter  string  `json:"reciter"`
	Surah    int     `json:"surah" binding:"omitempty,min=1,max=114"`
	Ayah     int     `json:"ayah" binding:"omitempty,min=1"`
	MediaURL *string `json:"media_url"`
}

// HandoverRequest is the body for POST /rooms/:id/handover.
type HandoverRequest struct {
	ToUserID string `json:"to_user_id" binding:"required"`
}

// Handler handles room HTTP endpoints.
type Handler struct {
	store  Store
	live   Live
	logger *zap.Logger
}

// NewHandler creates a room handler.
func NewHandler(store Store, live Live, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, live: live, logger: logger}
}

// Create handles POST /rooms. The caller becomes the room's host.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if len([]rune(title)) < 2 {
		response.BadRequest(c, "title (min 2 chars) required")
		return
	}
	ownerID, err := uuid.Parse(middleware.UserID(c))
	if err != nil {
		response.Unauthorized(c, "invalid user")
		return
	}

	initial := models.PlaybackState{Reciter: req.Reciter, Surah: req.Surah, Ayah: req.Ayah, MediaURL: req.MediaURL}
	if initial.Reciter == "" {
		initial.Reciter = defaultReciter
	}
	if initial.Surah == 0 {
		initial.Surah = defaultSurah
	}
	if initial.Ayah == 0 {
		initial.Ayah = 1
	}

	room := &models.Room{OwnerID: ownerID, Title: title, IsLive: true}
	if err := h.store.Create(c.Request.Context(), room, initial); err != nil {
		h.logger.Error("create room", zap.String("owner_id", ownerID.String()), zap.Error(err))
		response.Internal(c, "failed to create room")
		return
	}
	h.logger.Info("room created", zap.String("room_id", room.ID.String()), zap.String("owner_id", ownerID.String()))
	response.Created(c, room)
}

// List handles GET /rooms (live rooms, newest first).
func (h *Handler) List(c *gin.Context) {
	list, err := h.store.ListLive(c.Request.Context())
	if err != nil {
		h.logger.Error("list rooms", zap.Error(err))
		response.Internal(c, "failed to list rooms")
		return
	}
	response.OK(c, gin.H{"rooms": list})
}

// Presence handles GET /rooms/:id/presence.
func (h *Handler) Presence(c *gin.Context) {
	response.OK(c, h.live.Snapshot(c.Param("id")))
}

// Handover handles POST /rooms/:id/handover.
func (h *Handler) Handover(c *gin.Context) {
	var req HandoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	roomID, userID := c.Param("id"), middleware.UserID(c)
	err := h.live.HandoverAs(c.Request.Context(), userID, roomID, req.ToUserID)
	switch {
	case err == nil:
		response.OK(c, realtime.HostChanged{NewHostUserID: req.ToUserID, PreviousHostUserID: userID})
	case errors.Is(err, realtime.ErrNotHost), errors.Is(err, ErrNotHost):
		response.Forbidden(c, "only the room host can hand over")
	case errors.Is(err, realtime.ErrInvalidTarget):
		response.BadRequest(c, "invalid handover target")
	case errors.Is(err, realtime.ErrMembershipUnavailable):
		response.ServiceUnavailable(c, "membership lookup failed")
	default:
		h.logger.Error("handover", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
		response.Internal(c, "handover failed")
	}
}
