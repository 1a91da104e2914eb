package playback

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/middleware"
	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/internal/realtime"
	"github.com/jamaah/backend/pkg/response"
)

// Applier re-checks the caller's role, persists the command and broadcasts it to the room.
type Applier interface {
	ApplyPlayback(ctx context.Context, userID, roomID string, cmd models.PlaybackCommand) (models.PlaybackCommand, error)
}

// StateReader returns the persisted playback state of a room.
type StateReader interface {
	Get(ctx context.Context, roomID string) (*models.PlaybackState, error)
}

// SetRequest is the body for POST /playback/set.
type SetRequest struct {
	RoomID   string  `json:"room_id" binding:"required"`
	Reciter  string  `json:"reciter" binding:"required"`
	Surah    int     `json:"surah" binding:"required,min=1,max=114"`
	Ayah     int     `json:"ayah" binding:"omitempty,min=1"`
	MediaURL *string `json:"media_url"`
}

// PlayRequest is the body for POST /playback/play. AtSeconds optionally repositions before playing.
type PlayRequest struct {
	RoomID    string   `json:"room_id" binding:"required"`
	AtSeconds *float64 `json:"at_seconds" binding:"omitempty,min=0"`
}

// PauseRequest is the body for POST /playback/pause.
type PauseRequest struct {
	RoomID string `json:"room_id" binding:"required"`
}

// SeekRequest is the body for POST /playback/seek.
type SeekRequest struct {
	RoomID    string  `json:"room_id" binding:"required"`
	ToSeconds float64 `json:"to_seconds" binding:"min=0"`
}

// Handler handles the host's request/response playback endpoints.
type Handler struct {
	engine Applier
	states StateReader
	logger *zap.Logger
}

// NewHandler creates a playback handler.
func NewHandler(engine Applier, states StateReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, states: states, logger: logger}
}

// Set handles POST /playback/set: a new track, paused at its start.
func (h *Handler) Set(c *gin.Context) {
	var req SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ayah := req.Ayah
	if ayah == 0 {
		ayah = 1
	}
	paused, start := false, 0.0
	h.apply(c, req.RoomID, models.PlaybackCommand{
		Reciter:         &req.Reciter,
		Surah:           &req.Surah,
		Ayah:            &ayah,
		MediaURL:        req.MediaURL,
		IsPlaying:       &paused,
		LastSeekSeconds: &start,
	})
}

// Play handles POST /playback/play.
func (h *Handler) Play(c *gin.Context) {
	var req PlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	playing := true
	h.apply(c, req.RoomID, models.PlaybackCommand{IsPlaying: &playing, LastSeekSeconds: req.AtSeconds})
}

// Pause handles POST /playback/pause.
func (h *Handler) Pause(c *gin.Context) {
	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	paused := false
	h.apply(c, req.RoomID, models.PlaybackCommand{IsPlaying: &paused})
}

// Seek handles POST /playback/seek. The play state is left as it is.
func (h *Handler) Seek(c *gin.Context) {
	var req SeekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	h.apply(c, req.RoomID, models.PlaybackCommand{LastSeekSeconds: &req.ToSeconds})
}

// GetState handles GET /rooms/:id/playback for late joiners.
func (h *Handler) GetState(c *gin.Context) {
	st, err := h.states.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNoState) {
		response.NotFound(c, "playback state not found")
		return
	}
	if err != nil {
		h.logger.Error("get playback state", zap.String("room_id", c.Param("id")), zap.Error(err))
		response.Internal(c, "failed to get playback state")
		return
	}
	response.OK(c, st)
}

func (h *Handler) apply(c *gin.Context, roomID string, cmd models.PlaybackCommand) {
	userID := middleware.UserID(c)
	sent, err := h.engine.ApplyPlayback(c.Request.Context(), userID, roomID, cmd)
	switch {
	case err == nil:
		response.OK(c, sent)
	case errors.Is(err, realtime.ErrNotHost):
		response.Forbidden(c, "only the room host can control playback")
	case errors.Is(err, realtime.ErrMembershipUnavailable):
		response.ServiceUnavailable(c, "membership lookup failed")
	case errors.Is(err, ErrNoState):
		response.NotFound(c, "room not found")
	default:
		h.logger.Error("apply playback", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
		response.Internal(c, "failed to update playback")
	}
}
