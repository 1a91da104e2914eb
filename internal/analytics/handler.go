package analytics

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/middleware"
	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/internal/presence"
	"github.com/jamaah/backend/internal/sessionlog"
	"github.com/jamaah/backend/pkg/response"
)

// Aggregator reads listen-time totals from the session log.
type Aggregator interface {
	GetListenAggregates(ctx context.Context, roomID uuid.UUID) (*sessionlog.ListenAggregates, error)
}

// RoleLookup resolves the caller's role in a room.
type RoleLookup interface {
	GetMemberRole(ctx context.Context, roomID, userID string) (models.Role, error)
}

// PresenceReader returns the live presence of a room.
type PresenceReader interface {
	Snapshot(roomID string) presence.Snapshot
}

// Handler handles GET /rooms/:id/stats.
type Handler struct {
	agg      Aggregator
	roles    RoleLookup
	presence PresenceReader
	logger   *zap.Logger
}

// NewHandler creates an analytics handler.
func NewHandler(agg Aggregator, roles RoleLookup, presence PresenceReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{agg: agg, roles: roles, presence: presence, logger: logger}
}

// SummaryResponse is the JSON shape of a room's listening summary.
type SummaryResponse struct {
	LiveListeners      int   `json:"live_listeners"`
	TotalListeners     int   `json:"total_listeners"`
	TotalSessions      int   `json:"total_sessions"`
	TotalListenSeconds int64 `json:"total_listen_seconds"`
	AvgListenSeconds   int64 `json:"avg_listen_seconds"`
}

// GetByRoom handles GET /rooms/:id/stats. Host only.
func (h *Handler) GetByRoom(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room id")
		return
	}
	ctx := c.Request.Context()

	role, err := h.roles.GetMemberRole(ctx, id.String(), middleware.UserID(c))
	switch {
	case errors.Is(err, models.ErrNotMember), err == nil && role != models.RoleHost:
		response.Forbidden(c, "only the room host can view stats")
		return
	case err != nil:
		response.ServiceUnavailable(c, "membership lookup failed")
		return
	}

	agg, err := h.agg.GetListenAggregates(ctx, id)
	if err != nil {
		h.logger.Error("listen aggregates", zap.String("room_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load listen aggregates")
		return
	}

	out := SummaryResponse{
		LiveListeners:      h.presence.Snapshot(id.String()).Count,
		TotalListeners:     agg.DistinctListeners,
		TotalSessions:      agg.Sessions,
		TotalListenSeconds: agg.TotalListenSeconds,
	}
	if agg.DistinctListeners > 0 {
		out.AvgListenSeconds = agg.TotalListenSeconds / int64(agg.DistinctListeners)
	}
	response.OK(c, out)
}
