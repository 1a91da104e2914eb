package sessionlog

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jamaah/backend/internal/middleware"
	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/pkg/response"
)

// Lister reads a room's session log.
type Lister interface {
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.RoomSessionLog, error)
}

// RoleLookup resolves the caller's role in a room.
type RoleLookup interface {
	GetMemberRole(ctx context.Context, roomID, userID string) (models.Role, error)
}

// Handler handles GET /rooms/:id/attendees.
type Handler struct {
	repo  Lister
	roles RoleLookup
}

// NewHandler creates a session log handler.
func NewHandler(repo Lister, roles RoleLookup) *Handler {
	return &Handler{repo: repo, roles: roles}
}

// GetAttendees handles GET /rooms/:id/attendees (host only: who listened, when and for how long).
func (h *Handler) GetAttendees(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid room id")
		return
	}
	role, err := h.roles.GetMemberRole(c.Request.Context(), roomID.String(), middleware.UserID(c))
	switch {
	case errors.Is(err, models.ErrNotMember), err == nil && role != models.RoleHost:
		response.Forbidden(c, "only the room host can view attendees")
		return
	case err != nil:
		response.ServiceUnavailable(c, "membership lookup failed")
		return
	}
	list, err := h.repo.ListByRoom(c.Request.Context(), roomID)
	if err != nil {
		response.Internal(c, "failed to list attendees")
		return
	}
	response.OK(c, gin.H{"attendees": list})
}
