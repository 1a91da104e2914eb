// Package alerts lets users tell people nearby that they are heading to the masjid.
package alerts

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmcloughlin/geohash"
	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/middleware"
	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/pkg/response"
)

const (
	cellPrecision = 5
	nearbyWindow  = 12 * time.Hour
	nearbyLimit   = 100
	maxMessageLen = 280
)

// Store persists and lists alerts.
type Store interface {
	Create(ctx context.Context, a *models.MasjidAlert) error
	ListInCells(ctx context.Context, cells []string, since time.Time, limit int) ([]models.MasjidAlert, error)
}

// Handler handles /alerts.
type Handler struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler creates an alerts handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger, now: time.Now}
}

// PingRequest is the body of POST /alerts/ping.
type PingRequest struct {
	Lat     *float64 `json:"lat" binding:"required"`
	Lng     *float64 `json:"lng" binding:"required"`
	Message string   `json:"message"`
}

// Ping handles POST /alerts/ping. The alert is filed under the caller's user id.
func (h *Handler) Ping(c *gin.Context) {
	var req PingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "lat and lng are required numbers")
		return
	}
	if !validCoords(*req.Lat, *req.Lng) {
		response.BadRequest(c, "lat or lng out of range")
		return
	}
	userID, err := uuid.Parse(middleware.UserID(c))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	alert := &models.MasjidAlert{
		UserID:   userID,
		Geohash5: geohash.EncodeWithPrecision(*req.Lat, *req.Lng, cellPrecision),
		Lat:      *req.Lat,
		Lng:      *req.Lng,
	}
	if msg := strings.TrimSpace(req.Message); msg != "" {
		if len([]rune(msg)) > maxMessageLen {
			response.BadRequest(c, "message too long")
			return
		}
		alert.Message = &msg
	}
	if err := h.store.Create(c.Request.Context(), alert); err != nil {
		h.logger.Error("create masjid alert", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to save alert")
		return
	}
	response.Created(c, alert)
}

// Nearby handles GET /alerts/nearby?lat=&lng=: alerts from the last 12 hours in the caller's
// geohash cell and the eight cells around it.
func (h *Handler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		response.BadRequest(c, "lat and lng are required numbers")
		return
	}
	if !validCoords(lat, lng) {
		response.BadRequest(c, "lat or lng out of range")
		return
	}
	cell := geohash.EncodeWithPrecision(lat, lng, cellPrecision)
	cells := append([]string{cell}, geohash.Neighbors(cell)...)

	list, err := h.store.ListInCells(c.Request.Context(), cells, h.now().Add(-nearbyWindow), nearbyLimit)
	if err != nil {
		h.logger.Error("list nearby alerts", zap.String("geohash5", cell), zap.Error(err))
		response.Internal(c, "failed to list alerts")
		return
	}
	response.OK(c, gin.H{"geohash5": cell, "alerts": list})
}

func validCoords(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
