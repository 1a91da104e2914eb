package models

import (
	"time"

	"github.com/google/uuid"
)

// MasjidAlert is a "heading to the masjid" ping, bucketed by a 5-character geohash cell.
type MasjidAlert struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Geohash5  string    `json:"geohash5"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Message   *string   `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
