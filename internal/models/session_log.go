package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomSessionLog tracks when a user was present in a room and for how long.
type RoomSessionLog struct {
	ID            uuid.UUID  `json:"id"`
	RoomID        uuid.UUID  `json:"room_id"`
	UserID        uuid.UUID  `json:"user_id"`
	JoinedAt      time.Time  `json:"joined_at"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
	ListenSeconds int64      `json:"listen_seconds"`
}
