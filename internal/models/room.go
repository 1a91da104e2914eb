package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role is a participant's role inside a room.
type Role string

const (
	RoleHost     Role = "host"
	RoleListener Role = "listener"
)

// Valid reports whether r is a known room role.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleListener
}

// ErrNotMember is returned by membership lookups when no room_members row exists.
var ErrNotMember = errors.New("not a room member")

// Room represents a live listening session.
type Room struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Title     string    `json:"title"`
	IsLive    bool      `json:"is_live"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomMember links a user to a room with a role.
type RoomMember struct {
	RoomID   uuid.UUID `json:"room_id"`
	UserID   uuid.UUID `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}
