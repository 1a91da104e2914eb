package realtime

import (
	"sync"
	"time"

	"github.com/jamaah/backend/internal/models"
)

// Sender delivers outbound messages to one connection. Send must not block; it returns false when
// the message could not be queued. Close tears the connection down and may be called more than once.
type Sender interface {
	Send(msg WSMessage) bool
	Close()
}

// Session is one admitted connection of a user to a room.
type Session struct {
	ID       string
	RoomID   string
	UserID   string
	Email    string
	JoinedAt time.Time

	mu   sync.RWMutex
	role models.Role

	out   Sender
	leave sync.Once
}

// Role returns the role cached at admission, updated by handovers.
func (s *Session) Role() models.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) setRole(role models.Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

func (s *Session) deliver(msg WSMessage) bool {
	if s.out == nil {
		return false
	}
	return s.out.Send(msg)
}
