package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for transport-level keepalive, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// RemoteHandler is called for room events published by other instances.
type RemoteHandler func(roomID, event string, payload []byte)

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishRoomEvent(roomID, event string, payload []byte) error
}

// RedisSubscriber delivers room events published by other instances.
type RedisSubscriber interface {
	SubscribeRooms(handler func(roomID, event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains room_id -> set of sessions and fans messages out to them.
// Playback and host events are also published to Redis so sessions held by other instances see them.
type Hub struct {
	// roomID -> map[sessionID]*Session
	rooms    map[string]map[string]*Session
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	onRemote RemoteHandler
}

// NewHub creates a new hub. redisPub and redisSub may be nil for a single-instance deployment.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[string]map[string]*Session),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetRemoteHandler sets the callback for events arriving from other instances.
func (h *Hub) SetRemoteHandler(fn RemoteHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRemote = fn
}

// Listen subscribes to events from other instances. Events for rooms with no local sessions are dropped.
// The returned function cancels the subscription.
func (h *Hub) Listen() (func(), error) {
	if h.redisSub == nil {
		return func() {}, nil
	}
	return h.redisSub.SubscribeRooms(func(roomID, event string, payload []byte) {
		h.mu.RLock()
		_, local := h.rooms[roomID]
		fn := h.onRemote
		h.mu.RUnlock()
		if !local || fn == nil {
			return
		}
		fn(roomID, event, payload)
	})
}

// Register adds a session to its room's broadcast group.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	if h.rooms[s.RoomID] == nil {
		h.rooms[s.RoomID] = make(map[string]*Session)
	}
	h.rooms[s.RoomID][s.ID] = s
	h.mu.Unlock()
	h.logger.Debug("session joined room", zap.String("session_id", s.ID), zap.String("room_id", s.RoomID), zap.String("user_id", s.UserID))
}

// Unregister removes a session from its room's broadcast group.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if m, ok := h.rooms[s.RoomID]; ok {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(h.rooms, s.RoomID)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("session left room", zap.String("session_id", s.ID), zap.String("room_id", s.RoomID), zap.String("user_id", s.UserID))
}

// Broadcast sends a message to every local session in a room. A session whose buffer is full is
// closed; its read loop then runs the disconnect cleanup.
func (h *Hub) Broadcast(roomID, event string, payload interface{}) {
	msg, err := newMessage(event, payload)
	if err != nil {
		h.logger.Error("marshal room event", zap.String("event", event), zap.Error(err))
		return
	}

	for _, s := range h.sessions(roomID) {
		if !s.deliver(msg) {
			h.logger.Warn("session send failed, closing",
				zap.String("session_id", s.ID), zap.String("room_id", roomID), zap.String("event", event))
			if s.out != nil {
				s.out.Close()
			}
		}
	}
}

// BroadcastAndPublish sends to local sessions and publishes to Redis for other instances.
func (h *Hub) BroadcastAndPublish(roomID, event string, payload interface{}) {
	h.Broadcast(roomID, event, payload)
	if h.redis == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.redis.PublishRoomEvent(roomID, event, data); err != nil {
		h.logger.Warn("publish room event", zap.String("room_id", roomID), zap.String("event", event), zap.Error(err))
	}
}

// SetUserRole updates the cached role of every local session the user holds in the room.
func (h *Hub) SetUserRole(roomID, userID string, role models.Role) int {
	n := 0
	for _, s := range h.sessions(roomID) {
		if s.UserID == userID {
			s.setRole(role)
			n++
		}
	}
	return n
}

// CloseAll closes every local connection. Used on shutdown; each read loop then runs its cleanup.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	var all []*Session
	for _, m := range h.rooms {
		for _, s := range m {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		if s.out != nil {
			s.out.Close()
		}
	}
	return len(all)
}

// ConnectionCount returns the number of local sessions in a room.
func (h *Hub) ConnectionCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) sessions(roomID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.rooms[roomID]
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func newMessage(event string, payload interface{}) (WSMessage, error) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return WSMessage{}, err
		}
	}
	return WSMessage{Event: event, Data: data}, nil
}
