// Package presence tracks which users are connected to which room and when they were last heard from.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/jamaah/backend/internal/models"
)

// User is one present user in a Snapshot.
type User struct {
	UserID        string      `json:"user_id"`
	Role          models.Role `json:"role"`
	LastHeartbeat int64       `json:"last_heartbeat"` // unix milliseconds
}

// Snapshot is a point-in-time copy of a room's presence, users ordered by ID.
type Snapshot struct {
	RoomID string `json:"room_id"`
	Users  []User `json:"users"`
	Count  int    `json:"count"`
}

// ChangeHandler receives a snapshot after every membership change in a room. It is called while the
// room is locked, so snapshots for one room arrive in mutation order; it must not block or call
// back into the Registry.
type ChangeHandler func(Snapshot)

// Eviction names a user removed by Sweep.
type Eviction struct {
	RoomID string
	UserID string
}

type entry struct {
	role     models.Role
	lastBeat time.Time
	sessions map[string]struct{}
}

type room struct {
	mu      sync.Mutex
	id      string
	entries map[string]*entry
	dead    bool // removed from Registry.rooms; writers must look the room up again
}

// Registry owns presence entries for the lifetime of the process.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	now      func() time.Time
	onChange ChangeHandler
}

// NewRegistry creates an empty registry. now defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{rooms: make(map[string]*room), now: now}
}

// SetChangeHandler sets the callback for presence changes (e.g. snapshot broadcast).
func (r *Registry) SetChangeHandler(fn ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Join creates or refreshes the entry for (roomID, userID), records sessionID as open and
// publishes a snapshot. It reports whether the entry was newly created.
func (r *Registry) Join(roomID, userID, sessionID string, role models.Role) bool {
	rm := r.lockRoom(roomID, true)
	defer rm.mu.Unlock()

	e, ok := rm.entries[userID]
	if !ok {
		e = &entry{sessions: make(map[string]struct{})}
		rm.entries[userID] = e
	}
	e.role = role
	e.lastBeat = r.now()
	e.sessions[sessionID] = struct{}{}
	r.publish(rm)
	return !ok
}

// Touch refreshes the heartbeat of an existing entry. It is a no-op once the entry is gone.
func (r *Registry) Touch(roomID, userID string) bool {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	e, ok := rm.entries[userID]
	if !ok {
		return false
	}
	e.lastBeat = r.now()
	return true
}

// Leave closes sessionID for (roomID, userID). The entry is removed, and a snapshot published,
// only when no other session of that user remains open in the room.
func (r *Registry) Leave(roomID, userID, sessionID string) bool {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	e, ok := rm.entries[userID]
	if !ok {
		return false
	}
	delete(e.sessions, sessionID)
	if len(e.sessions) > 0 {
		return false
	}
	delete(rm.entries, userID)
	r.publish(rm)
	r.dropIfEmpty(rm)
	return true
}

// SetRoles flips the role of every listed user that is present, publishing one snapshot when
// anything changed. Absent users are skipped.
func (r *Registry) SetRoles(roomID string, roles map[string]models.Role) bool {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	changed := false
	for userID, role := range roles {
		if e, ok := rm.entries[userID]; ok && e.role != role {
			e.role = role
			changed = true
		}
	}
	if changed {
		r.publish(rm)
	}
	return changed
}

// Publish pushes the room's current snapshot through the change handler. Unknown rooms have
// nobody present and publish nothing.
func (r *Registry) Publish(roomID string) bool {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	r.publish(rm)
	return true
}

// Role returns the in-memory role of a present user.
func (r *Registry) Role(roomID, userID string) (models.Role, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return "", false
	}
	defer rm.mu.Unlock()
	e, ok := rm.entries[userID]
	if !ok {
		return "", false
	}
	return e.role, true
}

// Snapshot returns the current presence of a room. Unknown rooms yield an empty snapshot.
func (r *Registry) Snapshot(roomID string) Snapshot {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return Snapshot{RoomID: roomID, Users: []User{}}
	}
	defer rm.mu.Unlock()
	return rm.snapshot()
}

// Sweep evicts every entry whose last heartbeat is older than staleAfter. Each room with at least
// one eviction publishes exactly one snapshot; rooms left empty are dropped.
func (r *Registry) Sweep(staleAfter time.Duration) []Eviction {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	now := r.now()
	var evicted []Eviction
	for _, rm := range rooms {
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		changed := false
		for userID, e := range rm.entries {
			if now.Sub(e.lastBeat) > staleAfter {
				delete(rm.entries, userID)
				evicted = append(evicted, Eviction{RoomID: rm.id, UserID: userID})
				changed = true
			}
		}
		if changed {
			r.publish(rm)
		}
		r.dropIfEmpty(rm)
		rm.mu.Unlock()
	}
	return evicted
}

// RoomCount returns the number of rooms with at least one present user.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// lockRoom returns the room locked. With create=false it returns nil for unknown rooms.
func (r *Registry) lockRoom(roomID string, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[roomID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{id: roomID, entries: make(map[string]*entry)}
			r.rooms[roomID] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.dead {
			return rm
		}
		rm.mu.Unlock()
	}
}

// dropIfEmpty must be called with rm.mu held.
func (r *Registry) dropIfEmpty(rm *room) {
	if len(rm.entries) > 0 {
		return
	}
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
	rm.dead = true
}

// publish must be called with rm.mu held.
func (r *Registry) publish(rm *room) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(rm.snapshot())
	}
}

func (rm *room) snapshot() Snapshot {
	users := make([]User, 0, len(rm.entries))
	for userID, e := range rm.entries {
		users = append(users, User{UserID: userID, Role: e.role, LastHeartbeat: e.lastBeat.UnixMilli()})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return Snapshot{RoomID: rm.id, Users: users, Count: len(users)}
}
