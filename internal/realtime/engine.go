package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamaah/backend/internal/auth"
	"github.com/jamaah/backend/internal/models"
	"github.com/jamaah/backend/internal/presence"
)

var (
	ErrMissingToken          = errors.New("missing token")
	ErrMissingRoom           = errors.New("missing room_id")
	ErrInvalidToken          = errors.New("invalid token")
	ErrMembershipUnavailable = errors.New("membership lookup failed")
	ErrNotHost               = errors.New("only the room host can do this")
	ErrInvalidTarget         = errors.New("invalid handover target")
	ErrPartialHandover       = errors.New("handover partially applied")
)

// IdentityVerifier resolves a bearer token to a user.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (auth.Identity, error)
}

// MembershipOracle looks up and changes a user's role in a room.
// GetMemberRole returns models.ErrNotMember when the user has no membership row.
type MembershipOracle interface {
	GetMemberRole(ctx context.Context, roomID, userID string) (models.Role, error)
	SetMemberRole(ctx context.Context, roomID, userID string, role models.Role) error
}

// HostTransferer is implemented by oracles that can demote and promote in one transaction.
type HostTransferer interface {
	TransferHost(ctx context.Context, roomID, fromUserID, toUserID string) error
}

// PlaybackStore persists the latest playback command of a room.
type PlaybackStore interface {
	PersistPlaybackState(ctx context.Context, roomID string, cmd models.PlaybackCommand) error
}

// PresenceHook is notified when a user becomes present in, or leaves, a room.
type PresenceHook func(roomID, userID string)

// Engine ties admission, presence, playback and handover together for every room.
type Engine struct {
	registry *presence.Registry
	hub      *Hub
	verifier IdentityVerifier
	oracle   MembershipOracle
	store    PlaybackStore
	logger   *zap.Logger
	now      func() time.Time

	hookMu  sync.RWMutex
	onJoin  PresenceHook
	onLeave PresenceHook

	// handovers serializes the external role write with the in-memory flip per room.
	handovers *roomLocks
	live      sync.WaitGroup
}

// NewEngine creates the engine and wires presence changes and remote events into the hub.
func NewEngine(registry *presence.Registry, hub *Hub, verifier IdentityVerifier, oracle MembershipOracle, store PlaybackStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		registry:  registry,
		hub:       hub,
		verifier:  verifier,
		oracle:    oracle,
		store:     store,
		logger:    logger,
		now:       time.Now,
		handovers: newRoomLocks(),
	}
	registry.SetChangeHandler(e.publishPresence)
	hub.SetRemoteHandler(e.handleRemote)
	return e
}

// SetSessionLogger sets callbacks for users joining and leaving rooms (e.g. attendance logs).
func (e *Engine) SetSessionLogger(onJoin, onLeave PresenceHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onJoin = onJoin
	e.onLeave = onLeave
}

// Admit authenticates a connection attempt and resolves the user's role. It creates no state;
// call Join once the transport is open.
func (e *Engine) Admit(ctx context.Context, token, roomID string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrMissingRoom
	}
	id, err := e.verifier.VerifyToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	role, err := e.oracle.GetMemberRole(ctx, roomID, id.UserID)
	switch {
	case errors.Is(err, models.ErrNotMember):
		role = models.RoleListener
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMembershipUnavailable, err)
	case !role.Valid():
		role = models.RoleListener
	}

	return &Session{
		ID:     uuid.NewString(),
		RoomID: roomID,
		UserID: id.UserID,
		Email:  id.Email,
		role:   role,
	}, nil
}

// Join attaches an admitted session to its transport, marks the user present and pushes a
// presence snapshot to the whole room, the new session included.
func (e *Engine) Join(s *Session, out Sender) {
	s.out = out
	s.JoinedAt = e.now()
	e.live.Add(1)
	e.hub.Register(s)
	if e.registry.Join(s.RoomID, s.UserID, s.ID, s.Role()) {
		e.notify(true, s.RoomID, s.UserID)
	}
	e.logger.Info("session admitted",
		zap.String("session_id", s.ID), zap.String("room_id", s.RoomID),
		zap.String("user_id", s.UserID), zap.String("role", string(s.Role())))
}

// Heartbeat refreshes the user's liveness. It never broadcasts.
func (e *Engine) Heartbeat(s *Session) {
	e.registry.Touch(s.RoomID, s.UserID)
}

// SubmitPlaybackCommand fans a host's command out to every session in the room, the host's other
// devices included. Commands from non-hosts return ErrNotHost and reach nobody.
func (e *Engine) SubmitPlaybackCommand(s *Session, cmd models.PlaybackCommand) error {
	if s.Role() != models.RoleHost {
		return ErrNotHost
	}
	if cmd.HostSentAt.IsZero() {
		cmd.HostSentAt = e.now().UTC()
	}
	e.hub.BroadcastAndPublish(s.RoomID, EventPlaybackUpdate, cmd)
	return nil
}

// ApplyPlayback is the request/response counterpart of SubmitPlaybackCommand: the caller's role is
// re-verified with the oracle and the command persisted before it is broadcast.
func (e *Engine) ApplyPlayback(ctx context.Context, userID, roomID string, cmd models.PlaybackCommand) (models.PlaybackCommand, error) {
	if err := e.requireHost(ctx, roomID, userID); err != nil {
		return cmd, err
	}
	if cmd.HostSentAt.IsZero() {
		cmd.HostSentAt = e.now().UTC()
	}
	if err := e.store.PersistPlaybackState(ctx, roomID, cmd); err != nil {
		return cmd, fmt.Errorf("persist playback state: %w", err)
	}
	e.hub.BroadcastAndPublish(roomID, EventPlaybackUpdate, cmd)
	return cmd, nil
}

// Handover transfers host authority from the session's user to target. Non-hosts get ErrNotHost.
func (e *Engine) Handover(ctx context.Context, s *Session, target string) error {
	unlock := e.handovers.lock(s.RoomID)
	defer unlock()
	if s.Role() != models.RoleHost {
		return ErrNotHost
	}
	return e.handover(ctx, s.RoomID, s.UserID, target)
}

// HandoverAs is Handover for callers without a session; the role is checked with the oracle.
func (e *Engine) HandoverAs(ctx context.Context, userID, roomID, target string) error {
	unlock := e.handovers.lock(roomID)
	defer unlock()
	if err := e.requireHost(ctx, roomID, userID); err != nil {
		return err
	}
	return e.handover(ctx, roomID, userID, target)
}

// Disconnect detaches the session. The user stays present while another of their sessions is open.
// Calling it more than once is safe.
func (e *Engine) Disconnect(s *Session) {
	s.leave.Do(func() {
		e.hub.Unregister(s)
		if e.registry.Leave(s.RoomID, s.UserID, s.ID) {
			e.notify(false, s.RoomID, s.UserID)
		}
		e.logger.Info("session closed",
			zap.String("session_id", s.ID), zap.String("room_id", s.RoomID), zap.String("user_id", s.UserID))
		e.live.Done()
	})
}

// Drain waits until every joined session has run Disconnect, or ctx is done. Close the transports
// first (Hub.CloseAll) so the read loops exit.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the room's current presence.
func (e *Engine) Snapshot(roomID string) presence.Snapshot {
	return e.registry.Snapshot(roomID)
}

// NotifyEvicted reports users removed by the sweeper to the session logger.
func (e *Engine) NotifyEvicted(roomID, userID string) {
	e.notify(false, roomID, userID)
}

func (e *Engine) requireHost(ctx context.Context, roomID, userID string) error {
	role, err := e.oracle.GetMemberRole(ctx, roomID, userID)
	switch {
	case errors.Is(err, models.ErrNotMember):
		return ErrNotHost
	case err != nil:
		return fmt.Errorf("%w: %v", ErrMembershipUnavailable, err)
	case role != models.RoleHost:
		return ErrNotHost
	}
	return nil
}

// handover must be called with the room's handover lock held.
func (e *Engine) handover(ctx context.Context, roomID, from, to string) error {
	to = strings.TrimSpace(to)
	if to == "" || to == from {
		return ErrInvalidTarget
	}

	flips := make(map[string]models.Role, 2)
	if tx, ok := e.oracle.(HostTransferer); ok {
		if err := tx.TransferHost(ctx, roomID, from, to); err != nil {
			return fmt.Errorf("transfer host: %w", err)
		}
		flips[from] = models.RoleListener
		flips[to] = models.RoleHost
	} else {
		if err := e.oracle.SetMemberRole(ctx, roomID, from, models.RoleListener); err != nil {
			return fmt.Errorf("demote host: %w", err)
		}
		flips[from] = models.RoleListener
		if err := e.oracle.SetMemberRole(ctx, roomID, to, models.RoleHost); err != nil {
			e.applyRoles(roomID, flips)
			e.logger.Error("handover left room without promoted host",
				zap.String("room_id", roomID), zap.String("from", from), zap.String("to", to), zap.Error(err))
			return fmt.Errorf("%w: promote %s: %v", ErrPartialHandover, to, err)
		}
		flips[to] = models.RoleHost
	}

	e.applyRoles(roomID, flips)
	e.hub.BroadcastAndPublish(roomID, EventHostChanged, HostChanged{NewHostUserID: to, PreviousHostUserID: from})
	e.logger.Info("host handed over", zap.String("room_id", roomID), zap.String("from", from), zap.String("to", to))
	return nil
}

// applyRoles flips cached session roles and presence roles, then makes sure the room sees a
// snapshot even when no present user changed.
func (e *Engine) applyRoles(roomID string, roles map[string]models.Role) {
	for userID, role := range roles {
		e.hub.SetUserRole(roomID, userID, role)
	}
	if !e.registry.SetRoles(roomID, roles) {
		e.registry.Publish(roomID)
	}
}

func (e *Engine) publishPresence(snap presence.Snapshot) {
	e.hub.Broadcast(snap.RoomID, EventPresenceUpdate, snap)
}

// handleRemote applies events published by other instances to local sessions.
func (e *Engine) handleRemote(roomID, event string, payload []byte) {
	if event == EventHostChanged {
		var hc HostChanged
		if err := json.Unmarshal(payload, &hc); err != nil || hc.NewHostUserID == "" {
			e.logger.Warn("drop malformed remote host change", zap.String("room_id", roomID))
			return
		}
		roles := map[string]models.Role{hc.NewHostUserID: models.RoleHost}
		if hc.PreviousHostUserID != "" {
			roles[hc.PreviousHostUserID] = models.RoleListener
		}
		unlock := e.handovers.lock(roomID)
		e.applyRoles(roomID, roles)
		unlock()
	}
	e.hub.Broadcast(roomID, event, json.RawMessage(payload))
}

func (e *Engine) notify(joined bool, roomID, userID string) {
	e.hookMu.RLock()
	fn := e.onLeave
	if joined {
		fn = e.onJoin
	}
	e.hookMu.RUnlock()
	if fn != nil {
		fn(roomID, userID)
	}
}
