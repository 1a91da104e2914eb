package realtime

// Client → server events.
const (
	EventBeat         = "beat"
	EventPlaybackPing = "playback:ping"
	EventHandover     = "host:handover"
)

// Server → client events.
const (
	EventPresenceUpdate = "presence:update"
	EventPlaybackUpdate = "playback:update"
	EventHostChanged    = "host:changed"
)

// HandoverRequest is the payload of host:handover.
type HandoverRequest struct {
	ToUserID string `json:"to_user_id"`
}

// HostChanged is the payload of host:changed.
type HostChanged struct {
	NewHostUserID      string `json:"new_host_user_id"`
	PreviousHostUserID string `json:"previous_host_user_id,omitempty"`
}
