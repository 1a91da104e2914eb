package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// PlaybackCommand is a host-issued description of room playback. Nil fields were not
// set by the host and are left out of the broadcast and of the persisted update.
type PlaybackCommand struct {
	IsPlaying       *bool     `json:"is_playing,omitempty"`
	LastSeekSeconds *float64  `json:"last_seek_seconds,omitempty"`
	HostSentAt      time.Time `json:"host_sent_at"`
	Reciter         *string   `json:"reciter,omitempty"`
	Surah           *int      `json:"surah,omitempty"`
	Ayah            *int      `json:"ayah,omitempty"`
	MediaURL        *string   `json:"media_url,omitempty"`
}

// UnmarshalJSON accepts host_sent_at as an RFC 3339 string or as unix milliseconds. An
// unreadable timestamp is left zero so the server clock fills it in; it never rejects the command.
func (c *PlaybackCommand) UnmarshalJSON(data []byte) error {
	type plain PlaybackCommand
	aux := struct {
		*plain
		HostSentAt json.RawMessage `json:"host_sent_at"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.HostSentAt = parseHostTime(aux.HostSentAt)
	return nil
}

func parseHostTime(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	if raw[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return time.Time{}
		}
		return t
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

// PlaybackState is the persisted latest playback state of a room (playback_state row).
type PlaybackState struct {
	RoomID          string     `json:"room_id"`
	Reciter         string     `json:"reciter"`
	Surah           int        `json:"surah"`
	Ayah            int        `json:"ayah"`
	MediaURL        *string    `json:"media_url,omitempty"`
	IsPlaying       bool       `json:"is_playing"`
	LastSeekSeconds float64    `json:"last_seek_seconds"`
	HostSentAt      time.Time  `json:"host_sent_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}
