package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamaah/backend/internal/models"
)

// ErrNoState is returned when a room has no playback_state row.
var ErrNoState = errors.New("playback state not found")

// Repository handles playback_state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a playback state repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PersistPlaybackState writes the fields the command carries and leaves the others untouched.
func (r *Repository) PersistPlaybackState(ctx context.Context, roomID string, cmd models.PlaybackCommand) error {
	rid, err := uuid.Parse(roomID)
	if err != nil {
		return ErrNoState
	}
	const q = `UPDATE playback_state SET
			reciter = COALESCE($2, reciter),
			surah = COALESCE($3, surah),
			ayah = COALESCE($4, ayah),
			media_url = COALESCE($5, media_url),
			is_playing = COALESCE($6, is_playing),
			last_seek_seconds = COALESCE($7, last_seek_seconds),
			host_sent_at = $8,
			updated_at = NOW()
		WHERE room_id = $1`
	tag, err := r.pool.Exec(ctx, q, rid, cmd.Reciter, cmd.Surah, cmd.Ayah, cmd.MediaURL, cmd.IsPlaying, cmd.LastSeekSeconds, cmd.HostSentAt)
	if err != nil {
		return fmt.Errorf("update playback state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoState
	}
	return nil
}

// Get returns the room's latest playback state.
func (r *Repository) Get(ctx context.Context, roomID string) (*models.PlaybackState, error) {
	rid, err := uuid.Parse(roomID)
	if err != nil {
		return nil, ErrNoState
	}
	const q = `SELECT reciter, surah, ayah, media_url, is_playing, last_seek_seconds, host_sent_at, updated_at
		FROM playback_state WHERE room_id = $1`
	st := models.PlaybackState{RoomID: rid.String()}
	err = r.pool.QueryRow(ctx, q, rid).Scan(&st.Reciter, &st.Surah, &st.Ayah, &st.MediaURL, &st.IsPlaying, &st.LastSeekSeconds, &st.HostSentAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
