package sessionlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamaah/backend/internal/models"
)

// ErrNoOpenSession is returned by LogLeave when the matching join has not been recorded yet.
var ErrNoOpenSession = errors.New("no open session")

// Repository handles room_session_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin opens a session row for a user who became present in a room.
func (r *Repository) LogJoin(ctx context.Context, roomID, userID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO room_session_logs (room_id, user_id, joined_at) VALUES ($1, $2, $3)`,
		roomID, userID, at)
	return err
}

// LogLeave closes the most recent open session of this user in this room.
func (r *Repository) LogLeave(ctx context.Context, roomID, userID uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE room_session_logs u SET left_at = $3, listen_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - u.joined_at))::BIGINT)
		 FROM (SELECT id FROM room_session_logs WHERE room_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE u.id = sub.id`,
		roomID, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoOpenSession
	}
	return nil
}

// ListenAggregates holds total listen time and distinct listener count for a room.
type ListenAggregates struct {
	TotalListenSeconds int64
	DistinctListeners  int
	Sessions           int
}

// GetListenAggregates sums closed sessions of a room.
func (r *Repository) GetListenAggregates(ctx context.Context, roomID uuid.UUID) (*ListenAggregates, error) {
	const q = `SELECT COALESCE(SUM(listen_seconds), 0), COUNT(DISTINCT user_id), COUNT(*)
		FROM room_session_logs WHERE room_id = $1 AND left_at IS NOT NULL`
	var agg ListenAggregates
	if err := r.pool.QueryRow(ctx, q, roomID).Scan(&agg.TotalListenSeconds, &agg.DistinctListeners, &agg.Sessions); err != nil {
		return nil, err
	}
	return &agg, nil
}

// ListByRoom returns the room's sessions, newest first.
func (r *Repository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]models.RoomSessionLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, user_id, joined_at, left_at, listen_seconds
		 FROM room_session_logs WHERE room_id = $1 ORDER BY joined_at DESC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.RoomSessionLog{}
	for rows.Next() {
		var row models.RoomSessionLog
		if err := rows.Scan(&row.ID, &row.RoomID, &row.UserID, &row.JoinedAt, &row.LeftAt, &row.ListenSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
