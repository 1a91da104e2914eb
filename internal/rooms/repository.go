package rooms

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamaah/backend/internal/models"
)

// ErrNotHost is returned by TransferHost when the caller no longer holds the host role.
var ErrNotHost = errors.New("caller is not the room host")

// Repository handles rooms and room_members. It is the membership oracle of the realtime engine.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a room repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a room, makes the owner its host and seeds the initial playback state, in one transaction.
func (r *Repository) Create(ctx context.Context, room *models.Room, initial models.PlaybackState) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const q = `INSERT INTO rooms (id, owner_id, title, is_live) VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id, created_at`
	if err := tx.QueryRow(ctx, q, room.OwnerID, room.Title, room.IsLive).Scan(&room.ID, &room.CreatedAt); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id, role) VALUES ($1, $2, $3)`,
		room.ID, room.OwnerID, models.RoleHost); err != nil {
		return fmt.Errorf("insert host member: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO playback_state (room_id, reciter, surah, ayah, media_url, is_playing, last_seek_seconds, host_sent_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, 0, NOW())`,
		room.ID, initial.Reciter, initial.Surah, initial.Ayah, initial.MediaURL); err != nil {
		return fmt.Errorf("insert playback state: %w", err)
	}
	return tx.Commit(ctx)
}

// GetByID returns a room by ID, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	const q = `SELECT id, owner_id, title, is_live, created_at FROM rooms WHERE id = $1`
	var room models.Room
	err := r.pool.QueryRow(ctx, q, id).Scan(&room.ID, &room.OwnerID, &room.Title, &room.IsLive, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// ListLive returns live rooms, newest first.
func (r *Repository) ListLive(ctx context.Context) ([]models.Room, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, owner_id, title, is_live, created_at FROM rooms WHERE is_live ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.Room{}
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.OwnerID, &room.Title, &room.IsLive, &room.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, room)
	}
	return list, rows.Err()
}

// GetMemberRole returns the user's stored role in the room, or models.ErrNotMember.
func (r *Repository) GetMemberRole(ctx context.Context, roomID, userID string) (models.Role, error) {
	rid, uid, ok := parseIDs(roomID, userID)
	if !ok {
		return "", models.ErrNotMember
	}
	var role models.Role
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM room_members WHERE room_id = $1 AND user_id = $2`, rid, uid).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrNotMember
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// SetMemberRole stores the user's role, creating the membership row if needed.
func (r *Repository) SetMemberRole(ctx context.Context, roomID, userID string, role models.Role) error {
	rid, uid, ok := parseIDs(roomID, userID)
	if !ok {
		return fmt.Errorf("set member role: %w", models.ErrNotMember)
	}
	return upsertRole(ctx, r.pool, rid, uid, role)
}

// TransferHost demotes from and promotes to in one transaction. It fails with ErrNotHost when from
// is no longer host, so two racing handovers cannot both succeed.
func (r *Repository) TransferHost(ctx context.Context, roomID, fromUserID, toUserID string) error {
	rid, from, ok := parseIDs(roomID, fromUserID)
	if !ok {
		return ErrNotHost
	}
	to, err := uuid.Parse(toUserID)
	if err != nil {
		return fmt.Errorf("invalid target user id: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE room_members SET role = $3 WHERE room_id = $1 AND user_id = $2 AND role = $4`,
		rid, from, models.RoleListener, models.RoleHost)
	if err != nil {
		return fmt.Errorf("demote host: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotHost
	}
	if err := upsertRole(ctx, tx, rid, to, models.RoleHost); err != nil {
		return fmt.Errorf("promote host: %w", err)
	}
	return tx.Commit(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertRole(ctx context.Context, db execer, roomID, userID uuid.UUID, role models.Role) error {
	const q = `INSERT INTO room_members (room_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = EXCLUDED.role`
	_, err := db.Exec(ctx, q, roomID, userID, role)
	return err
}

func parseIDs(roomID, userID string) (uuid.UUID, uuid.UUID, bool) {
	rid, err := uuid.Parse(roomID)
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return rid, uid, true
}
