package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jamaah/backend/internal/models"
)

// Repository handles masjid_alerts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an alerts repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts an alert and fills in its ID and CreatedAt.
func (r *Repository) Create(ctx context.Context, a *models.MasjidAlert) error {
	const q = `INSERT INTO masjid_alerts (user_id, geohash5, lat, lng, message) VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	if err := r.pool.QueryRow(ctx, q, a.UserID, a.Geohash5, a.Lat, a.Lng, a.Message).Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("insert masjid alert: %w", err)
	}
	return nil
}

// ListInCells returns alerts created since the given time in any of the cells, newest first.
func (r *Repository) ListInCells(ctx context.Context, cells []string, since time.Time, limit int) ([]models.MasjidAlert, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, geohash5, lat, lng, message, created_at FROM masjid_alerts
		 WHERE geohash5 = ANY($1) AND created_at >= $2
		 ORDER BY created_at DESC LIMIT $3`, cells, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.MasjidAlert{}
	for rows.Next() {
		var a models.MasjidAlert
		if err := rows.Scan(&a.ID, &a.UserID, &a.Geohash5, &a.Lat, &a.Lng, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
