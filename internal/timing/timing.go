// Package timing records how long jobs take so that new jobs can be given
// a duration estimate.
package timing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	insertSQL = `INSERT INTO job_timings (kind, amount, duration_ms) VALUES ($1, $2, $3)`

	// average per-item duration over the most recent runs of a kind
	predictSQL = `
SELECT COALESCE(AVG(duration_ms::float8 / GREATEST(amount, 1)), 0)
FROM (
	SELECT amount, duration_ms FROM job_timings
	WHERE kind = $1
	ORDER BY created_at DESC
	LIMIT $2
) recent`

	predictWindow = 50
)

type Recorder struct {
	db DB
}

func NewRecorder(db DB) *Recorder {
	return &Recorder{db: db}
}

// Record stores the duration of one job that processed amount items.
func (r *Recorder) Record(ctx context.Context, kind string, amount int, d time.Duration) error {
	if _, err := r.db.Exec(ctx, insertSQL, kind, int32(max(amount, 1)), d.Milliseconds()); err != nil {
		return fmt.Errorf("failed to record job timing: %w", err)
	}
	return nil
}

// Predict estimates the duration of a job of kind over amount items. It
// returns zero when no history exists.
func (r *Recorder) Predict(ctx context.Context, kind string, amount int) (time.Duration, error) {
	var perItem float64
	err := r.db.QueryRow(ctx, predictSQL, kind, predictWindow).Scan(&perItem)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to predict job duration: %w", err)
	}
	return time.Duration(perItem*float64(max(amount, 1))) * time.Millisecond, nil
}
