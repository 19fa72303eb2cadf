package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ActivityRepository is the append-only suspicious-activity log.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(pool *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{pool: pool}
}

// InsertActivity writes a single entry.
func (r *ActivityRepository) InsertActivity(ctx context.Context, e model.ActivityEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_activities (attempt_id, activity_type, detail, recorded_at)
		 VALUES ($1, $2, $3, $4)`,
		e.AttemptID, e.Type, e.Detail, e.RecordedAt,
	)
	return err
}

// CopyActivities bulk-inserts a batch with COPY.
func (r *ActivityRepository) CopyActivities(ctx context.Context, batch []model.ActivityEntry) error {
	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []any{e.AttemptID, string(e.Type), e.Detail, e.RecordedAt})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"attempt_activities"},
		[]string{"attempt_id", "activity_type", "detail", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// ListByAttempt returns an attempt's log in recording order.
func (r *ActivityRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.SuspiciousActivity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT activity_type, detail, recorded_at
		 FROM attempt_activities
		 WHERE attempt_id = $1
		 ORDER BY recorded_at, id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acts []model.SuspiciousActivity
	for rows.Next() {
		var a model.SuspiciousActivity
		if err := rows.Scan(&a.Type, &a.Detail, &a.Timestamp); err != nil {
			return nil, err
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

// CountsByExam returns the number of logged activities per attempt of an exam.
func (r *ActivityRepository) CountsByExam(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT x.attempt_id, COUNT(*)
		 FROM attempt_activities x
		 JOIN attempts a ON a.id = x.attempt_id
		 WHERE a.exam_id = $1
		 GROUP BY x.attempt_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}
