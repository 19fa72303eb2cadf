package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const examColumns = `id, title, duration_seconds, pass_score_percent, max_exits, exit_warning_seconds,
	offline_grace_seconds, shuffle_questions, shuffle_options, show_results,
	access_code_hash IS NOT NULL, COALESCE(access_code_hash, ''), is_active, created_at, updated_at`

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

func scanExam(row pgx.Row, e *model.ExamConfig) error {
	return row.Scan(&e.ID, &e.Title, &e.DurationSeconds, &e.PassScorePercent, &e.MaxExits, &e.ExitWarningSeconds,
		&e.OfflineGraceSeconds, &e.ShuffleQuestions, &e.ShuffleOptions, &e.ShowResults,
		&e.RequiresAccessCode, &e.AccessCodeHash, &e.IsActive, &e.CreatedAt, &e.UpdatedAt)
}

// GetConfig retrieves an exam's rule snapshot by its UUID.
func (r *ExamRepository) GetConfig(ctx context.Context, id uuid.UUID) (*model.ExamConfig, error) {
	e := &model.ExamConfig{}
	err := scanExam(r.pool.QueryRow(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, id), e)
	if err != nil {
		return nil, mapErr(err)
	}
	return e, nil
}

// ListActive returns all exams open for attempts.
// Used for cache prewarming on application startup.
func (r *ExamRepository) ListActive(ctx context.Context) ([]model.ExamConfig, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+examColumns+` FROM exams WHERE is_active = true ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.ExamConfig
	for rows.Next() {
		var e model.ExamConfig
		if err := scanExam(rows, &e); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// Create inserts a new exam.
func (r *ExamRepository) Create(ctx context.Context, e *model.ExamConfig) error {
	var hash *string
	if e.AccessCodeHash != "" {
		hash = &e.AccessCodeHash
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO exams (title, duration_seconds, pass_score_percent, max_exits, exit_warning_seconds,
		                    offline_grace_seconds, shuffle_questions, shuffle_options, show_results,
		                    access_code_hash, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at, updated_at`,
		e.Title, e.DurationSeconds, e.PassScorePercent, e.MaxExits, e.ExitWarningSeconds,
		e.OfflineGraceSeconds, e.ShuffleQuestions, e.ShuffleOptions, e.ShowResults,
		hash, e.IsActive,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// SetAccessCode stores a bcrypt hash of the exam's access code. An empty
// hash removes the requirement.
func (r *ExamRepository) SetAccessCode(ctx context.Context, id uuid.UUID, hash string) error {
	var v *string
	if hash != "" {
		v = &hash
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET access_code_hash = $1, updated_at = NOW() WHERE id = $2`, v, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return service.ErrNotFound
	}
	return nil
}

// SetActive opens or closes an exam for new attempts.
func (r *ExamRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return service.ErrNotFound
	}
	return nil
}
