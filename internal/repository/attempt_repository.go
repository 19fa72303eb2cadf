package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const attemptColumns = `id, exam_id, student_name, client_ip, started_at, last_activity_at,
	time_remaining_seconds, exit_count, exit_pending_since, window_switch_count,
	total_offline_seconds, went_offline_at, resume_pending, completed, completed_at, score,
	total_points, time_spent_seconds, passed, auto_submitted, auto_submit_reason, updated_at`

// AttemptRepository handles attempt and answer data access. Every update is
// conditional on completed = false.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentName, &a.ClientIP, &a.StartedAt, &a.LastActivityAt,
		&a.TimeRemainingSeconds, &a.ExitCount, &a.ExitPendingSince, &a.WindowSwitchCount,
		&a.TotalOfflineSeconds, &a.WentOfflineAt, &a.ResumePending, &a.Completed, &a.CompletedAt, &a.Score,
		&a.TotalPoints, &a.TimeSpentSeconds, &a.Passed, &a.AutoSubmitted, &a.AutoSubmitReason, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAttempt retrieves an attempt by id.
func (r *AttemptRepository) GetAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
	return a, mapErr(err)
}

// FindIncomplete retrieves the open attempt of a student, matching the name
// case-insensitively.
func (r *AttemptRepository) FindIncomplete(ctx context.Context, examID uuid.UUID, studentName string) (*model.Attempt, error) {
	return r.findByName(ctx, examID, studentName, false)
}

// FindCompleted retrieves the graded attempt of a student.
func (r *AttemptRepository) FindCompleted(ctx context.Context, examID uuid.UUID, studentName string) (*model.Attempt, error) {
	return r.findByName(ctx, examID, studentName, true)
}

func (r *AttemptRepository) findByName(ctx context.Context, examID uuid.UUID, name string, completed bool) (*model.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE exam_id = $1 AND lower(student_name) = lower($2) AND completed = $3
		 ORDER BY started_at DESC
		 LIMIT 1`, examID, name, completed))
	return a, mapErr(err)
}

// CreateAttempt inserts a new attempt. The unique index on
// (exam_id, lower(student_name)) turns a concurrent duplicate into ErrConflict.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO attempts (id, exam_id, student_name, client_ip, started_at, last_activity_at, time_remaining_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING updated_at`,
		a.ID, a.ExamID, a.StudentName, a.ClientIP, a.StartedAt, a.LastActivityAt, a.TimeRemainingSeconds,
	).Scan(&a.UpdatedAt)
	return mapErr(err)
}

// UpdateAttempt applies patch when pred still holds and returns the new row.
// It returns ErrConflict when no row matched.
func (r *AttemptRepository) UpdateAttempt(ctx context.Context, id uuid.UUID, p service.AttemptPatch, pred service.AttemptPredicate) (*model.Attempt, error) {
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"updated_at = now()"}
	if p.LastActivityAt != nil {
		sets = append(sets, "last_activity_at = "+arg(*p.LastActivityAt))
	}
	if p.TimeRemainingSeconds != nil {
		sets = append(sets, "time_remaining_seconds = "+arg(*p.TimeRemainingSeconds))
	}
	if p.ExitCountDelta != 0 {
		sets = append(sets, "exit_count = exit_count + "+arg(p.ExitCountDelta))
	}
	if p.WindowSwitchDelta != 0 {
		sets = append(sets, "window_switch_count = window_switch_count + "+arg(p.WindowSwitchDelta))
	}
	if p.TotalOfflineSeconds != nil {
		sets = append(sets, "total_offline_seconds = "+arg(*p.TotalOfflineSeconds))
	}
	switch {
	case p.ClearWentOfflineAt:
		sets = append(sets, "went_offline_at = NULL")
	case p.WentOfflineAt != nil:
		sets = append(sets, "went_offline_at = "+arg(*p.WentOfflineAt))
	}
	switch {
	case p.ClearExitPending:
		sets = append(sets, "exit_pending_since = NULL")
	case p.ExitPendingSince != nil:
		sets = append(sets, "exit_pending_since = "+arg(*p.ExitPendingSince))
	}
	switch {
	case p.ClearResumePending:
		sets = append(sets, "resume_pending = false")
	case p.SetResumePending:
		sets = append(sets, "resume_pending = true")
	}

	where := []string{"id = $1", "completed = false"}
	if pred.LastActivityBefore != nil {
		where = append(where, "last_activity_at <= "+arg(*pred.LastActivityBefore))
	}
	if pred.ExitCountEquals != nil {
		where = append(where, "exit_count = "+arg(*pred.ExitCountEquals))
	}
	if pred.ExitPending != nil {
		where = append(where, nullCheck("exit_pending_since", *pred.ExitPending))
	}
	if pred.Offline != nil {
		where = append(where, nullCheck("went_offline_at", *pred.Offline))
	}
	if pred.ResumePending != nil {
		where = append(where, "resume_pending = "+arg(*pred.ResumePending))
	}

	query := `UPDATE attempts SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + attemptColumns

	a, err := scanAttempt(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrConflict
	}
	return a, mapErr(err)
}

func nullCheck(column string, set bool) string {
	if set {
		return column + " IS NOT NULL"
	}
	return column + " IS NULL"
}

// UpsertAnswer saves a selection while the attempt is open. The share lock
// on the attempt row orders the write against a concurrent completion.
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, rec *model.AnswerRecord) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, selected_option_id, seq, answered_at)
		 SELECT $1::uuid, $2::uuid, $3::text, $4::bigint, $5::timestamptz
		 WHERE EXISTS (SELECT 1 FROM attempts WHERE id = $1::uuid AND completed = false FOR SHARE)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET selected_option_id = EXCLUDED.selected_option_id,
		     seq = EXCLUDED.seq,
		     answered_at = EXCLUDED.answered_at,
		     is_correct = NULL,
		     points_awarded = 0
		 WHERE EXCLUDED.seq = 0 OR EXCLUDED.seq > attempt_answers.seq`,
		rec.AttemptID, rec.QuestionID, rec.SelectedOptionID, rec.Seq, rec.AnsweredAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListAnswers retrieves every stored answer of an attempt.
func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, question_id, selected_option_id, is_correct, points_awarded, seq, answered_at
		 FROM attempt_answers
		 WHERE attempt_id = $1`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := make([]model.AnswerRecord, 0)
	for rows.Next() {
		var a model.AnswerRecord
		if err := rows.Scan(&a.AttemptID, &a.QuestionID, &a.SelectedOptionID, &a.IsCorrect, &a.PointsAwarded, &a.Seq, &a.AnsweredAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// CompleteWithAnswers marks the attempt graded and replaces its answers in a
// single transaction. The completed = false guard makes the first caller win.
func (r *AttemptRepository) CompleteWithAnswers(ctx context.Context, id uuid.UUID, c service.Completion) (*model.Attempt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	a, err := scanAttempt(tx.QueryRow(ctx,
		`UPDATE attempts
		 SET completed = true, completed_at = $2, score = $3, total_points = $4,
		     time_spent_seconds = $5, time_remaining_seconds = $6, passed = $7,
		     auto_submitted = $8, auto_submit_reason = $9,
		     exit_pending_since = NULL, resume_pending = false, updated_at = now()
		 WHERE id = $1 AND completed = false
		 RETURNING `+attemptColumns,
		id, c.CompletedAt, c.Score, c.TotalPoints, c.TimeSpentSeconds, c.TimeRemainingSeconds,
		c.Passed, c.AutoSubmitted, c.AutoSubmitReason,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrConflict
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM attempt_answers WHERE attempt_id = $1`, id); err != nil {
		return nil, fmt.Errorf("clear answers: %w", err)
	}

	if len(c.Answers) > 0 {
		rows := make([][]any, 0, len(c.Answers))
		for _, ans := range c.Answers {
			rows = append(rows, []any{
				id, ans.QuestionID, ans.SelectedOptionID, ans.IsCorrect, ans.PointsAwarded, ans.Seq, ans.AnsweredAt,
			})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"attempt_answers"},
			[]string{"attempt_id", "question_id", "selected_option_id", "is_correct", "points_awarded", "seq", "answered_at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return nil, fmt.Errorf("copy graded answers: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// ListIncompleteExpired returns open attempts whose time, hard deadline or
// exit countdown may have run out. The filter is coarse; offline credit is
// applied by the caller.
func (r *AttemptRepository) ListIncompleteExpired(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE id IN (
		     SELECT a.id
		     FROM attempts a
		     JOIN exams e ON e.id = a.exam_id
		     WHERE a.completed = false
		       AND (
		           a.last_activity_at + make_interval(secs => a.time_remaining_seconds) <= $1
		           OR a.started_at + make_interval(secs => e.duration_seconds + e.offline_grace_seconds) <= $1
		           OR a.exit_pending_since + make_interval(secs => e.exit_warning_seconds) <= $1
		           OR (e.max_exits > 0 AND a.exit_count >= e.max_exits)
		       )
		     ORDER BY a.started_at
		     LIMIT $2
		 )`, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// ListByExam returns the admin summary of every attempt of an exam.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.AttemptSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.student_name, a.started_at, a.completed, a.completed_at, a.score, a.passed,
		        a.exit_count, a.window_switch_count,
		        (SELECT COUNT(*) FROM attempt_activities x WHERE x.attempt_id = a.id),
		        a.auto_submitted, a.auto_submit_reason
		 FROM attempts a
		 WHERE a.exam_id = $1
		 ORDER BY lower(a.student_name)`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AttemptSummary
	for rows.Next() {
		var s model.AttemptSummary
		if err := rows.Scan(&s.ID, &s.StudentName, &s.StartedAt, &s.Completed, &s.CompletedAt, &s.Score, &s.Passed,
			&s.ExitCount, &s.WindowSwitchCount, &s.ActivityCount, &s.AutoSubmitted, &s.AutoSubmitReason); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AnsweredCounts returns the number of selected answers per open attempt of
// an exam.
func (r *AttemptRepository) AnsweredCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT aa.attempt_id, COUNT(*)
		 FROM attempt_answers aa
		 JOIN attempts a ON a.id = aa.attempt_id
		 WHERE a.exam_id = $1 AND a.completed = false AND aa.selected_option_id IS NOT NULL
		 GROUP BY aa.attempt_id`,
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
