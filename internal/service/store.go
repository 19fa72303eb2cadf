package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptPatch lists the attempt columns an update writes. Nil pointers and
// zero deltas leave a column untouched.
type AttemptPatch struct {
	LastActivityAt       *time.Time
	TimeRemainingSeconds *int
	ExitCountDelta       int
	WindowSwitchDelta    int
	TotalOfflineSeconds  *int
	WentOfflineAt        *time.Time
	ClearWentOfflineAt   bool
	ExitPendingSince     *time.Time
	ClearExitPending     bool
	// SetResumePending and ClearResumePending toggle the resume gate.
	SetResumePending   bool
	ClearResumePending bool
}

// AttemptPredicate narrows an update to a state the caller observed.
// Every update additionally requires completed = false.
type AttemptPredicate struct {
	// LastActivityBefore requires last_activity_at <= the given instant.
	LastActivityBefore *time.Time
	ExitCountEquals    *int
	// ExitPending requires exit_pending_since to be set (true) or unset (false).
	ExitPending *bool
	// Offline requires went_offline_at to be set (true) or unset (false).
	Offline *bool
	// ResumePending requires resume_pending to equal the given value.
	ResumePending *bool
}

// Completion is everything written when an attempt is graded.
type Completion struct {
	CompletedAt          time.Time
	Score                float64
	TotalPoints          float64
	TimeSpentSeconds     int
	TimeRemainingSeconds int
	Passed               bool
	AutoSubmitted        bool
	AutoSubmitReason     *model.AutoSubmitReason
	Answers              []model.AnswerRecord
}

// AttemptStore persists attempts and their answers. Implementations must
// make UpdateAttempt and CompleteWithAnswers conditional writes: when the
// predicate (or completed = false) no longer holds they return ErrConflict
// and write nothing.
type AttemptStore interface {
	GetAttempt(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	FindIncomplete(ctx context.Context, examID uuid.UUID, studentName string) (*model.Attempt, error)
	FindCompleted(ctx context.Context, examID uuid.UUID, studentName string) (*model.Attempt, error)
	// CreateAttempt returns ErrConflict when an incomplete attempt for the
	// same exam and case-folded name already exists.
	CreateAttempt(ctx context.Context, a *model.Attempt) error
	UpdateAttempt(ctx context.Context, id uuid.UUID, patch AttemptPatch, pred AttemptPredicate) (*model.Attempt, error)
	// UpsertAnswer reports whether the write was applied. A record whose Seq
	// is not greater than the stored one is ignored, unless Seq is 0.
	UpsertAnswer(ctx context.Context, rec *model.AnswerRecord) (bool, error)
	ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerRecord, error)
	// CompleteWithAnswers replaces all answer records and marks the attempt
	// completed in one atomic unit.
	CompleteWithAnswers(ctx context.Context, id uuid.UUID, c Completion) (*model.Attempt, error)
	// ListIncompleteExpired returns incomplete attempts that may have run out
	// of time as of now. Callers re-check each one.
	ListIncompleteExpired(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.AttemptSummary, error)
}

// Catalog is the read side of exam authoring.
type Catalog interface {
	GetExamConfig(ctx context.Context, examID uuid.UUID) (*model.ExamConfig, error)
	GetQuestionsForStudent(ctx context.Context, examID uuid.UUID) ([]model.QuestionForStudent, error)
	GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error)
}

// ActivityRecorder appends to an attempt's suspicious-activity log.
type ActivityRecorder interface {
	Record(ctx context.Context, attemptID uuid.UUID, act model.SuspiciousActivity) error
	List(ctx context.Context, attemptID uuid.UUID) ([]model.SuspiciousActivity, error)
}

// EventPublisher fans attempt events out to monitors and downstream
// consumers. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev AttemptEvent)
}
