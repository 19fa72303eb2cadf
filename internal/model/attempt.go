package model

import (
	"time"

	"github.com/google/uuid"
)

// AutoSubmitReason records why the server closed an attempt on the student's behalf.
type AutoSubmitReason string

const (
	AutoSubmitMaxExits    AutoSubmitReason = "max_exits"
	AutoSubmitExitTimeout AutoSubmitReason = "exit_timeout"
	AutoSubmitTimeExpired AutoSubmitReason = "time_expired"
	AutoSubmitSweep       AutoSubmitReason = "sweep"
)

// ActivityType enumerates proctoring events reported by the exam client.
type ActivityType string

const (
	ActivityFullscreenExit   ActivityType = "fullscreen_exit"
	ActivityFullscreenReturn ActivityType = "fullscreen_return"
	ActivityWindowBlur       ActivityType = "window_blur"
	ActivityDevtoolsOpen     ActivityType = "devtools_open"
	ActivityCopyAttempt      ActivityType = "copy_attempt"
	ActivityPasteAttempt     ActivityType = "paste_attempt"
	ActivityContextMenu      ActivityType = "context_menu"
	ActivityWentOffline      ActivityType = "went_offline"
	ActivityCameOnline       ActivityType = "came_online"
	ActivityExitTimeout      ActivityType = "exit_timeout"
)

// ClientActivityTypes is the set a client may report. exit_timeout is server-generated.
var ClientActivityTypes = []ActivityType{
	ActivityFullscreenExit, ActivityFullscreenReturn, ActivityWindowBlur,
	ActivityDevtoolsOpen, ActivityCopyAttempt, ActivityPasteAttempt,
	ActivityContextMenu, ActivityWentOffline, ActivityCameOnline,
}

// IsClientType reports whether t may be reported by a client.
func (t ActivityType) IsClientType() bool {
	for _, c := range ClientActivityTypes {
		if c == t {
			return true
		}
	}
	return false
}

// SuspiciousActivity is one append-only audit entry of an attempt.
type SuspiciousActivity struct {
	Type      ActivityType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Detail    string       `json:"detail,omitempty"`
}

// ActivityEntry is a SuspiciousActivity on its way to the audit table.
type ActivityEntry struct {
	AttemptID  uuid.UUID    `json:"attempt_id"`
	Type       ActivityType `json:"type"`
	Detail     string       `json:"detail,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Attempt is one student's single pass at one exam.
type Attempt struct {
	ID                   uuid.UUID            `json:"id"`
	ExamID               uuid.UUID            `json:"exam_id"`
	StudentName          string               `json:"student_name"`
	StartedAt            time.Time            `json:"started_at"`
	LastActivityAt       time.Time            `json:"last_activity_at"`
	TimeRemainingSeconds int                  `json:"time_remaining_seconds"`
	ExitCount            int                  `json:"exit_count"`
	ExitPendingSince     *time.Time           `json:"exit_pending_since,omitempty"`
	WindowSwitchCount    int                  `json:"window_switch_count"`
	TotalOfflineSeconds  int                  `json:"total_offline_seconds"`
	WentOfflineAt        *time.Time           `json:"went_offline_at,omitempty"`
	ResumePending        bool                 `json:"resume_pending"`
	SuspiciousActivities []SuspiciousActivity `json:"suspicious_activities,omitempty"`
	Completed            bool                 `json:"completed"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	Score                *float64             `json:"score,omitempty"`
	TotalPoints          float64              `json:"total_points"`
	TimeSpentSeconds     int                  `json:"time_spent_seconds"`
	Passed               *bool                `json:"passed,omitempty"`
	AutoSubmitted        bool                 `json:"auto_submitted"`
	AutoSubmitReason     *AutoSubmitReason    `json:"auto_submit_reason,omitempty"`
	ClientIP             string               `json:"-"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// IsOffline reports whether the attempt is currently inside an offline spell.
func (a *Attempt) IsOffline() bool {
	return a.WentOfflineAt != nil
}

// AnswerRecord is the per-question answer of an attempt. IsCorrect is only
// ever written by grading.
type AnswerRecord struct {
	AttemptID        uuid.UUID `json:"attempt_id"`
	QuestionID       uuid.UUID `json:"question_id"`
	SelectedOptionID *string   `json:"selected_option_id"`
	IsCorrect        *bool     `json:"is_correct,omitempty"`
	PointsAwarded    float64   `json:"points_awarded"`
	Seq              int64     `json:"seq"`
	AnsweredAt       time.Time `json:"answered_at"`
}

// AttemptSummary is the admin reporting row for an attempt.
type AttemptSummary struct {
	ID                uuid.UUID         `json:"id"`
	StudentName       string            `json:"student_name"`
	StartedAt         time.Time         `json:"started_at"`
	Completed         bool              `json:"completed"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Score             *float64          `json:"score,omitempty"`
	Passed            *bool             `json:"passed,omitempty"`
	ExitCount         int               `json:"exit_count"`
	WindowSwitchCount int               `json:"window_switch_count"`
	ActivityCount     int64             `json:"activity_count"`
	AutoSubmitted     bool              `json:"auto_submitted"`
	AutoSubmitReason  *AutoSubmitReason `json:"auto_submit_reason,omitempty"`
}

// ─── Requests ──────────────────────────────────────────────────────────

// StartAttemptRequest is the payload for starting (or recovering) an attempt.
type StartAttemptRequest struct {
	StudentName string `json:"student_name" binding:"required,student_name"`
	AccessCode  string `json:"access_code" binding:"omitempty,max=64"`
}

// SaveAnswerRequest saves a single selection. Seq, when non-zero, must grow
// monotonically per question; stale writes are dropped.
type SaveAnswerRequest struct {
	OptionID *string `json:"option_id" binding:"omitempty,max=64"`
	Seq      int64   `json:"seq" binding:"min=0"`
}

// ActivityRequest reports a proctoring event.
type ActivityRequest struct {
	Type   ActivityType `json:"type" binding:"required,activity_type"`
	Detail string       `json:"detail" binding:"omitempty,max=500"`
}

// SubmitAttemptRequest carries the client's final selections. IsCorrect is
// accepted for compatibility with older clients and ignored.
type SubmitAttemptRequest struct {
	Answers   map[string]string `json:"answers"`
	IsCorrect map[string]bool   `json:"is_correct,omitempty"`
}
