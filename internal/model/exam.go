package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ExamConfig is the rule snapshot an attempt runs under. It is read-only for
// the lifetime of an attempt.
type ExamConfig struct {
	ID                  uuid.UUID `json:"id"`
	Title               string    `json:"title"`
	DurationSeconds     int       `json:"duration_seconds"`
	PassScorePercent    float64   `json:"pass_score_percent"`
	MaxExits            int       `json:"max_exits"`
	ExitWarningSeconds  int       `json:"exit_warning_seconds"`
	OfflineGraceSeconds int       `json:"offline_grace_seconds"`
	ShuffleQuestions    bool      `json:"shuffle_questions"`
	ShuffleOptions      bool      `json:"shuffle_options"`
	ShowResults         bool      `json:"show_results"`
	RequiresAccessCode  bool      `json:"requires_access_code"`
	AccessCodeHash      string    `json:"-"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Validate checks the invariants the session engine relies on.
func (c *ExamConfig) Validate() error {
	switch {
	case c.DurationSeconds <= 0:
		return errors.New("duration_seconds must be positive")
	case c.ExitWarningSeconds < 0:
		return errors.New("exit_warning_seconds must not be negative")
	case c.OfflineGraceSeconds < 0:
		return errors.New("offline_grace_seconds must not be negative")
	case c.MaxExits < 0:
		return errors.New("max_exits must not be negative")
	case c.PassScorePercent < 0 || c.PassScorePercent > 100:
		return errors.New("pass_score_percent must be within 0..100")
	}
	return nil
}

// Duration returns the exam length as a time.Duration.
func (c *ExamConfig) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// ExamPayload is the Redis-cached paper sent to students (no correct answers).
type ExamPayload struct {
	ExamID              uuid.UUID            `json:"exam_id"`
	Title               string               `json:"title"`
	DurationSeconds     int                  `json:"duration_seconds"`
	MaxExits            int                  `json:"max_exits"`
	ExitWarningSeconds  int                  `json:"exit_warning_seconds"`
	OfflineGraceSeconds int                  `json:"offline_grace_seconds"`
	RequiresAccessCode  bool                 `json:"requires_access_code"`
	Questions           []QuestionForStudent `json:"questions"`
}

// CreateExamRequest is the payload used by the seeding tool.
type CreateExamRequest struct {
	Title               string  `json:"title" binding:"required,min=3,max=255"`
	DurationSeconds     int     `json:"duration_seconds" binding:"required,min=1,max=28800"`
	PassScorePercent    float64 `json:"pass_score_percent" binding:"min=0,max=100"`
	MaxExits            int     `json:"max_exits" binding:"min=0,max=100"`
	ExitWarningSeconds  int     `json:"exit_warning_seconds" binding:"min=0,max=600"`
	OfflineGraceSeconds int     `json:"offline_grace_seconds" binding:"min=0,max=3600"`
	ShuffleQuestions    bool    `json:"shuffle_questions"`
	ShuffleOptions      bool    `json:"shuffle_options"`
	ShowResults         bool    `json:"show_results"`
}
