package model

import (
	"github.com/google/uuid"
)

// Option is one choice of a multiple-choice question.
type Option struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// Question represents a single exam question with its ordered options.
// Exactly one option is correct; authoring enforces this.
type Question struct {
	ID           uuid.UUID `json:"id"`
	ExamID       uuid.UUID `json:"exam_id"`
	QuestionText string    `json:"question_text"`
	Options      []Option  `json:"options"`
	Points       float64   `json:"points"`
	OrderNum     int       `json:"order_num"`
}

// CorrectOptionID returns the id of the correct option, or "" if none is flagged.
func (q *Question) CorrectOptionID() string {
	for _, o := range q.Options {
		if o.IsCorrect {
			return o.ID
		}
	}
	return ""
}

// ForStudent strips correctness flags.
func (q *Question) ForStudent() QuestionForStudent {
	opts := make([]OptionForStudent, len(q.Options))
	for i, o := range q.Options {
		opts[i] = OptionForStudent{ID: o.ID, Text: o.Text}
	}
	return QuestionForStudent{
		ID:           q.ID,
		QuestionText: q.QuestionText,
		Options:      opts,
		Points:       q.Points,
		OrderNum:     q.OrderNum,
	}
}

// OptionForStudent is an option without its correctness flag.
type OptionForStudent struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID           uuid.UUID          `json:"id"`
	QuestionText string             `json:"question_text"`
	Options      []OptionForStudent `json:"options"`
	Points       float64            `json:"points"`
	OrderNum     int                `json:"order_num"`
}

// HasOption reports whether optionID belongs to the question.
func (q *QuestionForStudent) HasOption(optionID string) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// AnswerKeyEntry is the server-only grading data for one question.
type AnswerKeyEntry struct {
	CorrectOptionID string  `json:"o"`
	Points          float64 `json:"p"`
}

// AnswerKey maps question id to its correct option. Never sent to students.
type AnswerKey map[uuid.UUID]AnswerKeyEntry

// BuildAnswerKey derives the key from authored questions.
func BuildAnswerKey(questions []Question) AnswerKey {
	key := make(AnswerKey, len(questions))
	for i := range questions {
		q := &questions[i]
		points := q.Points
		if points <= 0 {
			points = 1
		}
		key[q.ID] = AnswerKeyEntry{CorrectOptionID: q.CorrectOptionID(), Points: points}
	}
	return key
}

// AddQuestionRequest is the payload for adding a question to an exam.
type AddQuestionRequest struct {
	QuestionText string   `json:"question_text" binding:"required,min=1,max=2000"`
	Options      []Option `json:"options" binding:"required,min=2,dive"`
	Points       float64  `json:"points" binding:"min=0"`
	OrderNum     int      `json:"order_num" binding:"min=0"`
}
