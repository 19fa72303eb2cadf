package session

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// GradedAnswer is the server verdict for one question.
type GradedAnswer struct {
	QuestionID       uuid.UUID `json:"question_id"`
	SelectedOptionID *string   `json:"selected_option_id"`
	IsCorrect        bool      `json:"is_correct"`
	PointsAwarded    float64   `json:"points_awarded"`
}

// Grade is the result of grading one attempt.
type Grade struct {
	Answers     []GradedAnswer
	Correct     int
	Earned      float64
	TotalPoints float64
	Score       float64
}

// GradeSelections compares selections against the answer key. Every question
// in the key produces a GradedAnswer; selections for unknown questions are
// dropped. The key is the only source of correctness.
func GradeSelections(key model.AnswerKey, selections map[uuid.UUID]string) Grade {
	ids := make([]uuid.UUID, 0, len(key))
	for id := range key {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	g := Grade{Answers: make([]GradedAnswer, 0, len(ids))}
	for _, id := range ids {
		entry := key[id]
		g.TotalPoints += entry.Points

		ans := GradedAnswer{QuestionID: id}
		if sel, ok := selections[id]; ok && sel != "" {
			s := sel
			ans.SelectedOptionID = &s
			if entry.CorrectOptionID != "" && sel == entry.CorrectOptionID {
				ans.IsCorrect = true
				ans.PointsAwarded = entry.Points
				g.Earned += entry.Points
				g.Correct++
			}
		}
		g.Answers = append(g.Answers, ans)
	}

	if g.TotalPoints > 0 {
		g.Score = g.Earned / g.TotalPoints * 100
	}
	return g
}

// Passed reports whether score meets the pass mark.
func Passed(score, passScorePercent float64) bool {
	return score >= passScorePercent
}

// Records converts the grade into answer records ready to replace the
// attempt's stored answers.
func (g Grade) Records(attemptID uuid.UUID, now time.Time) []model.AnswerRecord {
	records := make([]model.AnswerRecord, len(g.Answers))
	for i, a := range g.Answers {
		correct := a.IsCorrect
		records[i] = model.AnswerRecord{
			AttemptID:        attemptID,
			QuestionID:       a.QuestionID,
			SelectedOptionID: a.SelectedOptionID,
			IsCorrect:        &correct,
			PointsAwarded:    a.PointsAwarded,
			AnsweredAt:       now,
		}
	}
	return records
}
