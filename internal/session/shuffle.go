package session

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// OrderPaper returns the questions in the order a given attempt sees them.
// The permutation is seeded by the attempt id, so a reload or a resume on
// another device shows the same order.
func OrderPaper(attemptID uuid.UUID, questions []model.QuestionForStudent, shuffleQuestions, shuffleOptions bool) []model.QuestionForStudent {
	out := make([]model.QuestionForStudent, len(questions))
	for i, q := range questions {
		q.Options = append([]model.OptionForStudent(nil), q.Options...)
		out[i] = q
	}

	if !shuffleQuestions && !shuffleOptions {
		return out
	}

	r := rand.New(rand.NewPCG(binary.BigEndian.Uint64(attemptID[:8]), binary.BigEndian.Uint64(attemptID[8:])))
	if shuffleQuestions {
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	if shuffleOptions {
		for i := range out {
			opts := out[i].Options
			r.Shuffle(len(opts), func(a, b int) { opts[a], opts[b] = opts[b], opts[a] })
		}
	}
	return out
}
