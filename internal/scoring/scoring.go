// Package scoring turns a frozen answer set into per-question outcomes.
package scoring

import (
	"sort"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// Score grades every slot against the key. It is pure: the result depends
// only on its inputs and is ordered by OrderIndex.
//
// A slot without a frozen record is unattempted. An attempted slot missing
// from the key can never be correct and is graded incorrect.
func Score(slots []model.QuestionSlot, frozen map[string]model.AnswerRecord, key model.AnswerKey) []model.ScoredQuestion {
	ordered := append([]model.QuestionSlot(nil), slots...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OrderIndex < ordered[j].OrderIndex })

	out := make([]model.ScoredQuestion, 0, len(ordered))
	seen := make(map[string]struct{}, len(ordered))
	for _, slot := range ordered {
		if _, dup := seen[slot.QuestionID]; dup {
			continue
		}
		seen[slot.QuestionID] = struct{}{}

		rec, ok := frozen[slot.QuestionID]
		sq := model.ScoredQuestion{
			QuestionID:       slot.QuestionID,
			Status:           model.StatusUnattempted,
			TimeTakenSeconds: rec.TimeSpentSeconds,
		}
		if ok && rec.Attempted() {
			correct, hasKey := key[slot.QuestionID]
			if hasKey && *rec.SelectedOptionIndex == correct {
				sq.Status = model.StatusCorrect
			} else {
				sq.Status = model.StatusIncorrect
			}
		}
		out = append(out, sq)
	}
	return out
}

// Tally summarizes a scored set. Score is the number of correct answers.
func Tally(scored []model.ScoredQuestion) model.ScoreSummary {
	var s model.ScoreSummary
	for _, q := range scored {
		s.Total++
		s.TotalTimeSeconds += q.TimeTakenSeconds
		switch q.Status {
		case model.StatusCorrect:
			s.Correct++
		case model.StatusIncorrect:
			s.Incorrect++
		default:
			s.Unattempted++
		}
	}
	s.Score = s.Correct
	return s
}

// Comparison derives the benchmarking summary for a scored set.
func Comparison(testDefinitionID string, scored []model.ScoredQuestion) model.ComparisonSummary {
	sum := Tally(scored)
	c := model.ComparisonSummary{
		TestDefinitionID: testDefinitionID,
		Score:            sum.Score,
		Total:            sum.Total,
		TotalTimeSeconds: sum.TotalTimeSeconds,
	}

	var attemptedTime float64
	attempted := 0
	for _, q := range scored {
		if q.Status != model.StatusUnattempted {
			attempted++
			attemptedTime += q.TimeTakenSeconds
		}
	}
	if attempted > 0 {
		c.AvgSecondsPerAttempted = attemptedTime / float64(attempted)
	}
	return c
}
