package session

import (
	"time"

	"github.com/stemsi/exstem-assessment/internal/analytics"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/scoring"
)

// FinalizeJob carries everything needed to score a frozen session again.
// Key travels separately because slots never serialize their answer.
type FinalizeJob struct {
	Session  model.Session                 `json:"session"`
	Slots    []model.QuestionSlot          `json:"slots"`
	Key      model.AnswerKey               `json:"key"`
	Frozen   map[string]model.AnswerRecord `json:"frozen"`
	FrozenAt time.Time                     `json:"frozen_at"`
	Attempts int                           `json:"attempts"`
}

// Result scores and aggregates the frozen answers. The result's state is
// the job's session state.
func (j FinalizeJob) Result(engine *analytics.Engine) model.SessionResult {
	scored := scoring.Score(j.Slots, j.Frozen, j.Key)
	return model.SessionResult{
		SessionID:        j.Session.ID,
		UserID:           j.Session.UserID,
		TestDefinitionID: j.Session.TestDefinitionID,
		State:            j.Session.State,
		Summary:          scoring.Tally(scored),
		ScoredQuestions:  scored,
		Aggregates:       engine.Aggregate(scored, j.Slots),
		FrozenAt:         j.FrozenAt,
		RecordedAt:       time.Now(),
	}
}
