package model

import (
	"time"

	"github.com/google/uuid"
)

// QuestionStatus is the scoring outcome of a single question.
type QuestionStatus string

const (
	StatusCorrect     QuestionStatus = "CORRECT"
	StatusIncorrect   QuestionStatus = "INCORRECT"
	StatusUnattempted QuestionStatus = "UNATTEMPTED"
)

// ScoredQuestion is the immutable scoring outcome of one slot.
type ScoredQuestion struct {
	QuestionID       string         `json:"question_id"`
	Status           QuestionStatus `json:"status"`
	TimeTakenSeconds float64        `json:"time_taken_seconds"`
}

// ScoreSummary tallies a scored question set.
type ScoreSummary struct {
	Score            int     `json:"score"`
	Total            int     `json:"total"`
	Correct          int     `json:"correct"`
	Incorrect        int     `json:"incorrect"`
	Unattempted      int     `json:"unattempted"`
	TotalTimeSeconds float64 `json:"total_time_seconds"`
}

// Classification labels an aggregate for the narrative generator.
type Classification string

const (
	ClassStrength     Classification = "STRENGTH"
	ClassWeakness     Classification = "WEAKNESS"
	ClassNeutral      Classification = "NEUTRAL"
	ClassUnclassified Classification = "UNCLASSIFIED"
)

// Aggregate is a rolled-up correctness statistic over a group of questions.
type Aggregate struct {
	Name           string         `json:"name"`
	Correct        int            `json:"correct"`
	Total          int            `json:"total"`
	Accuracy       float64        `json:"accuracy"`
	Classification Classification `json:"classification"`
	Subtopics      []Aggregate    `json:"subtopics"`
}

// Aggregates groups accuracy statistics by subject, concept and subtopic.
type Aggregates struct {
	BySubject  []Aggregate `json:"by_subject"`
	ByConcept  []Aggregate `json:"by_concept"`
	BySubtopic []Aggregate `json:"by_subtopic"`
}

// SessionResult is the final record written once per session.
type SessionResult struct {
	SessionID        uuid.UUID        `json:"session_id"`
	UserID           string           `json:"user_id"`
	TestDefinitionID string           `json:"test_definition_id"`
	State            SessionState     `json:"state"`
	Summary          ScoreSummary     `json:"summary"`
	ScoredQuestions  []ScoredQuestion `json:"scored_questions"`
	Aggregates       Aggregates       `json:"aggregates"`
	FrozenAt         time.Time        `json:"frozen_at"`
	RecordedAt       time.Time        `json:"recorded_at"`
}

// PerformanceReport is the payload handed to the narrative collaborator.
type PerformanceReport struct {
	Score      int        `json:"score"`
	Total      int        `json:"total"`
	Aggregates Aggregates `json:"aggregates"`
	Strengths  []string   `json:"strengths"`
	Weaknesses []string   `json:"weaknesses"`
}

// ComparisonSummary is the score and timing summary for peer benchmarking.
type ComparisonSummary struct {
	TestDefinitionID       string  `json:"test_definition_id"`
	Score                  int     `json:"score"`
	Total                  int     `json:"total"`
	TotalTimeSeconds       float64 `json:"total_time_seconds"`
	AvgSecondsPerAttempted float64 `json:"avg_seconds_per_attempted"`
}

// Benchmark is a peer/historical comparison for one test definition.
type Benchmark struct {
	TestDefinitionID string  `json:"test_definition_id"`
	Participants     int     `json:"participants"`
	AverageScore     float64 `json:"average_score"`
	AverageTime      float64 `json:"average_time_seconds"`
	Percentile       float64 `json:"percentile"`
}

// ResultsView merges a session's report with its benchmark.
type ResultsView struct {
	Result     *SessionResult    `json:"result"`
	Report     PerformanceReport `json:"report"`
	Comparison ComparisonSummary `json:"comparison"`
	Benchmark  *Benchmark        `json:"benchmark,omitempty"`
}

// HistoricalAnalytics aggregates every recorded session of a user.
type HistoricalAnalytics struct {
	UserID   string            `json:"user_id"`
	Sessions int               `json:"sessions"`
	Report   PerformanceReport `json:"report"`
}
