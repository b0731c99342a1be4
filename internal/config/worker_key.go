package config

type WorkerKeyStruct struct {
	PersistAnswersQueue string
	RetryScoringQueue   string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue: "persist_answers_queue",
	RetryScoringQueue:   "retry_scoring_queue",
}
