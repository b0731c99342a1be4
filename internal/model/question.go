package model

// QuestionSlot is one question position within a test.
// CorrectOptionIndex is only consumed by scoring and never serialized.
type QuestionSlot struct {
	QuestionID         string   `json:"question_id"`
	OrderIndex         int      `json:"order_index"`
	Subject            string   `json:"subject"`
	Concept            string   `json:"concept"`
	Subtopic           string   `json:"subtopic,omitempty"`
	Options            []string `json:"options"`
	CorrectOptionIndex int      `json:"-"`
}

// SlotForClient is a question without its answer, sent before submission.
type SlotForClient struct {
	QuestionID string   `json:"question_id"`
	OrderIndex int      `json:"order_index"`
	Subject    string   `json:"subject"`
	Concept    string   `json:"concept"`
	Subtopic   string   `json:"subtopic,omitempty"`
	Options    []string `json:"options"`
}

// ForClient strips the answer key from a slot.
func (s QuestionSlot) ForClient() SlotForClient {
	return SlotForClient{
		QuestionID: s.QuestionID,
		OrderIndex: s.OrderIndex,
		Subject:    s.Subject,
		Concept:    s.Concept,
		Subtopic:   s.Subtopic,
		Options:    append([]string(nil), s.Options...),
	}
}

// AnswerKey maps question IDs to their correct option index.
type AnswerKey map[string]int

// KeyFromSlots builds the answer key carried by the slots themselves.
func KeyFromSlots(slots []QuestionSlot) AnswerKey {
	key := make(AnswerKey, len(slots))
	for _, s := range slots {
		key[s.QuestionID] = s.CorrectOptionIndex
	}
	return key
}
