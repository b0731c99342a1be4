// Package analytics rolls scored questions up into subject, concept and
// subtopic accuracy aggregates and classifies them. The same functions serve
// freshly submitted sessions and historical analysis.
package analytics

import (
	"fmt"
	"sort"

	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/scoring"
)

// PlaceholderConcept names the concept reported when there is no question data.
const PlaceholderConcept = "General"

// Thresholds bound the strength and weakness classification.
type Thresholds struct {
	Strength float64
	Weakness float64
}

// DefaultThresholds returns 0.7 for strengths and 0.4 for weaknesses.
func DefaultThresholds() Thresholds {
	return Thresholds{Strength: 0.7, Weakness: 0.4}
}

func (t Thresholds) valid() bool {
	return t.Weakness >= 0 && t.Strength <= 1 && t.Weakness <= t.Strength
}

// Engine computes aggregates with a fixed set of thresholds.
type Engine struct {
	th Thresholds
}

// New returns an engine. Invalid thresholds fall back to the defaults.
func New(th Thresholds) *Engine {
	if !th.valid() {
		th = DefaultThresholds()
	}
	return &Engine{th: th}
}

// Thresholds returns the thresholds in use.
func (e *Engine) Thresholds() Thresholds {
	return e.th
}

// Classify labels a group. Empty groups are left unclassified.
func (e *Engine) Classify(correct, total int) model.Classification {
	if total <= 0 {
		return model.ClassUnclassified
	}
	acc := accuracy(correct, total)
	switch {
	case acc >= e.th.Strength:
		return model.ClassStrength
	case acc < e.th.Weakness:
		return model.ClassWeakness
	default:
		return model.ClassNeutral
	}
}

type group struct {
	name           string
	correct, total int
	subtopics      *groupSet
}

// groupSet keeps groups in order of first appearance.
type groupSet struct {
	order []string
	byKey map[string]*group
}

func newGroupSet() *groupSet {
	return &groupSet{byKey: make(map[string]*group)}
}

func (s *groupSet) get(name string) *group {
	g, ok := s.byKey[name]
	if !ok {
		g = &group{name: name}
		s.byKey[name] = g
		s.order = append(s.order, name)
	}
	return g
}

func (g *group) add(correct bool) {
	g.total++
	if correct {
		g.correct++
	}
}

// Aggregate groups scored questions by their slot's subject, concept and
// subtopic. Groups are seeded from slot metadata in slot order, so every slot
// counts toward its groups' totals whether or not it was attempted or scored.
// Scored entries without a matching slot are ignored.
func (e *Engine) Aggregate(scored []model.ScoredQuestion, slots []model.QuestionSlot) model.Aggregates {
	ordered := append([]model.QuestionSlot(nil), slots...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OrderIndex < ordered[j].OrderIndex })

	status := make(map[string]model.QuestionStatus, len(scored))
	for _, q := range scored {
		status[q.QuestionID] = q.Status
	}

	subjects := newGroupSet()
	concepts := newGroupSet()
	subtopics := newGroupSet()

	seen := make(map[string]struct{}, len(ordered))
	for _, slot := range ordered {
		if _, dup := seen[slot.QuestionID]; dup {
			continue
		}
		seen[slot.QuestionID] = struct{}{}
		correct := status[slot.QuestionID] == model.StatusCorrect

		subjects.get(slot.Subject).add(correct)

		c := concepts.get(slot.Concept)
		c.add(correct)
		if c.subtopics == nil {
			c.subtopics = newGroupSet()
		}
		if slot.Subtopic != "" {
			c.subtopics.get(slot.Subtopic).add(correct)
			subtopics.get(slot.Subtopic).add(correct)
		}
	}

	out := model.Aggregates{
		BySubject:  e.flatten(subjects, false),
		ByConcept:  e.flatten(concepts, true),
		BySubtopic: e.flatten(subtopics, false),
	}
	if len(out.ByConcept) == 0 {
		out.ByConcept = []model.Aggregate{e.placeholder()}
	}
	return out
}

// Report builds the narrative payload from a summary and its aggregates.
// Strength and weakness names are taken from concepts, falling back to
// subjects when no concept is classified.
func (e *Engine) Report(summary model.ScoreSummary, aggs model.Aggregates) model.PerformanceReport {
	r := model.PerformanceReport{
		Score:      summary.Score,
		Total:      summary.Total,
		Aggregates: aggs,
		Strengths:  []string{},
		Weaknesses: []string{},
	}

	collect := func(list []model.Aggregate) {
		for _, a := range list {
			switch a.Classification {
			case model.ClassStrength:
				r.Strengths = append(r.Strengths, a.Name)
			case model.ClassWeakness:
				r.Weaknesses = append(r.Weaknesses, a.Name)
			}
		}
	}
	collect(aggs.ByConcept)
	if len(r.Strengths) == 0 && len(r.Weaknesses) == 0 {
		collect(aggs.BySubject)
	}
	return r
}

// Part is one session's contribution to a historical aggregate.
type Part struct {
	Key    string
	Scored []model.ScoredQuestion
	Slots  []model.QuestionSlot
}

// Combine aggregates several sessions as if they were one test. Question IDs
// are namespaced by Part.Key so the same question answered twice counts twice.
func (e *Engine) Combine(parts []Part) (model.ScoreSummary, model.Aggregates) {
	var (
		scored []model.ScoredQuestion
		slots  []model.QuestionSlot
	)
	for i, p := range parts {
		prefix := p.Key
		if prefix == "" {
			prefix = fmt.Sprint(i)
		}
		for _, s := range p.Slots {
			s.QuestionID = prefix + "/" + s.QuestionID
			slots = append(slots, s)
		}
		for _, q := range p.Scored {
			q.QuestionID = prefix + "/" + q.QuestionID
			scored = append(scored, q)
		}
	}

	return scoring.Tally(scored), e.Aggregate(scored, slots)
}

func (e *Engine) flatten(set *groupSet, nested bool) []model.Aggregate {
	out := make([]model.Aggregate, 0, len(set.order))
	for _, name := range set.order {
		g := set.byKey[name]
		a := e.build(g.name, g.correct, g.total)
		if nested {
			a.Subtopics = []model.Aggregate{}
			if g.subtopics != nil {
				a.Subtopics = e.flatten(g.subtopics, false)
			}
		}
		out = append(out, a)
	}
	return out
}

func (e *Engine) build(name string, correct, total int) model.Aggregate {
	return model.Aggregate{
		Name:           name,
		Correct:        correct,
		Total:          total,
		Accuracy:       accuracy(correct, total),
		Classification: e.Classify(correct, total),
	}
}

func (e *Engine) placeholder() model.Aggregate {
	a := e.build(PlaceholderConcept, 0, 0)
	a.Subtopics = []model.Aggregate{}
	return a
}

func accuracy(correct, total int) float64 {
	if total <= 0 || correct <= 0 {
		return 0
	}
	if correct >= total {
		return 1
	}
	return float64(correct) / float64(total)
}
