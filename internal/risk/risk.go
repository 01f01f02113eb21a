// Package risk assigns a severity tier to change events. Rules live in an
// ordered table rather than branching logic so compliance can review and
// adjust them as data.
package risk

import (
	"trustcheck/internal/domain"
)

// highRiskPrograms are sanctions regimes whose new designations warrant
// immediate escalation regardless of any other signal.
var highRiskPrograms = map[string]struct{}{
	"sdgt":          {},
	"terrorism":     {},
	"proliferation": {},
	"cyber":         {},
}

// identityFields changing on an existing listing mean the designation itself
// shifted, not just its annotations.
var identityFields = map[string]struct{}{
	"name":          {},
	"programs":      {},
	"aliases":       {},
	"nationalities": {},
}

// lowSalienceFields are annotation-only updates.
var lowSalienceFields = map[string]struct{}{
	"remarks":         {},
	"places_of_birth": {},
}

// Rule is one row of the classification table. The first rule whose Matches
// returns true determines the level.
type Rule struct {
	Name    string
	Level   domain.RiskLevel
	Matches func(ev domain.ChangeEvent) bool
}

// Classifier evaluates the rule table top to bottom.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds the default rule set.
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultRules()}
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:    "removal",
			Level:   domain.RiskCritical,
			Matches: func(ev domain.ChangeEvent) bool { return ev.Type == domain.ChangeRemoved },
		},
		{
			Name:  "addition_high_risk_program",
			Level: domain.RiskCritical,
			Matches: func(ev domain.ChangeEvent) bool {
				return ev.Type == domain.ChangeAdded && touchesHighRiskProgram(ev)
			},
		},
		{
			Name:    "addition",
			Level:   domain.RiskHigh,
			Matches: func(ev domain.ChangeEvent) bool { return ev.Type == domain.ChangeAdded },
		},
		{
			Name:  "identity_modification",
			Level: domain.RiskHigh,
			Matches: func(ev domain.ChangeEvent) bool {
				return ev.Type == domain.ChangeModified && touchesAnyField(ev, identityFields)
			},
		},
		{
			Name:  "annotation_only_modification",
			Level: domain.RiskLow,
			Matches: func(ev domain.ChangeEvent) bool {
				return ev.Type == domain.ChangeModified && onlyTouchesFields(ev, lowSalienceFields)
			},
		},
	}
}

// Classify stamps the event's risk level. Events matching no rule land on
// Medium, which covers the remaining modification kinds (addresses, dates of
// birth, entity type).
func (c *Classifier) Classify(ev domain.ChangeEvent, subject *domain.CanonicalEntity) domain.ChangeEvent {
	ev.Risk = c.level(ev, subject)
	return ev
}

// ClassifyAll classifies every event against the current entity set, keyed by
// UID. Removed entities are looked up in the previous set by the caller and
// need no subject here: the removal rule matches on type alone.
func (c *Classifier) ClassifyAll(events []domain.ChangeEvent, current []domain.CanonicalEntity) []domain.ChangeEvent {
	byUID := make(map[string]*domain.CanonicalEntity, len(current))
	for i := range current {
		byUID[current[i].UID] = &current[i]
	}
	out := make([]domain.ChangeEvent, len(events))
	for i, ev := range events {
		out[i] = c.Classify(ev, byUID[ev.EntityUID])
	}
	return out
}

func (c *Classifier) level(ev domain.ChangeEvent, subject *domain.CanonicalEntity) domain.RiskLevel {
	// Addition rules inspect the subject's programs; fold them into the event
	// view before matching.
	if subject != nil && ev.Type == domain.ChangeAdded && len(ev.FieldChanges) == 0 {
		ev.FieldChanges = []domain.FieldChange{{
			Field: "programs",
			New:   domain.NormalizeSet(subject.Programs),
			Kind:  domain.FieldAdded,
		}}
	}
	for _, rule := range c.rules {
		if rule.Matches(ev) {
			return rule.Level
		}
	}
	return domain.RiskMedium
}

func touchesHighRiskProgram(ev domain.ChangeEvent) bool {
	for _, fc := range ev.FieldChanges {
		if fc.Field != "programs" {
			continue
		}
		for _, p := range asStrings(fc.New) {
			if _, hit := highRiskPrograms[domain.NormalizeText(p)]; hit {
				return true
			}
		}
	}
	return false
}

func touchesAnyField(ev domain.ChangeEvent, fields map[string]struct{}) bool {
	for _, fc := range ev.FieldChanges {
		if _, hit := fields[fc.Field]; hit {
			return true
		}
	}
	return false
}

func onlyTouchesFields(ev domain.ChangeEvent, fields map[string]struct{}) bool {
	if len(ev.FieldChanges) == 0 {
		return false
	}
	for _, fc := range ev.FieldChanges {
		if _, hit := fields[fc.Field]; !hit {
			return false
		}
	}
	return true
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
