// Package diff detects structural changes between the previously stored
// entity set for a source and the freshly parsed one. Comparison is keyed by
// UID and short-circuits on content hash, so a run over an unchanged list is
// a single map pass with no field work.
package diff

import (
	"time"

	"github.com/google/uuid"

	"trustcheck/internal/domain"
)

// Detector computes change events. It assigns no risk level; classification
// happens downstream so the rule table can evolve without touching detection.
type Detector struct {
	now func() time.Time
}

// NewDetector builds a Detector.
func NewDetector() *Detector {
	return &Detector{now: time.Now}
}

// Detect compares previous against current and returns one event per added,
// removed, or materially modified entity. An entity whose authority changed
// its UID surfaces as a removal plus an addition, not a modification. Events
// carry empty Risk; the classifier fills it in.
func (d *Detector) Detect(previous, current []domain.CanonicalEntity, source domain.Source, runID string) []domain.ChangeEvent {
	detectedAt := d.now()

	prevByUID := make(map[string]domain.CanonicalEntity, len(previous))
	for _, e := range previous {
		prevByUID[e.UID] = e
	}

	events := make([]domain.ChangeEvent, 0)
	seen := make(map[string]struct{}, len(current))

	for _, cur := range current {
		seen[cur.UID] = struct{}{}
		prev, existed := prevByUID[cur.UID]
		if !existed {
			events = append(events, domain.ChangeEvent{
				EventID:        uuid.NewString(),
				EntityUID:      cur.UID,
				EntityName:     cur.Name,
				Source:         source,
				Type:           domain.ChangeAdded,
				Summary:        domain.AddedSummary(cur),
				NewContentHash: cur.ContentHash,
				DetectedAt:     detectedAt,
				RunID:          runID,
			})
			continue
		}
		if prev.ContentHash == cur.ContentHash {
			continue
		}
		changes := FieldChanges(prev, cur)
		if len(changes) == 0 {
			// Hash differs but every normalized field matches; nothing worth
			// reporting.
			continue
		}
		events = append(events, domain.ChangeEvent{
			EventID:        uuid.NewString(),
			EntityUID:      cur.UID,
			EntityName:     cur.Name,
			Source:         source,
			Type:           domain.ChangeModified,
			FieldChanges:   changes,
			Summary:        domain.ModifiedSummary(cur, changes),
			OldContentHash: prev.ContentHash,
			NewContentHash: cur.ContentHash,
			DetectedAt:     detectedAt,
			RunID:          runID,
		})
	}

	for _, prev := range previous {
		if _, still := seen[prev.UID]; still {
			continue
		}
		events = append(events, domain.ChangeEvent{
			EventID:        uuid.NewString(),
			EntityUID:      prev.UID,
			EntityName:     prev.Name,
			Source:         source,
			Type:           domain.ChangeRemoved,
			Summary:        domain.RemovedSummary(prev),
			OldContentHash: prev.ContentHash,
			DetectedAt:     detectedAt,
			RunID:          runID,
		})
	}

	return events
}

// FieldChanges lists the normalized per-field differences between two
// observations of the same entity. List-valued fields compare as sets.
func FieldChanges(prev, cur domain.CanonicalEntity) []domain.FieldChange {
	changes := make([]domain.FieldChange, 0, 4)

	if fc, changed := scalarChange("name", prev.Name, cur.Name); changed {
		changes = append(changes, fc)
	}
	if fc, changed := scalarChange("type", string(prev.Type), string(cur.Type)); changed {
		changes = append(changes, fc)
	}
	if fc, changed := listChange("programs", prev.Programs, cur.Programs); changed {
		changes = append(changes, fc)
	}
	if fc, changed := listChange("aliases", prev.Aliases, cur.Aliases); changed {
		changes = append(changes, fc)
	}
	if fc, changed := listChange("addresses", prev.AddressStrings(), cur.AddressStrings()); changed {
		changes = append(changes, fc)
	}
	if fc, changed := listChange("dates_of_birth", prev.DatesOfBirth, cur.DatesOfBirth); changed {
		changes = append(changes, fc)
	}
	if fc, changed := listChange("places_of_birth", prev.PlacesOfBirth, cur.PlacesOfBirth); changed {
		changes = append(changes, fc)
	}
	if fc, changed := listChange("nationalities", prev.Nationalities, cur.Nationalities); changed {
		changes = append(changes, fc)
	}
	if fc, changed := scalarChange("remarks", prev.Remarks, cur.Remarks); changed {
		changes = append(changes, fc)
	}

	return changes
}

func scalarChange(field, old, new string) (domain.FieldChange, bool) {
	if domain.NormalizeText(old) == domain.NormalizeText(new) {
		return domain.FieldChange{}, false
	}
	kind := domain.FieldModified
	switch {
	case domain.NormalizeText(old) == "":
		kind = domain.FieldAdded
	case domain.NormalizeText(new) == "":
		kind = domain.FieldRemoved
	}
	return domain.FieldChange{Field: field, Old: old, New: new, Kind: kind}, true
}

func listChange(field string, old, new []string) (domain.FieldChange, bool) {
	oldSet := domain.NormalizeSet(old)
	newSet := domain.NormalizeSet(new)
	if equalSorted(oldSet, newSet) {
		return domain.FieldChange{}, false
	}
	kind := domain.FieldModified
	switch {
	case len(oldSet) == 0:
		kind = domain.FieldAdded
	case len(newSet) == 0:
		kind = domain.FieldRemoved
	}
	return domain.FieldChange{Field: field, Old: oldSet, New: newSet, Kind: kind}, true
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
