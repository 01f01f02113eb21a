package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChangeType describes how an entity differs between two observations.
type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeModified ChangeType = "MODIFIED"
	ChangeRemoved  ChangeType = "REMOVED"
)

// RiskLevel is the severity tier assigned to a change event. It drives
// notification urgency: Critical bypasses batching entirely.
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
)

// AllRiskLevels in descending priority order.
var AllRiskLevels = []RiskLevel{RiskCritical, RiskHigh, RiskMedium, RiskLow}

// Priority returns a numeric score, higher meaning more urgent.
func (r RiskLevel) Priority() int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	default:
		return 1
	}
}

// FieldChangeKind classifies a single field-level difference.
type FieldChangeKind string

const (
	FieldAdded    FieldChangeKind = "field_added"
	FieldRemoved  FieldChangeKind = "field_removed"
	FieldModified FieldChangeKind = "field_modified"
)

// FieldChange records one field whose normalized value differs between the
// previous and current snapshot. Old and New hold either a string or a
// []string depending on the field.
type FieldChange struct {
	Field string          `json:"field"`
	Old   any             `json:"old"`
	New   any             `json:"new"`
	Kind  FieldChangeKind `json:"kind"`
}

// ChangeEvent is the immutable record of one detected difference. It is
// created once by the change detector and mutated exactly once by the
// notification dispatcher, which stamps delivery metadata. Events are never
// deleted; they form the append-only audit trail.
type ChangeEvent struct {
	EventID        string
	EntityUID      string
	EntityName     string
	Source         Source
	Type           ChangeType
	Risk           RiskLevel
	FieldChanges   []FieldChange
	Summary        string
	OldContentHash string
	NewContentHash string
	DetectedAt     time.Time
	RunID          string
	NotifiedAt     *time.Time
	Channels       []string
}

// AddedSummary phrases a new listing the way compliance analysts expect it.
func AddedSummary(e CanonicalEntity) string {
	kind := strings.ToLower(string(e.Type))
	if kind == "" {
		kind = "entity"
	}
	return fmt.Sprintf("New %s added: %s", kind, e.Name)
}

// RemovedSummary phrases a delisting.
func RemovedSummary(e CanonicalEntity) string {
	return fmt.Sprintf("Entity removed from sanctions list: %s", e.Name)
}

// ModifiedSummary names the changed fields.
func ModifiedSummary(e CanonicalEntity, changes []FieldChange) string {
	fields := make([]string, 0, len(changes))
	for _, fc := range changes {
		fields = append(fields, fc.Field)
	}
	return fmt.Sprintf("Modified %s: updated %s", e.Name, strings.Join(fields, ", "))
}
