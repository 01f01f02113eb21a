package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source identifies a sanctions authority.
type Source string

const (
	SourceOFAC Source = "US_OFAC"
	SourceUN   Source = "UN_CONSOLIDATED"
	SourceEU   Source = "EU_COMMISSION"
	SourceUK   Source = "UK_HMT"
)

// AllSources lists every source the pipeline knows about.
var AllSources = []Source{SourceOFAC, SourceUN, SourceEU, SourceUK}

// ParseSource validates a source identifier from external input.
func ParseSource(s string) (Source, error) {
	candidate := Source(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllSources {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// EntityType classifies the sanctioned subject.
type EntityType string

const (
	EntityPerson   EntityType = "PERSON"
	EntityCompany  EntityType = "COMPANY"
	EntityVessel   EntityType = "VESSEL"
	EntityAircraft EntityType = "AIRCRAFT"
	EntityOther    EntityType = "OTHER"
)

// DataFormat describes the wire format a source publishes in.
type DataFormat string

const (
	FormatXML   DataFormat = "XML"
	FormatCSV   DataFormat = "CSV"
	FormatExcel DataFormat = "EXCEL"
)

// Address is one structured location attached to an entity.
type Address struct {
	Street  string
	City    string
	Country string
}

// String renders the non-empty parts joined by commas, for hashing and
// field-level comparison.
func (a Address) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.Street, a.City, a.Country} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// CanonicalEntity is the normalized representation of one sanctioned subject
// as observed in a single run. Every source adapter must produce this shape so
// that hashing and diffing are comparable across authorities.
type CanonicalEntity struct {
	UID           string
	Name          string
	Type          EntityType
	Source        Source
	Programs      []string
	Aliases       []string
	Addresses     []Address
	DatesOfBirth  []string
	PlacesOfBirth []string
	Nationalities []string
	Remarks       string
	ContentHash   string
	LastSeen      time.Time
}

// NormalizeText lowercases, trims, and collapses internal whitespace so that
// cosmetic differences between feeds do not register as changes.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeSet normalizes each value, drops empties and duplicates, and sorts.
// List-valued fields are compared and hashed as sets: source ordering carries
// no meaning.
func NormalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		n := NormalizeText(v)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AddressStrings renders addresses as their normalized string forms.
func (e *CanonicalEntity) AddressStrings() []string {
	out := make([]string, 0, len(e.Addresses))
	for _, a := range e.Addresses {
		out = append(out, a.String())
	}
	return out
}

// ComputeHash digests the entity's normalized field set. It is a pure function
// of every field except LastSeen and ContentHash itself: two entities with
// equal hashes are unchanged regardless of list ordering or whitespace.
func (e *CanonicalEntity) ComputeHash() string {
	h := sha256.New()
	writeField := func(name, value string) {
		fmt.Fprintf(h, "%s=%s\n", name, NormalizeText(value))
	}
	writeList := func(name string, values []string) {
		fmt.Fprintf(h, "%s=%s\n", name, strings.Join(NormalizeSet(values), "|"))
	}

	writeField("uid", e.UID)
	writeField("name", e.Name)
	writeField("type", string(e.Type))
	writeField("source", string(e.Source))
	writeList("programs", e.Programs)
	writeList("aliases", e.Aliases)
	writeList("addresses", e.AddressStrings())
	writeList("dates_of_birth", e.DatesOfBirth)
	writeList("places_of_birth", e.PlacesOfBirth)
	writeList("nationalities", e.Nationalities)
	writeField("remarks", e.Remarks)

	return hex.EncodeToString(h.Sum(nil))
}

// Seal stamps the content hash and observation time. Adapters call this once
// per parsed entity before handing it to the pipeline.
func (e *CanonicalEntity) Seal(observedAt time.Time) {
	e.ContentHash = e.ComputeHash()
	e.LastSeen = observedAt
}
