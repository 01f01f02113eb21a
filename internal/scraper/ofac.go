package scraper

import (
	"context"
	"encoding/xml"
	"log/slog"
	"strings"
	"time"

	"trustcheck/internal/domain"
	"trustcheck/internal/download"
)

// Treasury publishes the full SDN list as one XML document. The decoder
// matches on local element names, so the document's default namespace is
// irrelevant.
const ofacSDNURL = "https://www.treasury.gov/ofac/downloads/sdn.xml"

type sdnList struct {
	XMLName xml.Name   `xml:"sdnList"`
	Entries []sdnEntry `xml:"sdnEntry"`
}

type sdnEntry struct {
	UID       string `xml:"uid"`
	FirstName string `xml:"firstName"`
	LastName  string `xml:"lastName"`
	SDNType   string `xml:"sdnType"`
	Programs  struct {
		Programs []string `xml:"program"`
	} `xml:"programList"`
	AKAs struct {
		AKAs []sdnAKA `xml:"aka"`
	} `xml:"akaList"`
	Addresses struct {
		Addresses []sdnAddress `xml:"address"`
	} `xml:"addressList"`
	DOBs struct {
		Items []sdnDatedItem `xml:"dateOfBirthItem"`
	} `xml:"dateOfBirthList"`
	POBs struct {
		Items []sdnPlaceItem `xml:"placeOfBirthItem"`
	} `xml:"placeOfBirthList"`
	Nationalities struct {
		Items []sdnCountryItem `xml:"nationality"`
	} `xml:"nationalityList"`
	Remarks string `xml:"remarks"`
}

type sdnAKA struct {
	FirstName string `xml:"firstName"`
	LastName  string `xml:"lastName"`
}

type sdnAddress struct {
	Address1 string `xml:"address1"`
	City     string `xml:"city"`
	Country  string `xml:"country"`
}

type sdnDatedItem struct {
	DateOfBirth string `xml:"dateOfBirth"`
}

type sdnPlaceItem struct {
	PlaceOfBirth string `xml:"placeOfBirth"`
}

type sdnCountryItem struct {
	Country string `xml:"country"`
}

// OFACAdapter parses the US Treasury SDN list.
type OFACAdapter struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewOFACAdapter builds the adapter. logger may be nil.
func NewOFACAdapter(logger *slog.Logger) *OFACAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OFACAdapter{logger: logger, now: time.Now}
}

func (a *OFACAdapter) Config() download.SourceConfig {
	return download.SourceConfig{
		Source: domain.SourceOFAC,
		URL:    ofacSDNURL,
		Format: domain.FormatXML,
	}
}

// Parse decodes the SDN document. Entries without a uid or a usable name are
// skipped and counted; an undecodable document or one with no entries at all
// is a format error.
func (a *OFACAdapter) Parse(ctx context.Context, raw []byte) (*Result, error) {
	var doc sdnList
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Source: domain.SourceOFAC, Reason: "document does not decode", Err: err}
	}
	if len(doc.Entries) == 0 {
		return nil, &ParseError{Source: domain.SourceOFAC, Field: "sdnEntry", Reason: "no entries in document"}
	}

	observedAt := a.now()
	res := &Result{Entities: make([]domain.CanonicalEntity, 0, len(doc.Entries))}
	for _, entry := range doc.Entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e, ok := a.convert(entry, observedAt)
		if !ok {
			res.SkippedRecords++
			continue
		}
		res.Entities = append(res.Entities, e)
	}

	a.logger.Info("parsed sdn list",
		"source", domain.SourceOFAC, "entities", len(res.Entities), "skipped", res.SkippedRecords)
	return res, nil
}

func (a *OFACAdapter) convert(entry sdnEntry, observedAt time.Time) (domain.CanonicalEntity, bool) {
	uid := strings.TrimSpace(entry.UID)
	name := sdnFullName(entry.FirstName, entry.LastName)
	if uid == "" || name == "" {
		return domain.CanonicalEntity{}, false
	}

	e := domain.CanonicalEntity{
		UID:      "OFAC-" + uid,
		Name:     name,
		Type:     sdnEntityType(entry.SDNType),
		Source:   domain.SourceOFAC,
		Programs: entry.Programs.Programs,
		Remarks:  strings.TrimSpace(entry.Remarks),
	}

	for _, aka := range entry.AKAs.AKAs {
		if alias := sdnFullName(aka.FirstName, aka.LastName); alias != "" {
			e.Aliases = append(e.Aliases, alias)
		}
	}
	for _, addr := range entry.Addresses.Addresses {
		a := domain.Address{
			Street:  strings.TrimSpace(addr.Address1),
			City:    strings.TrimSpace(addr.City),
			Country: strings.TrimSpace(addr.Country),
		}
		if a.String() != "" {
			e.Addresses = append(e.Addresses, a)
		}
	}
	for _, dob := range entry.DOBs.Items {
		if v := strings.TrimSpace(dob.DateOfBirth); v != "" {
			e.DatesOfBirth = append(e.DatesOfBirth, v)
		}
	}
	for _, pob := range entry.POBs.Items {
		if v := strings.TrimSpace(pob.PlaceOfBirth); v != "" {
			e.PlacesOfBirth = append(e.PlacesOfBirth, v)
		}
	}
	for _, nat := range entry.Nationalities.Items {
		if v := strings.TrimSpace(nat.Country); v != "" {
			e.Nationalities = append(e.Nationalities, v)
		}
	}

	e.Seal(observedAt)
	return e, true
}

// sdnFullName joins first and last name; entities and vessels carry their
// whole name in lastName.
func sdnFullName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

func sdnEntityType(sdnType string) domain.EntityType {
	switch strings.ToLower(strings.TrimSpace(sdnType)) {
	case "individual":
		return domain.EntityPerson
	case "entity":
		return domain.EntityCompany
	case "vessel":
		return domain.EntityVessel
	case "aircraft":
		return domain.EntityAircraft
	default:
		return domain.EntityOther
	}
}
