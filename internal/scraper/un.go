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

const unConsolidatedURL = "https://scsanctions.un.org/resources/xml/en/consolidated.xml"

type unConsolidatedList struct {
	XMLName     xml.Name `xml:"CONSOLIDATED_LIST"`
	Individuals struct {
		Individuals []unIndividual `xml:"INDIVIDUAL"`
	} `xml:"INDIVIDUALS"`
	Entities struct {
		Entities []unEntity `xml:"ENTITY"`
	} `xml:"ENTITIES"`
}

type unIndividual struct {
	DataID             string           `xml:"DATAID"`
	FirstName          string           `xml:"FIRST_NAME"`
	SecondName         string           `xml:"SECOND_NAME"`
	ThirdName          string           `xml:"THIRD_NAME"`
	FourthName         string           `xml:"FOURTH_NAME"`
	NameOriginalScript string           `xml:"NAME_ORIGINAL_SCRIPT"`
	ListType           string           `xml:"UN_LIST_TYPE"`
	Committee          string           `xml:"COMMITTEE"`
	Comments           string           `xml:"COMMENTS1"`
	Aliases            []unAlias        `xml:"INDIVIDUAL_ALIAS"`
	Addresses          []unAddress      `xml:"INDIVIDUAL_ADDRESS"`
	DOBs               []unDateOfBirth  `xml:"INDIVIDUAL_DATE_OF_BIRTH"`
	POBs               []unPlaceOfBirth `xml:"INDIVIDUAL_PLACE_OF_BIRTH"`
	Nationalities      []unValue        `xml:"NATIONALITY"`
}

type unEntity struct {
	DataID             string      `xml:"DATAID"`
	FirstName          string      `xml:"FIRST_NAME"`
	NameOriginalScript string      `xml:"NAME_ORIGINAL_SCRIPT"`
	ListType           string      `xml:"UN_LIST_TYPE"`
	Committee          string      `xml:"COMMITTEE"`
	Comments           string      `xml:"COMMENTS1"`
	Aliases            []unAlias   `xml:"ENTITY_ALIAS"`
	Addresses          []unAddress `xml:"ENTITY_ADDRESS"`
}

type unAlias struct {
	AliasName string `xml:"ALIAS_NAME"`
}

type unAddress struct {
	Street  string `xml:"STREET"`
	City    string `xml:"CITY"`
	Country string `xml:"COUNTRY"`
}

type unDateOfBirth struct {
	Date string `xml:"DATE"`
	Year string `xml:"YEAR"`
}

type unPlaceOfBirth struct {
	City    string `xml:"CITY"`
	Country string `xml:"COUNTRY"`
}

type unValue struct {
	Value string `xml:"VALUE"`
}

// UNAdapter parses the UN Security Council consolidated sanctions list. The
// list carries individuals and entities in separate sections; both map to the
// same canonical shape.
type UNAdapter struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewUNAdapter builds the adapter. logger may be nil.
func NewUNAdapter(logger *slog.Logger) *UNAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UNAdapter{logger: logger, now: time.Now}
}

func (a *UNAdapter) Config() download.SourceConfig {
	return download.SourceConfig{
		Source: domain.SourceUN,
		URL:    unConsolidatedURL,
		Format: domain.FormatXML,
	}
}

// Parse decodes the consolidated list. Records missing a DATAID or any usable
// name are skipped and counted; a document with neither individuals nor
// entities is a format error.
func (a *UNAdapter) Parse(ctx context.Context, raw []byte) (*Result, error) {
	var doc unConsolidatedList
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Source: domain.SourceUN, Reason: "document does not decode", Err: err}
	}
	total := len(doc.Individuals.Individuals) + len(doc.Entities.Entities)
	if total == 0 {
		return nil, &ParseError{Source: domain.SourceUN, Reason: "no individuals or entities in document"}
	}

	observedAt := a.now()
	res := &Result{Entities: make([]domain.CanonicalEntity, 0, total)}

	for _, ind := range doc.Individuals.Individuals {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e, ok := a.convertIndividual(ind, observedAt)
		if !ok {
			res.SkippedRecords++
			continue
		}
		res.Entities = append(res.Entities, e)
	}
	for _, ent := range doc.Entities.Entities {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e, ok := a.convertEntity(ent, observedAt)
		if !ok {
			res.SkippedRecords++
			continue
		}
		res.Entities = append(res.Entities, e)
	}

	a.logger.Info("parsed consolidated list",
		"source", domain.SourceUN, "entities", len(res.Entities), "skipped", res.SkippedRecords)
	return res, nil
}

func (a *UNAdapter) convertIndividual(ind unIndividual, observedAt time.Time) (domain.CanonicalEntity, bool) {
	dataID := strings.TrimSpace(ind.DataID)
	name := joinNameParts(ind.FirstName, ind.SecondName, ind.ThirdName, ind.FourthName)
	if name == "" {
		name = strings.TrimSpace(ind.NameOriginalScript)
	}
	if dataID == "" || name == "" {
		return domain.CanonicalEntity{}, false
	}

	e := domain.CanonicalEntity{
		UID:      "UN-IND-" + dataID,
		Name:     name,
		Type:     domain.EntityPerson,
		Source:   domain.SourceUN,
		Programs: unPrograms(ind.ListType, ind.Committee),
		Remarks:  strings.TrimSpace(ind.Comments),
	}

	e.Aliases = unAliases(ind.Aliases)
	e.Addresses = unAddresses(ind.Addresses)
	for _, dob := range ind.DOBs {
		// Some records carry only a year of birth.
		if v := strings.TrimSpace(dob.Date); v != "" {
			e.DatesOfBirth = append(e.DatesOfBirth, v)
		} else if y := strings.TrimSpace(dob.Year); y != "" {
			e.DatesOfBirth = append(e.DatesOfBirth, y)
		}
	}
	for _, pob := range ind.POBs {
		parts := make([]string, 0, 2)
		for _, p := range []string{pob.City, pob.Country} {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			e.PlacesOfBirth = append(e.PlacesOfBirth, strings.Join(parts, ", "))
		}
	}
	for _, nat := range ind.Nationalities {
		if v := strings.TrimSpace(nat.Value); v != "" {
			e.Nationalities = append(e.Nationalities, v)
		}
	}

	e.Seal(observedAt)
	return e, true
}

func (a *UNAdapter) convertEntity(ent unEntity, observedAt time.Time) (domain.CanonicalEntity, bool) {
	dataID := strings.TrimSpace(ent.DataID)
	// The consolidated list stores entity names in FIRST_NAME.
	name := strings.TrimSpace(ent.FirstName)
	if name == "" {
		name = strings.TrimSpace(ent.NameOriginalScript)
	}
	if dataID == "" || name == "" {
		return domain.CanonicalEntity{}, false
	}

	e := domain.CanonicalEntity{
		UID:       "UN-ENT-" + dataID,
		Name:      name,
		Type:      domain.EntityCompany,
		Source:    domain.SourceUN,
		Programs:  unPrograms(ent.ListType, ent.Committee),
		Remarks:   strings.TrimSpace(ent.Comments),
		Aliases:   unAliases(ent.Aliases),
		Addresses: unAddresses(ent.Addresses),
	}

	e.Seal(observedAt)
	return e, true
}

func joinNameParts(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

func unPrograms(listType, committee string) []string {
	programs := make([]string, 0, 2)
	if lt := strings.TrimSpace(listType); lt != "" {
		programs = append(programs, lt)
	}
	if c := strings.TrimSpace(committee); c != "" && c != strings.TrimSpace(listType) {
		programs = append(programs, c)
	}
	return programs
}

func unAliases(aliases []unAlias) []string {
	out := make([]string, 0, len(aliases))
	for _, al := range aliases {
		if v := strings.TrimSpace(al.AliasName); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func unAddresses(addrs []unAddress) []domain.Address {
	out := make([]domain.Address, 0, len(addrs))
	for _, addr := range addrs {
		a := domain.Address{
			Street:  strings.TrimSpace(addr.Street),
			City:    strings.TrimSpace(addr.City),
			Country: strings.TrimSpace(addr.Country),
		}
		if a.String() != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
