package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxEncounters = 5
	maxProcedures = 10
)

var terminalMedicationStatuses = map[string]bool{
	"completed":        true,
	"stopped":          true,
	"cancelled":        true,
	"entered-in-error": true,
}

// Invalidator drops cached clean summaries after they are replaced.
type Invalidator interface {
	Invalidate(profileID, resourceType string)
}

// Cleaner rebuilds the clean summary of one resource type from every
// normalized record the profile holds, across providers.
type Cleaner struct {
	normalized  NormalizedRepository
	clean       CleanRepository
	invalidator Invalidator
	logger      zerolog.Logger
	now         func() time.Time
}

func NewCleaner(normalized NormalizedRepository, clean CleanRepository, invalidator Invalidator, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		normalized:  normalized,
		clean:       clean,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "cleaner").Logger(),
		now:         time.Now,
	}
}

// Clean never fails the caller: errors are logged and the previous summary
// is left in place. A type with no normalized records is left untouched.
func (c *Cleaner) Clean(ctx context.Context, profileID, resourceType string) {
	log := c.logger.With().Str("profile_id", profileID).Str("resource_type", resourceType).Logger()

	records, err := c.normalized.ListByType(ctx, profileID, resourceType)
	if err != nil {
		log.Error().Err(err).Msg("load normalized records")
		return
	}
	if len(records) == 0 {
		log.Debug().Msg("no normalized records, skipping clean")
		return
	}

	summary, sources, err := Summarize(resourceType, records)
	if err != nil {
		log.Error().Err(err).Msg("summarize records")
		return
	}

	err = c.clean.Replace(ctx, &CleanResource{
		ProfileID:    profileID,
		ResourceType: resourceType,
		Summary:      summary,
		Sources:      sources,
		UpdatedAt:    c.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("store clean summary")
		return
	}
	if c.invalidator != nil {
		c.invalidator.Invalidate(profileID, resourceType)
	}

	log.Info().Int("records", len(records)).Msg("clean summary rebuilt")
}

// Summarize aggregates normalized records into the clean summary for their
// type. The output depends only on the set of records, not on their order.
func Summarize(resourceType string, records []*NormalizedResource) (json.RawMessage, []Source, error) {
	sorted := make([]*NormalizedResource, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Provider != sorted[j].Provider {
			return sorted[i].Provider < sorted[j].Provider
		}
		return sorted[i].ResourceID < sorted[j].ResourceID
	})

	var (
		summary interface{}
		err     error
	)
	switch resourceType {
	case TypeMedicationRequest:
		summary, err = summarizeMedications(sorted)
	case TypeCondition:
		summary, err = summarizeConditions(sorted)
	case TypeObservation:
		summary, err = summarizeObservations(sorted)
	case TypeImmunization:
		summary, err = summarizeImmunizations(sorted)
	case TypeAllergyIntolerance:
		summary, err = summarizeAllergies(sorted)
	case TypeEncounter:
		summary, err = summarizeEncounters(sorted)
	case TypeProcedure:
		summary, err = summarizeProcedures(sorted)
	default:
		summary = latestFields(sorted)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("summarize %s: %w", resourceType, err)
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s summary: %w", resourceType, err)
	}

	sources := make([]Source, 0, len(sorted))
	for _, r := range sorted {
		sources = append(sources, Source{Provider: r.Provider, RawID: r.ResourceID, FetchedAt: r.NormalizedAt})
	}
	return data, sources, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseDate(s *string) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// later reports whether candidate is strictly later than current. A parsed
// date is later than an unparseable one.
func later(candidate, current *string) bool {
	ct, cok := parseDate(candidate)
	if !cok {
		return false
	}
	pt, pok := parseDate(current)
	return !pok || ct.After(pt)
}

// earlier is the mirror of later.
func earlier(candidate, current *string) bool {
	ct, cok := parseDate(candidate)
	if !cok {
		return false
	}
	pt, pok := parseDate(current)
	return !pok || ct.Before(pt)
}

// sortByDateDesc orders items newest first; items without a parseable date
// go last in their original order.
func sortByDateDesc[T any](items []T, date func(T) *string) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, iok := parseDate(date(items[i]))
		tj, jok := parseDate(date(items[j]))
		if iok != jok {
			return iok
		}
		return ti.After(tj)
	})
}

func groupKey(code *string, name *string, fallback string) string {
	if code != nil {
		return *code
	}
	if name != nil {
		return *name
	}
	return fallback
}

func statusIs(status *string, values ...string) bool {
	if status == nil {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(*status, v) {
			return true
		}
	}
	return false
}

func decode[T any](r *NormalizedResource) (*T, error) {
	var v T
	if err := json.Unmarshal(r.Fields, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", r.Provider, r.ResourceID, err)
	}
	return &v, nil
}

type medicationEntry struct {
	Medication MedicationInfo   `json:"medication"`
	Dosage     MedicationDosage `json:"dosage"`
	Course     MedicationCourse `json:"course"`
	Reason     *string          `json:"reason"`
	Status     *string          `json:"status"`
	Supply     MedicationSupply `json:"supply"`
}

func summarizeMedications(records []*NormalizedResource) (map[string]medicationEntry, error) {
	out := make(map[string]medicationEntry)
	for _, r := range records {
		f, err := decode[MedicationFields](r)
		if err != nil {
			return nil, err
		}
		if f.Status != nil && terminalMedicationStatuses[strings.ToLower(*f.Status)] {
			continue
		}

		key := groupKey(r.CanonicalCode, f.Medication.Name, "Unknown Medication")
		if existing, ok := out[key]; ok && !later(f.Course.Start, existing.Course.Start) {
			continue
		}

		course := f.Course
		if course.DurationDays == nil {
			course.DurationDays = f.Supply.Days
		}
		if course.End == nil && course.DurationDays != nil {
			if start, ok := parseDate(course.Start); ok {
				end := start.AddDate(0, 0, int(*course.DurationDays)).Format("2006-01-02")
				course.End = &end
			}
		}

		out[key] = medicationEntry{
			Medication: f.Medication,
			Dosage:     f.Dosage,
			Course:     course,
			Reason:     f.Reason,
			Status:     f.Status,
			Supply:     f.Supply,
		}
	}
	return out, nil
}

type conditionEntry struct {
	Code         *string `json:"code"`
	Name         *string `json:"name"`
	Status       *string `json:"status"`
	OnsetDate    *string `json:"onset_date"`
	RecordedDate *string `json:"recorded_date"`
}

func summarizeConditions(records []*NormalizedResource) (map[string]conditionEntry, error) {
	out := make(map[string]conditionEntry)
	for _, r := range records {
		f, err := decode[ConditionFields](r)
		if err != nil {
			return nil, err
		}
		if statusIs(f.ClinicalStatus, "resolved", "inactive") {
			continue
		}

		key := groupKey(r.CanonicalCode, f.Condition, "Unknown Condition")
		existing, ok := out[key]
		if !ok {
			out[key] = conditionEntry{
				Code:         r.CanonicalCode,
				Name:         f.Condition,
				Status:       f.ClinicalStatus,
				OnsetDate:    f.Onset,
				RecordedDate: f.RecordedDate,
			}
			continue
		}

		if later(f.RecordedDate, existing.RecordedDate) {
			existing.Status = f.ClinicalStatus
			existing.RecordedDate = f.RecordedDate
		}
		if earlier(f.Onset, existing.OnsetDate) {
			existing.OnsetDate = f.Onset
		}
		if existing.Name == nil {
			existing.Name = f.Condition
		}
		out[key] = existing
	}
	return out, nil
}

type observationReading struct {
	Value    *string `json:"value"`
	Unit     *string `json:"unit"`
	Date     *string `json:"date"`
	Category *string `json:"category,omitempty"`
}

type observationEntry struct {
	Latest   observationReading  `json:"latest"`
	Previous *observationReading `json:"previous,omitempty"`
}

func summarizeObservations(records []*NormalizedResource) (map[string]observationEntry, error) {
	groups := make(map[string][]*ObservationFields)
	for _, r := range records {
		f, err := decode[ObservationFields](r)
		if err != nil {
			return nil, err
		}
		key := groupKey(r.CanonicalCode, f.TestName, "Unknown Test")
		groups[key] = append(groups[key], f)
	}

	out := make(map[string]observationEntry, len(groups))
	for key, readings := range groups {
		sortByDateDesc(readings, func(f *ObservationFields) *string { return f.EffectiveDateTime })

		latest := readings[0]
		entry := observationEntry{Latest: observationReading{
			Value:    latest.Value,
			Unit:     latest.Unit,
			Date:     latest.EffectiveDateTime,
			Category: latest.Category,
		}}
		if len(readings) > 1 {
			prev := readings[1]
			entry.Previous = &observationReading{Value: prev.Value, Unit: prev.Unit, Date: prev.EffectiveDateTime}
		}
		out[key] = entry
	}
	return out, nil
}

type immunizationEntry struct {
	Name   *string `json:"name"`
	Date   *string `json:"date"`
	Status *string `json:"status"`
	Site   *string `json:"site"`
	Route  *string `json:"route"`
}

func summarizeImmunizations(records []*NormalizedResource) (map[string]immunizationEntry, error) {
	out := make(map[string]immunizationEntry)
	for _, r := range records {
		f, err := decode[ImmunizationFields](r)
		if err != nil {
			return nil, err
		}
		key := groupKey(r.CanonicalCode, f.VaccineName, "Unknown Vaccine")
		if existing, ok := out[key]; ok && !later(f.Date, existing.Date) {
			continue
		}
		out[key] = immunizationEntry{Name: f.VaccineName, Date: f.Date, Status: f.Status, Site: f.Site, Route: f.Route}
	}
	return out, nil
}

type allergyEntry struct {
	Name         *string `json:"name"`
	Criticality  *string `json:"criticality"`
	Severity     *string `json:"severity"`
	Reaction     *string `json:"reaction"`
	Category     *string `json:"category"`
	Status       *string `json:"status"`
	RecordedDate *string `json:"recorded_date"`
}

func summarizeAllergies(records []*NormalizedResource) (map[string]allergyEntry, error) {
	out := make(map[string]allergyEntry)
	for _, r := range records {
		f, err := decode[AllergyFields](r)
		if err != nil {
			return nil, err
		}
		if statusIs(f.ClinicalStatus, "resolved") {
			continue
		}
		key := groupKey(r.CanonicalCode, f.Allergy, "Unknown Allergy")
		if existing, ok := out[key]; ok && !later(f.RecordedDate, existing.RecordedDate) {
			continue
		}
		out[key] = allergyEntry{
			Name:         f.Allergy,
			Criticality:  f.Criticality,
			Severity:     f.Severity,
			Reaction:     f.Reaction,
			Category:     f.Category,
			Status:       f.ClinicalStatus,
			RecordedDate: f.RecordedDate,
		}
	}
	return out, nil
}

type encounterEntry struct {
	Type     *string `json:"type"`
	Class    *string `json:"class"`
	Status   *string `json:"status"`
	Date     *string `json:"date"`
	End      *string `json:"end"`
	Provider *string `json:"provider"`
	Location *string `json:"location"`
}

func summarizeEncounters(records []*NormalizedResource) ([]encounterEntry, error) {
	entries := make([]encounterEntry, 0, len(records))
	for _, r := range records {
		f, err := decode[EncounterFields](r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, encounterEntry{
			Type:     f.Type,
			Class:    f.Class,
			Status:   f.Status,
			Date:     f.Period.Start,
			End:      f.Period.End,
			Provider: f.Provider,
			Location: f.Location,
		})
	}
	sortByDateDesc(entries, func(e encounterEntry) *string { return e.Date })
	if len(entries) > maxEncounters {
		entries = entries[:maxEncounters]
	}
	return entries, nil
}

type procedureEntry struct {
	Procedure *string `json:"procedure"`
	Date      *string `json:"date"`
	Status    *string `json:"status"`
	Reason    *string `json:"reason"`
}

func summarizeProcedures(records []*NormalizedResource) ([]procedureEntry, error) {
	entries := make([]procedureEntry, 0, len(records))
	for _, r := range records {
		f, err := decode[ProcedureFields](r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, procedureEntry{
			Procedure: f.Procedure,
			Date:      f.PerformedDateTime,
			Status:    f.Status,
			Reason:    f.Reason,
		})
	}
	sortByDateDesc(entries, func(e procedureEntry) *string { return e.Date })
	if len(entries) > maxProcedures {
		entries = entries[:maxProcedures]
	}
	return entries, nil
}

// latestFields returns the fields of the most recently normalized record.
func latestFields(records []*NormalizedResource) json.RawMessage {
	var latest *NormalizedResource
	for _, r := range records {
		if latest == nil || r.NormalizedAt.After(latest.NormalizedAt) {
			latest = r
		}
	}
	if latest == nil || len(latest.Fields) == 0 {
		return json.RawMessage(`{}`)
	}
	return latest.Fields
}
