package resource

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Terminology systems preferred as canonical codes. Matching is by substring
// so versioned or suffixed system URLs still match.
const (
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemICD10  = "http://hl7.org/fhir/sid/icd-10"
	SystemSNOMED = "http://snomed.info/sct"
	SystemLOINC  = "http://loinc.org"
	SystemCVX    = "http://hl7.org/fhir/sid/cvx"
	SystemCPT    = "http://www.ama-assn.org/go/cpt"
)

// Normalized is the output of normalizing one raw record.
type Normalized struct {
	Fields        json.RawMessage
	CanonicalCode *string
}

// Normalizer maps raw FHIR R4 payloads into the per-type field shapes. It is
// pure: the same payload always yields the same output. Missing values
// become null; only a payload whose JSON shape contradicts FHIR (an object
// where an array belongs, say) is rejected.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

func (n *Normalizer) Normalize(resourceType string, raw json.RawMessage) (*Normalized, error) {
	var (
		fields interface{}
		code   *string
		err    error
	)

	switch resourceType {
	case TypePatient:
		fields, err = normalizePatient(raw)
	case TypeMedicationRequest:
		fields, code, err = normalizeMedicationRequest(raw)
	case TypeCondition:
		fields, code, err = normalizeCondition(raw)
	case TypeObservation:
		fields, code, err = normalizeObservation(raw)
	case TypeImmunization:
		fields, code, err = normalizeImmunization(raw)
	case TypeAllergyIntolerance:
		fields, code, err = normalizeAllergy(raw)
	case TypeEncounter:
		fields, code, err = normalizeEncounter(raw)
	case TypeProcedure:
		fields, code, err = normalizeProcedure(raw)
	default:
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", resourceType, err)
		}
		return &Normalized{Fields: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", resourceType, err)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal normalized %s: %w", resourceType, err)
	}
	return &Normalized{Fields: data, CanonicalCode: code}, nil
}

// FHIR input shapes. Only the elements the normalizer reads are declared.

type coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type codeableConcept struct {
	Coding []coding `json:"coding"`
	Text   string   `json:"text"`
}

type reference struct {
	Display string `json:"display"`
}

type quantity struct {
	Value *float64 `json:"value"`
	Unit  string   `json:"unit"`
}

type period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// canonical picks the first coding whose system matches a preferred system,
// in preference order, else the first coding. It returns the code and the
// display text to use.
func canonical(cc *codeableConcept, systems ...string) (code *string, display *string) {
	if cc == nil {
		return nil, nil
	}

	var match *coding
	for _, sys := range systems {
		for i := range cc.Coding {
			if cc.Coding[i].System != "" && strings.Contains(cc.Coding[i].System, sys) {
				match = &cc.Coding[i]
				break
			}
		}
		if match != nil {
			break
		}
	}
	if match == nil && len(cc.Coding) > 0 {
		match = &cc.Coding[0]
	}

	display = str(cc.Text)
	if match != nil {
		code = str(match.Code)
		if match.Display != "" {
			display = str(match.Display)
		}
	}
	return code, display
}

// conceptText prefers the concept text, then the first coding display.
func conceptText(cc *codeableConcept) *string {
	if cc == nil {
		return nil
	}
	if cc.Text != "" {
		return str(cc.Text)
	}
	for _, c := range cc.Coding {
		if c.Display != "" {
			return str(c.Display)
		}
	}
	return nil
}

func firstCode(cc *codeableConcept) *string {
	if cc == nil || len(cc.Coding) == 0 {
		return nil
	}
	return str(cc.Coding[0].Code)
}

func firstConcept(ccs []codeableConcept) *codeableConcept {
	if len(ccs) == 0 {
		return nil
	}
	return &ccs[0]
}

func str(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func firstNonNil(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func normalizePatient(raw json.RawMessage) (*PatientFields, error) {
	var p struct {
		Name []struct {
			Text   string   `json:"text"`
			Given  []string `json:"given"`
			Family string   `json:"family"`
		} `json:"name"`
		Gender    string `json:"gender"`
		BirthDate string `json:"birthDate"`
		Address   []struct {
			Text       string   `json:"text"`
			Line       []string `json:"line"`
			City       string   `json:"city"`
			State      string   `json:"state"`
			PostalCode string   `json:"postalCode"`
		} `json:"address"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	out := &PatientFields{Gender: str(p.Gender), BirthDate: str(p.BirthDate)}
	if len(p.Name) > 0 {
		name := p.Name[0]
		out.Name = firstNonNil(str(name.Text), str(strings.Join(append(name.Given, name.Family), " ")))
	}
	if len(p.Address) > 0 {
		addr := p.Address[0]
		parts := append([]string{}, addr.Line...)
		for _, s := range []string{addr.City, addr.State, addr.PostalCode} {
			if s != "" {
				parts = append(parts, s)
			}
		}
		out.Address = firstNonNil(str(addr.Text), str(strings.Join(parts, ", ")))
	}
	return out, nil
}

func normalizeMedicationRequest(raw json.RawMessage) (*MedicationFields, *string, error) {
	var m struct {
		Status                    string            `json:"status"`
		MedicationCodeableConcept *codeableConcept  `json:"medicationCodeableConcept"`
		MedicationReference       *reference        `json:"medicationReference"`
		Category                  []codeableConcept `json:"category"`
		AuthoredOn                string            `json:"authoredOn"`
		ReasonCode                []codeableConcept `json:"reasonCode"`
		DosageInstruction         []struct {
			Text   string           `json:"text"`
			Route  *codeableConcept `json:"route"`
			Timing *struct {
				Repeat *struct {
					Frequency  *float64 `json:"frequency"`
					Period     *float64 `json:"period"`
					PeriodUnit string   `json:"periodUnit"`
				} `json:"repeat"`
			} `json:"timing"`
			DoseAndRate []struct {
				DoseQuantity *quantity `json:"doseQuantity"`
			} `json:"doseAndRate"`
		} `json:"dosageInstruction"`
		DispenseRequest *struct {
			ValidityPeriod         *period   `json:"validityPeriod"`
			NumberOfRepeatsAllowed *int      `json:"numberOfRepeatsAllowed"`
			ExpectedSupplyDuration *quantity `json:"expectedSupplyDuration"`
		} `json:"dispenseRequest"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, err
	}

	code, display := canonical(m.MedicationCodeableConcept, SystemRxNorm)
	name := display
	if name == nil && m.MedicationReference != nil {
		name = str(m.MedicationReference.Display)
	}

	out := &MedicationFields{
		Status:     str(m.Status),
		Medication: MedicationInfo{Name: name, Form: conceptText(firstConcept(m.Category))},
		Reason:     conceptText(firstConcept(m.ReasonCode)),
	}
	out.Course.Start = str(m.AuthoredOn)

	if len(m.DosageInstruction) > 0 {
		d := m.DosageInstruction[0]
		if d.Route != nil {
			out.Dosage.Route = firstNonNil(firstDisplay(d.Route), str(d.Route.Text))
		}
		if len(d.DoseAndRate) > 0 && d.DoseAndRate[0].DoseQuantity != nil {
			q := d.DoseAndRate[0].DoseQuantity
			out.Dosage.Amount = q.Value
			out.Dosage.Unit = str(q.Unit)
		}
		if d.Timing != nil && d.Timing.Repeat != nil {
			r := d.Timing.Repeat
			out.Dosage.FrequencyPerDay = frequencyPerDay(r.Frequency, r.Period, r.PeriodUnit)
		}
	}

	if dr := m.DispenseRequest; dr != nil {
		if dr.ValidityPeriod != nil {
			out.Course.Start = firstNonNil(out.Course.Start, str(dr.ValidityPeriod.Start))
			out.Course.End = str(dr.ValidityPeriod.End)
		}
		if dr.ExpectedSupplyDuration != nil {
			days := durationDays(dr.ExpectedSupplyDuration)
			out.Course.DurationDays = days
			out.Supply.Days = days
		}
		out.Supply.Refills = dr.NumberOfRepeatsAllowed
	}

	return out, code, nil
}

func firstDisplay(cc *codeableConcept) *string {
	if cc == nil || len(cc.Coding) == 0 {
		return nil
	}
	return str(cc.Coding[0].Display)
}

var unitsPerDay = map[string]float64{
	"s":   86400,
	"min": 1440,
	"h":   24,
	"d":   1,
	"wk":  1.0 / 7,
	"mo":  1.0 / 30,
	"a":   1.0 / 365,
}

// frequencyPerDay converts a timing repeat (frequency per period periodUnit)
// into administrations per day, rounded to two decimals.
func frequencyPerDay(frequency, period *float64, unit string) *float64 {
	if frequency == nil {
		return nil
	}
	if period == nil || *period <= 0 || unit == "" {
		f := *frequency
		return &f
	}
	perDay, ok := unitsPerDay[unit]
	if !ok {
		return nil
	}
	v := math.Round(*frequency*perDay / *period * 100) / 100
	return &v
}

// durationDays reads a FHIR Duration in days. Units other than days are
// converted; unknown units yield null.
func durationDays(q *quantity) *float64 {
	if q == nil || q.Value == nil {
		return nil
	}
	unit := strings.ToLower(q.Unit)
	var factor float64
	switch {
	case unit == "" || unit == "d" || strings.HasPrefix(unit, "day"):
		factor = 1
	case unit == "wk" || strings.HasPrefix(unit, "week"):
		factor = 7
	case unit == "mo" || strings.HasPrefix(unit, "month"):
		factor = 30
	default:
		return nil
	}
	v := *q.Value * factor
	return &v
}

func normalizeCondition(raw json.RawMessage) (*ConditionFields, *string, error) {
	var c struct {
		ClinicalStatus     *codeableConcept `json:"clinicalStatus"`
		VerificationStatus *codeableConcept `json:"verificationStatus"`
		Code               *codeableConcept `json:"code"`
		OnsetDateTime      string           `json:"onsetDateTime"`
		OnsetPeriod        *period          `json:"onsetPeriod"`
		RecordedDate       string           `json:"recordedDate"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, nil, err
	}

	code, display := canonical(c.Code, SystemICD10, SystemSNOMED)
	out := &ConditionFields{
		ClinicalStatus:     firstCode(c.ClinicalStatus),
		VerificationStatus: firstCode(c.VerificationStatus),
		Condition:          display,
		Onset:              str(c.OnsetDateTime),
		RecordedDate:       str(c.RecordedDate),
	}
	if out.Onset == nil && c.OnsetPeriod != nil {
		out.Onset = str(c.OnsetPeriod.Start)
	}
	return out, code, nil
}

func normalizeObservation(raw json.RawMessage) (*ObservationFields, *string, error) {
	var o struct {
		Status               string            `json:"status"`
		Category             []codeableConcept `json:"category"`
		Code                 *codeableConcept  `json:"code"`
		ValueQuantity        *quantity         `json:"valueQuantity"`
		ValueString          string            `json:"valueString"`
		ValueCodeableConcept *codeableConcept  `json:"valueCodeableConcept"`
		EffectiveDateTime    string            `json:"effectiveDateTime"`
		EffectivePeriod      *period           `json:"effectivePeriod"`
		Issued               string            `json:"issued"`
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, nil, err
	}

	code, display := canonical(o.Code, SystemLOINC)
	out := &ObservationFields{
		Status:            str(o.Status),
		Category:          firstCode(firstConcept(o.Category)),
		TestName:          display,
		EffectiveDateTime: str(o.EffectiveDateTime),
	}

	switch {
	case o.ValueQuantity != nil && o.ValueQuantity.Value != nil:
		out.Value = str(strconv.FormatFloat(*o.ValueQuantity.Value, 'f', -1, 64))
		out.Unit = str(o.ValueQuantity.Unit)
	case o.ValueString != "":
		out.Value = str(o.ValueString)
	case o.ValueCodeableConcept != nil:
		out.Value = conceptText(o.ValueCodeableConcept)
	}

	if out.EffectiveDateTime == nil && o.EffectivePeriod != nil {
		out.EffectiveDateTime = str(o.EffectivePeriod.Start)
	}
	if out.EffectiveDateTime == nil {
		out.EffectiveDateTime = str(o.Issued)
	}
	return out, code, nil
}

func normalizeImmunization(raw json.RawMessage) (*ImmunizationFields, *string, error) {
	var im struct {
		Status             string           `json:"status"`
		VaccineCode        *codeableConcept `json:"vaccineCode"`
		OccurrenceDateTime string           `json:"occurrenceDateTime"`
		OccurrenceString   string           `json:"occurrenceString"`
		Site               *codeableConcept `json:"site"`
		Route              *codeableConcept `json:"route"`
	}
	if err := json.Unmarshal(raw, &im); err != nil {
		return nil, nil, err
	}

	code, display := canonical(im.VaccineCode, SystemCVX)
	return &ImmunizationFields{
		Status:      str(im.Status),
		VaccineName: display,
		Date:        firstNonNil(str(im.OccurrenceDateTime), str(im.OccurrenceString)),
		Site:        conceptText(im.Site),
		Route:       conceptText(im.Route),
	}, code, nil
}

func normalizeAllergy(raw json.RawMessage) (*AllergyFields, *string, error) {
	var a struct {
		ClinicalStatus     *codeableConcept `json:"clinicalStatus"`
		VerificationStatus *codeableConcept `json:"verificationStatus"`
		Code               *codeableConcept `json:"code"`
		Criticality        string           `json:"criticality"`
		Category           []string         `json:"category"`
		RecordedDate       string           `json:"recordedDate"`
		Reaction           []struct {
			Severity      string            `json:"severity"`
			Manifestation []codeableConcept `json:"manifestation"`
		} `json:"reaction"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, nil, err
	}

	code, display := canonical(a.Code, SystemRxNorm, SystemSNOMED)
	out := &AllergyFields{
		ClinicalStatus:     firstCode(a.ClinicalStatus),
		VerificationStatus: firstCode(a.VerificationStatus),
		Allergy:            display,
		Criticality:        str(a.Criticality),
		RecordedDate:       str(a.RecordedDate),
	}
	if len(a.Category) > 0 {
		out.Category = str(a.Category[0])
	}
	if len(a.Reaction) > 0 {
		out.Severity = str(a.Reaction[0].Severity)
		out.Reaction = conceptText(firstConcept(a.Reaction[0].Manifestation))
	}
	return out, code, nil
}

func normalizeEncounter(raw json.RawMessage) (*EncounterFields, *string, error) {
	var e struct {
		Status   string            `json:"status"`
		Class    *coding           `json:"class"`
		Type     []codeableConcept `json:"type"`
		Period   *period           `json:"period"`
		Location []struct {
			Location reference `json:"location"`
		} `json:"location"`
		Participant []struct {
			Individual reference `json:"individual"`
		} `json:"participant"`
		ServiceProvider *reference `json:"serviceProvider"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil, err
	}

	code, display := canonical(firstConcept(e.Type), SystemSNOMED)
	out := &EncounterFields{Status: str(e.Status), Type: display}
	if e.Class != nil {
		out.Class = firstNonNil(str(e.Class.Code), str(e.Class.Display))
	}
	if e.Period != nil {
		out.Period = Period{Start: str(e.Period.Start), End: str(e.Period.End)}
	}
	if len(e.Location) > 0 {
		out.Location = str(e.Location[0].Location.Display)
	}
	if len(e.Participant) > 0 {
		out.Provider = str(e.Participant[0].Individual.Display)
	}
	return out, code, nil
}

func normalizeProcedure(raw json.RawMessage) (*ProcedureFields, *string, error) {
	var p struct {
		Status            string            `json:"status"`
		Code              *codeableConcept  `json:"code"`
		PerformedDateTime string            `json:"performedDateTime"`
		PerformedPeriod   *period           `json:"performedPeriod"`
		ReasonCode        []codeableConcept `json:"reasonCode"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, err
	}

	code, display := canonical(p.Code, SystemSNOMED, SystemCPT)
	out := &ProcedureFields{
		Status:            str(p.Status),
		Procedure:         display,
		PerformedDateTime: str(p.PerformedDateTime),
		Reason:            conceptText(firstConcept(p.ReasonCode)),
	}
	if out.PerformedDateTime == nil && p.PerformedPeriod != nil {
		out.PerformedDateTime = str(p.PerformedPeriod.Start)
	}
	return out, code, nil
}
