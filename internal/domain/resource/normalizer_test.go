package resource

import (
	"encoding/json"
	"testing"
)

func normalize(t *testing.T, resourceType, payload string) *Normalized {
	t.Helper()
	n, err := NewNormalizer().Normalize(resourceType, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("normalize %s: %v", resourceType, err)
	}
	return n
}

func decodeFields(t *testing.T, data json.RawMessage, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode fields: %v", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func TestNormalize_MedicationRequest(t *testing.T) {
	payload := `{
		"resourceType": "MedicationRequest",
		"id": "med-1",
		"status": "active",
		"authoredOn": "2023-06-01",
		"medicationCodeableConcept": {
			"text": "Lisinopril 10 MG Oral Tablet",
			"coding": [
				{"system": "urn:oid:2.16.840.1.113883.6.253", "code": "999", "display": "Other"},
				{"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "314076", "display": "lisinopril 10 MG Oral Tablet"}
			]
		},
		"category": [{"text": "Outpatient"}],
		"reasonCode": [{"text": "Hypertension"}],
		"dosageInstruction": [{
			"route": {"coding": [{"display": "Oral"}], "text": "By mouth"},
			"timing": {"repeat": {"frequency": 1, "period": 12, "periodUnit": "h"}},
			"doseAndRate": [{"doseQuantity": {"value": 10, "unit": "mg"}}]
		}],
		"dispenseRequest": {
			"validityPeriod": {"start": "2023-06-02", "end": "2023-12-01"},
			"numberOfRepeatsAllowed": 3,
			"expectedSupplyDuration": {"value": 30, "unit": "days"}
		}
	}`

	n := normalize(t, TypeMedicationRequest, payload)
	if deref(n.CanonicalCode) != "314076" {
		t.Errorf("expected rxnorm code 314076, got %s", deref(n.CanonicalCode))
	}

	var f MedicationFields
	decodeFields(t, n.Fields, &f)
	if deref(f.Medication.Name) != "lisinopril 10 MG Oral Tablet" {
		t.Errorf("unexpected name %s", deref(f.Medication.Name))
	}
	if deref(f.Medication.Form) != "Outpatient" {
		t.Errorf("unexpected form %s", deref(f.Medication.Form))
	}
	if f.Dosage.Amount == nil || *f.Dosage.Amount != 10 || deref(f.Dosage.Unit) != "mg" {
		t.Errorf("unexpected dose %+v", f.Dosage)
	}
	if deref(f.Dosage.Route) != "Oral" {
		t.Errorf("unexpected route %s", deref(f.Dosage.Route))
	}
	if f.Dosage.FrequencyPerDay == nil || *f.Dosage.FrequencyPerDay != 2 {
		t.Errorf("expected 2 doses per day, got %v", f.Dosage.FrequencyPerDay)
	}
	if deref(f.Course.Start) != "2023-06-01" {
		t.Errorf("authoredOn should win over validity start, got %s", deref(f.Course.Start))
	}
	if deref(f.Course.End) != "2023-12-01" {
		t.Errorf("unexpected course end %s", deref(f.Course.End))
	}
	if f.Course.DurationDays == nil || *f.Course.DurationDays != 30 {
		t.Errorf("unexpected duration %v", f.Course.DurationDays)
	}
	if f.Supply.Refills == nil || *f.Supply.Refills != 3 {
		t.Errorf("unexpected refills %v", f.Supply.Refills)
	}
	if deref(f.Reason) != "Hypertension" {
		t.Errorf("unexpected reason %s", deref(f.Reason))
	}
}

func TestNormalize_MedicationReferenceAndMissingValues(t *testing.T) {
	n := normalize(t, TypeMedicationRequest, `{"status":"active","medicationReference":{"display":"Metformin"}}`)
	if n.CanonicalCode != nil {
		t.Errorf("expected no code, got %s", *n.CanonicalCode)
	}

	var f MedicationFields
	decodeFields(t, n.Fields, &f)
	if deref(f.Medication.Name) != "Metformin" {
		t.Errorf("unexpected name %s", deref(f.Medication.Name))
	}
	if f.Dosage.Amount != nil || f.Dosage.FrequencyPerDay != nil || f.Course.Start != nil || f.Supply.Refills != nil {
		t.Errorf("absent values must stay null: %s", n.Fields)
	}
}

func TestFrequencyPerDay(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name      string
		frequency *float64
		period    *float64
		unit      string
		want      *float64
	}{
		{"no frequency", nil, f(1), "d", nil},
		{"twice daily", f(2), f(1), "d", f(2)},
		{"every 8 hours", f(1), f(8), "h", f(3)},
		{"weekly", f(1), f(1), "wk", f(0.14)},
		{"no period", f(3), nil, "", f(3)},
		{"unknown unit", f(1), f(1), "fortnight", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := frequencyPerDay(tt.frequency, tt.period, tt.unit)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("got %v want %v", *got, *tt.want)
			}
		})
	}
}

func TestNormalize_ConditionPrefersICD10(t *testing.T) {
	payload := `{
		"clinicalStatus": {"coding": [{"code": "active"}]},
		"verificationStatus": {"coding": [{"code": "confirmed"}]},
		"code": {"text": "Diabetes", "coding": [
			{"system": "http://snomed.info/sct", "code": "44054006", "display": "Diabetes mellitus type 2"},
			{"system": "http://hl7.org/fhir/sid/icd-10-cm", "code": "E11.9", "display": "Type 2 diabetes mellitus without complications"}
		]},
		"onsetPeriod": {"start": "2019-05-01"},
		"recordedDate": "2020-01-15"
	}`

	n := normalize(t, TypeCondition, payload)
	if deref(n.CanonicalCode) != "E11.9" {
		t.Errorf("expected icd-10 code, got %s", deref(n.CanonicalCode))
	}
	var f ConditionFields
	decodeFields(t, n.Fields, &f)
	if deref(f.ClinicalStatus) != "active" || deref(f.VerificationStatus) != "confirmed" {
		t.Errorf("unexpected statuses %+v", f)
	}
	if deref(f.Onset) != "2019-05-01" {
		t.Errorf("expected onset from period, got %s", deref(f.Onset))
	}
	if deref(f.RecordedDate) != "2020-01-15" {
		t.Errorf("unexpected recorded date %s", deref(f.RecordedDate))
	}
}

func TestNormalize_ConditionFallsBackToFirstCoding(t *testing.T) {
	n := normalize(t, TypeCondition, `{"code":{"coding":[{"system":"urn:local","code":"L1","display":"Local"}]}}`)
	if deref(n.CanonicalCode) != "L1" {
		t.Errorf("expected first coding fallback, got %s", deref(n.CanonicalCode))
	}
}

func TestNormalize_ObservationValues(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantValue string
		wantUnit  string
	}{
		{
			name:      "quantity",
			payload:   `{"code":{"coding":[{"system":"http://loinc.org","code":"2345-7","display":"Glucose"}]},"valueQuantity":{"value":95.5,"unit":"mg/dL"}}`,
			wantValue: "95.5",
			wantUnit:  "mg/dL",
		},
		{
			name:      "integer quantity",
			payload:   `{"valueQuantity":{"value":120,"unit":"mmHg"}}`,
			wantValue: "120",
			wantUnit:  "mmHg",
		},
		{
			name:      "string",
			payload:   `{"valueString":"Negative"}`,
			wantValue: "Negative",
			wantUnit:  "<nil>",
		},
		{
			name:      "codeable concept",
			payload:   `{"valueCodeableConcept":{"coding":[{"display":"Positive"}]}}`,
			wantValue: "Positive",
			wantUnit:  "<nil>",
		},
		{
			name:      "no value",
			payload:   `{"status":"final"}`,
			wantValue: "<nil>",
			wantUnit:  "<nil>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f ObservationFields
			decodeFields(t, normalize(t, TypeObservation, tt.payload).Fields, &f)
			if deref(f.Value) != tt.wantValue {
				t.Errorf("value: got %s want %s", deref(f.Value), tt.wantValue)
			}
			if deref(f.Unit) != tt.wantUnit {
				t.Errorf("unit: got %s want %s", deref(f.Unit), tt.wantUnit)
			}
		})
	}
}

func TestNormalize_ObservationCategoryAndCode(t *testing.T) {
	payload := `{
		"status": "final",
		"category": [{"coding": [{"code": "laboratory"}]}],
		"code": {"coding": [{"system": "http://loinc.org", "code": "4548-4", "display": "Hemoglobin A1c"}]},
		"effectiveDateTime": "2024-02-01T09:30:00Z"
	}`
	n := normalize(t, TypeObservation, payload)
	if deref(n.CanonicalCode) != "4548-4" {
		t.Errorf("unexpected code %s", deref(n.CanonicalCode))
	}
	var f ObservationFields
	decodeFields(t, n.Fields, &f)
	if deref(f.Category) != "laboratory" || deref(f.TestName) != "Hemoglobin A1c" {
		t.Errorf("unexpected fields %s", n.Fields)
	}
	if deref(f.EffectiveDateTime) != "2024-02-01T09:30:00Z" {
		t.Errorf("unexpected effective date %s", deref(f.EffectiveDateTime))
	}
}

func TestNormalize_Patient(t *testing.T) {
	payload := `{
		"name": [{"given": ["Jane", "Q"], "family": "Doe"}],
		"gender": "female",
		"birthDate": "1980-04-12",
		"address": [{"line": ["1 Main St"], "city": "Madison", "state": "WI", "postalCode": "53703"}]
	}`
	n := normalize(t, TypePatient, payload)
	if n.CanonicalCode != nil {
		t.Error("patients carry no canonical code")
	}
	var f PatientFields
	decodeFields(t, n.Fields, &f)
	if deref(f.Name) != "Jane Q Doe" {
		t.Errorf("unexpected name %s", deref(f.Name))
	}
	if deref(f.Address) != "1 Main St, Madison, WI, 53703" {
		t.Errorf("unexpected address %s", deref(f.Address))
	}
}

func TestNormalize_AllergyEncounterProcedureImmunization(t *testing.T) {
	var a AllergyFields
	n := normalize(t, TypeAllergyIntolerance, `{
		"clinicalStatus": {"coding": [{"code": "active"}]},
		"code": {"coding": [{"system": "http://snomed.info/sct", "code": "91936005", "display": "Penicillin allergy"}]},
		"criticality": "high",
		"category": ["medication"],
		"reaction": [{"severity": "severe", "manifestation": [{"coding": [{"display": "Hives"}]}]}]
	}`)
	decodeFields(t, n.Fields, &a)
	if deref(n.CanonicalCode) != "91936005" || deref(a.Reaction) != "Hives" || deref(a.Severity) != "severe" || deref(a.Category) != "medication" {
		t.Errorf("unexpected allergy %s", n.Fields)
	}

	var e EncounterFields
	n = normalize(t, TypeEncounter, `{
		"status": "finished",
		"class": {"display": "ambulatory"},
		"type": [{"text": "Office visit"}],
		"period": {"start": "2024-01-01T10:00:00Z", "end": "2024-01-01T10:30:00Z"},
		"location": [{"location": {"display": "Clinic A"}}],
		"participant": [{"individual": {"display": "Dr. Smith"}}]
	}`)
	decodeFields(t, n.Fields, &e)
	if deref(e.Class) != "ambulatory" || deref(e.Type) != "Office visit" || deref(e.Location) != "Clinic A" || deref(e.Provider) != "Dr. Smith" {
		t.Errorf("unexpected encounter %s", n.Fields)
	}
	if deref(e.Period.End) != "2024-01-01T10:30:00Z" {
		t.Errorf("unexpected period %s", n.Fields)
	}

	var p ProcedureFields
	n = normalize(t, TypeProcedure, `{
		"status": "completed",
		"code": {"coding": [{"system": "http://www.ama-assn.org/go/cpt", "code": "45378", "display": "Colonoscopy"}]},
		"performedPeriod": {"start": "2022-03-03"}
	}`)
	decodeFields(t, n.Fields, &p)
	if deref(n.CanonicalCode) != "45378" || deref(p.PerformedDateTime) != "2022-03-03" {
		t.Errorf("unexpected procedure %s", n.Fields)
	}

	var im ImmunizationFields
	n = normalize(t, TypeImmunization, `{
		"status": "completed",
		"vaccineCode": {"coding": [{"system": "http://hl7.org/fhir/sid/cvx", "code": "208", "display": "COVID-19 vaccine"}]},
		"occurrenceDateTime": "2021-04-10",
		"site": {"text": "Left arm"}
	}`)
	decodeFields(t, n.Fields, &im)
	if deref(n.CanonicalCode) != "208" || deref(im.Date) != "2021-04-10" || deref(im.Site) != "Left arm" {
		t.Errorf("unexpected immunization %s", n.Fields)
	}
}

func TestNormalize_UnknownTypeCopiesPayload(t *testing.T) {
	payload := `{"resourceType":"DiagnosticReport","id":"x"}`
	n := normalize(t, "DiagnosticReport", payload)
	if string(n.Fields) != payload {
		t.Errorf("expected payload copy, got %s", n.Fields)
	}
	if n.CanonicalCode != nil {
		t.Error("unknown types carry no code")
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	payload := `{"status":"active","medicationCodeableConcept":{"coding":[{"system":"http://www.nlm.nih.gov/research/umls/rxnorm","code":"1"}]}}`
	a := normalize(t, TypeMedicationRequest, payload)
	b := normalize(t, TypeMedicationRequest, payload)
	if string(a.Fields) != string(b.Fields) {
		t.Errorf("normalization is not deterministic: %s vs %s", a.Fields, b.Fields)
	}
}

func TestNormalize_MalformedPayload(t *testing.T) {
	tests := []struct {
		resourceType string
		payload      string
	}{
		{TypeObservation, `{"category": {"text": "not an array"}}`},
		{TypeCondition, `{"code": "E11"}`},
		{TypePatient, `not json`},
		{"Unknown", `[1,2`},
	}
	for _, tt := range tests {
		t.Run(tt.resourceType, func(t *testing.T) {
			if _, err := NewNormalizer().Normalize(tt.resourceType, json.RawMessage(tt.payload)); err == nil {
				t.Error("expected error for malformed payload")
			}
		})
	}
}
