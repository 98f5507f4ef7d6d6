package resource

// Normalized field shapes, one per resource type. Pointer fields are null
// when the provider did not supply a value.

type PatientFields struct {
	Name      *string `json:"name"`
	Gender    *string `json:"gender"`
	BirthDate *string `json:"birthDate"`
	Address   *string `json:"address"`
}

type MedicationFields struct {
	Status     *string          `json:"status"`
	Medication MedicationInfo   `json:"medication"`
	Dosage     MedicationDosage `json:"dosage"`
	Course     MedicationCourse `json:"course"`
	Reason     *string          `json:"reason"`
	Supply     MedicationSupply `json:"supply"`
}

type MedicationInfo struct {
	Name *string `json:"name"`
	Form *string `json:"form"`
}

type MedicationDosage struct {
	Amount          *float64 `json:"amount"`
	Unit            *string  `json:"unit"`
	Route           *string  `json:"route"`
	FrequencyPerDay *float64 `json:"frequency_per_day"`
}

type MedicationCourse struct {
	Start        *string  `json:"start"`
	End          *string  `json:"end"`
	DurationDays *float64 `json:"duration_days"`
}

type MedicationSupply struct {
	Days    *float64 `json:"days"`
	Refills *int     `json:"refills"`
}

type ConditionFields struct {
	ClinicalStatus     *string `json:"clinicalStatus"`
	VerificationStatus *string `json:"verificationStatus"`
	Condition          *string `json:"condition"`
	Onset              *string `json:"onset"`
	RecordedDate       *string `json:"recordedDate"`
}

type ObservationFields struct {
	Status            *string `json:"status"`
	Category          *string `json:"category"`
	TestName          *string `json:"testName"`
	Value             *string `json:"value"`
	Unit              *string `json:"unit"`
	EffectiveDateTime *string `json:"effectiveDateTime"`
}

type ImmunizationFields struct {
	Status      *string `json:"status"`
	VaccineName *string `json:"vaccineName"`
	Date        *string `json:"date"`
	Site        *string `json:"site"`
	Route       *string `json:"route"`
}

type AllergyFields struct {
	ClinicalStatus     *string `json:"clinicalStatus"`
	VerificationStatus *string `json:"verificationStatus"`
	Allergy            *string `json:"allergy"`
	Criticality        *string `json:"criticality"`
	Severity           *string `json:"severity"`
	Category           *string `json:"category"`
	RecordedDate       *string `json:"recordedDate"`
	Reaction           *string `json:"reaction"`
}

type EncounterFields struct {
	Status   *string `json:"status"`
	Class    *string `json:"class"`
	Type     *string `json:"type"`
	Period   Period  `json:"period"`
	Location *string `json:"location"`
	Provider *string `json:"provider"`
}

type Period struct {
	Start *string `json:"start"`
	End   *string `json:"end"`
}

type ProcedureFields struct {
	Status            *string `json:"status"`
	Procedure         *string `json:"procedure"`
	PerformedDateTime *string `json:"performedDateTime"`
	Reason            *string `json:"reason"`
}
