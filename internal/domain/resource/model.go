package resource

import (
	"encoding/json"
	"time"
)

// FHIR resource types synced from every provider, in sync order.
const (
	TypePatient            = "Patient"
	TypeMedicationRequest  = "MedicationRequest"
	TypeCondition          = "Condition"
	TypeObservation        = "Observation"
	TypeImmunization       = "Immunization"
	TypeAllergyIntolerance = "AllergyIntolerance"
	TypeEncounter          = "Encounter"
	TypeProcedure          = "Procedure"
)

// SyncedTypes is the fixed list of resource types a full sync covers.
var SyncedTypes = []string{
	TypePatient,
	TypeMedicationRequest,
	TypeCondition,
	TypeObservation,
	TypeImmunization,
	TypeAllergyIntolerance,
	TypeEncounter,
	TypeProcedure,
}

// RawResource is the exact provider payload for one record. Last fetch wins.
type RawResource struct {
	ProfileID    string          `json:"profileId"`
	Provider     string          `json:"provider"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Payload      json.RawMessage `json:"payload"`
	FetchedAt    time.Time       `json:"fetchedAt"`
}

// NormalizedResource is one record in canonical shape, derived only from the
// RawResource with the same key.
type NormalizedResource struct {
	ProfileID     string          `json:"profileId"`
	Provider      string          `json:"provider"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	CanonicalCode *string         `json:"canonicalCode"`
	Fields        json.RawMessage `json:"fields"`
	NormalizedAt  time.Time       `json:"normalizedAt"`
}

// CleanResource is the single aggregated summary per profile and resource
// type. It is replaced as a whole on every clean pass.
type CleanResource struct {
	ProfileID    string          `json:"profileId"`
	ResourceType string          `json:"resourceType"`
	Summary      json.RawMessage `json:"summary"`
	Sources      []Source        `json:"sources"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Source identifies one normalized record that fed a clean summary.
type Source struct {
	Provider  string    `json:"provider"`
	RawID     string    `json:"raw_id"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// EmptySummary is returned for a resource type that has not been cleaned yet.
func EmptySummary(resourceType string) json.RawMessage {
	switch resourceType {
	case TypeEncounter, TypeProcedure:
		return json.RawMessage(`[]`)
	}
	return json.RawMessage(`{}`)
}
