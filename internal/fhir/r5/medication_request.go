package r5

import (
	"encoding/json"
	"time"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"`

	// R5 uses CodeableReference for the medication
	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn time.Time         `json:"authoredOn"`
	Requester  *Reference        `json:"requester,omitempty"`

	// DetectedIssue resources raised against this request
	SupportingInformation []Reference `json:"supportingInformation,omitempty"`

	Note                      []Annotation `json:"note,omitempty"`
	RenderedDosageInstruction string       `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage     `json:"dosageInstruction,omitempty"`
}

// Dosage holds free-text dosage instructions
type Dosage struct {
	Text               string `json:"text,omitempty"`
	PatientInstruction string `json:"patientInstruction,omitempty"`
}

// GetPatientID extracts patient ID from subject reference
func (m *MedicationRequest) GetPatientID() string {
	return extractIDFromReference(m.Subject.Reference)
}

// GetMedicationCode returns the medication code and its system
func (m *MedicationRequest) GetMedicationCode() (system, code string) {
	if m.Medication.Concept == nil || len(m.Medication.Concept.Coding) == 0 {
		return "", ""
	}
	c := m.Medication.Concept.Coding[0]
	return c.System, c.Code
}

// ToJSON serializes the MedicationRequest to JSON
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// extractIDFromReference extracts the ID from a FHIR reference string,
// e.g. "Patient/123" or "urn:uuid:123"
func extractIDFromReference(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
