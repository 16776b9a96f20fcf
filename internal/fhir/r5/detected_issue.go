package r5

import (
	"time"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

// DetectedIssue represents a FHIR R5 DetectedIssue: a clinical problem with
// the proposed actions, here a drug-drug interaction
type DetectedIssue struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	Status             string           `json:"status"` // preliminary | final | entered-in-error | mitigated
	Code               *CodeableConcept `json:"code,omitempty"`
	Severity           string           `json:"severity,omitempty"` // high | moderate | low
	Subject            *Reference       `json:"subject,omitempty"`
	IdentifiedDateTime *time.Time       `json:"identifiedDateTime,omitempty"`
	Implicated         []Reference      `json:"implicated,omitempty"`
	Detail             string           `json:"detail,omitempty"`
	Mitigation         []Mitigation     `json:"mitigation,omitempty"`
}

// Mitigation records an action taken to address a detected issue
type Mitigation struct {
	Action CodeableConcept `json:"action"`
	Date   *time.Time      `json:"date,omitempty"`
	Author *Reference      `json:"author,omitempty"`
	Note   []Annotation    `json:"note,omitempty"`
}

// IssueSeverity maps an interaction severity onto the FHIR DetectedIssue
// severity scale
func IssueSeverity(s interaction.Severity) string {
	switch s {
	case interaction.SeverityContraindicated, interaction.SeverityMajor:
		return "high"
	case interaction.SeverityModerate:
		return "moderate"
	default:
		return "low"
	}
}

// NewDetectedIssue renders one interaction warning
func NewDetectedIssue(id string, w interaction.Warning, subject Reference, identified time.Time) *DetectedIssue {
	detail := w.Description
	if w.Recommendation != "" {
		detail += " Recommendation: " + w.Recommendation
	}

	return &DetectedIssue{
		ResourceType: "DetectedIssue",
		ID:           id,
		Status:       "final",
		Code: &CodeableConcept{
			Coding: []Coding{
				{System: SystemActCode, Code: CodeDrugInteraction, Display: "Drug Interaction Alert"},
				{System: SystemDDISeverity, Code: w.Severity.String()},
			},
			Text: w.CompositionA.Name + " + " + w.CompositionB.Name,
		},
		Severity:           IssueSeverity(w.Severity),
		Subject:            &subject,
		IdentifiedDateTime: &identified,
		Detail:             detail,
	}
}

// Mitigate records the clinician's override justification
func (d *DetectedIssue) Mitigate(reason string, at time.Time, author *Reference) {
	d.Status = "mitigated"
	d.Mitigation = append(d.Mitigation, Mitigation{
		Action: CodeableConcept{Text: "Prescriber override"},
		Date:   &at,
		Author: author,
		Note:   []Annotation{{Text: reason}},
	})
}
