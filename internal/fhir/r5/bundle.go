package r5

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/domain/prescription"
)

// Bundle is a FHIR R5 Bundle
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry is one resource in a Bundle
type BundleEntry struct {
	FullURL  string      `json:"fullUrl"`
	Resource interface{} `json:"resource"`
}

// resourceID derives a stable UUID for a resource of the prescription, so
// repeated renders of the same version produce identical bundles
func resourceID(prescriptionID, kind, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(SystemPrescription+"/"+prescriptionID+"/"+kind+"/"+key)).String()
}

func urn(id string) string { return "urn:uuid:" + id }

// BuildBundle renders a persisted prescription as a collection bundle
func BuildBundle(p *prescription.Prescription) *Bundle {
	subject := Reference{Reference: "Patient/" + p.PatientID, Type: "Patient"}
	requester := &Reference{Reference: "Practitioner/" + p.DoctorID, Type: "Practitioner"}
	updated := p.UpdatedAt

	status := StatusActive
	if p.Status == prescription.StatusCancelled {
		status = StatusCancelled
	}

	requests := make([]*MedicationRequest, len(p.Items))
	byMedication := make(map[interaction.MedicationID]string, len(p.Items))
	for i, item := range p.Items {
		id := resourceID(p.ID, "MedicationRequest", fmt.Sprintf("%d-%s", i, item.Medication.ID))
		byMedication[item.Medication.ID] = id
		requests[i] = newMedicationRequest(id, p, item, subject, requester, status)
	}

	overridden := make(map[interaction.Pair]bool)
	if p.Override != nil {
		for _, w := range p.Override.Warnings {
			overridden[w.Pair()] = true
		}
	}

	issues := make([]*DetectedIssue, 0, len(p.Warnings))
	for _, w := range interaction.SortBySeverity(p.Warnings) {
		id := resourceID(p.ID, "DetectedIssue", w.Pair().String())
		issue := NewDetectedIssue(id, w, subject, p.SubmittedAt)

		for _, ref := range append(append([]interaction.MedicationRef(nil), w.MedicationsA...), w.MedicationsB...) {
			if reqID, ok := byMedication[ref.ID]; ok {
				issue.Implicated = append(issue.Implicated, Reference{Reference: urn(reqID), Display: ref.Name})
			}
		}
		if overridden[w.Pair()] {
			issue.Mitigate(p.Override.Reason, p.Override.AcceptedAt, requester)
		}
		issues = append(issues, issue)

		for _, req := range requests {
			if implicates(issue, req.ID) {
				req.SupportingInformation = append(req.SupportingInformation, Reference{
					Reference: urn(id),
					Type:      "DetectedIssue",
				})
			}
		}
	}

	bundle := &Bundle{
		ResourceType: "Bundle",
		ID:           p.ID,
		Meta:         &Meta{VersionID: fmt.Sprint(p.Version), LastUpdated: &updated},
		Identifier:   &Identifier{System: SystemPrescription, Value: p.ID},
		Type:         "collection",
		Timestamp:    &updated,
		Entry:        make([]BundleEntry, 0, len(requests)+len(issues)),
	}
	for _, req := range requests {
		bundle.Entry = append(bundle.Entry, BundleEntry{FullURL: urn(req.ID), Resource: req})
	}
	for _, issue := range issues {
		bundle.Entry = append(bundle.Entry, BundleEntry{FullURL: urn(issue.ID), Resource: issue})
	}
	return bundle
}

func newMedicationRequest(id string, p *prescription.Prescription, item prescription.Item, subject Reference, requester *Reference, status string) *MedicationRequest {
	med := item.Medication
	req := &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           id,
		Identifier:   []Identifier{{System: SystemPrescription, Value: p.ID}},
		Status:       status,
		Intent:       IntentOrder,
		Medication: CodeableReference{Concept: &CodeableConcept{
			Coding: []Coding{{System: SystemMedication, Code: string(med.ID), Display: med.DisplayName()}},
			Text:   med.DisplayName(),
		}},
		Subject:    subject,
		AuthoredOn: p.SubmittedAt,
		Requester:  requester,
	}

	sig := strings.TrimSpace(strings.Join(nonEmpty(item.Dosage, item.Frequency, item.Duration), ", "))
	if sig != "" || item.Instructions != "" {
		req.RenderedDosageInstruction = sig
		req.DosageInstruction = []Dosage{{Text: sig, PatientInstruction: item.Instructions}}
	}

	if p.Unverified != nil {
		at := p.Unverified.AcknowledgedAt
		req.Note = append(req.Note, Annotation{
			AuthorReference: requester,
			Time:            &at,
			Text:            "Submitted without a completed interaction check: " + p.Unverified.Reason,
		})
	}
	return req
}

func implicates(issue *DetectedIssue, requestID string) bool {
	for _, ref := range issue.Implicated {
		if ref.Reference == urn(requestID) {
			return true
		}
	}
	return false
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
