package interaction

import "strings"

// Resolution is the flattened composition set of a medication list
type Resolution struct {
	// Compositions holds each distinct composition once, in first-seen order.
	Compositions []Composition
	// Attribution maps each composition to the medications containing it.
	Attribution map[CompositionID][]MedicationRef
}

// Resolve flattens meds into distinct compositions with attribution.
// Medications without compositions are skipped.
func Resolve(meds []Medication) Resolution {
	res := Resolution{Attribution: make(map[CompositionID][]MedicationRef)}

	for _, med := range meds {
		for _, comp := range med.Compositions {
			if strings.TrimSpace(string(comp.ID)) == "" {
				continue
			}
			refs, seen := res.Attribution[comp.ID]
			if !seen {
				res.Compositions = append(res.Compositions, comp)
			}
			if !containsMedication(refs, med.ID) {
				res.Attribution[comp.ID] = append(refs, med.Ref())
			}
		}
	}

	return res
}

// ResolveCompositions builds a Resolution from bare compositions with no
// medication attribution.
func ResolveCompositions(comps []Composition) Resolution {
	res := Resolution{Attribution: make(map[CompositionID][]MedicationRef)}
	for _, comp := range comps {
		if strings.TrimSpace(string(comp.ID)) == "" {
			continue
		}
		if _, seen := res.Attribution[comp.ID]; seen {
			continue
		}
		res.Attribution[comp.ID] = nil
		res.Compositions = append(res.Compositions, comp)
	}
	return res
}

// IDs returns the distinct composition IDs in first-seen order
func (r Resolution) IDs() []CompositionID {
	ids := make([]CompositionID, 0, len(r.Compositions))
	for _, c := range r.Compositions {
		ids = append(ids, c.ID)
	}
	return ids
}

// Has reports whether id is part of the resolved set
func (r Resolution) Has(id CompositionID) bool {
	_, ok := r.Attribution[id]
	return ok
}

// Checkable reports whether at least one pair can be formed
func (r Resolution) Checkable() bool { return len(r.Compositions) >= 2 }

func containsMedication(refs []MedicationRef, id MedicationID) bool {
	for _, r := range refs {
		if r.ID == id {
			return true
		}
	}
	return false
}
