package interaction

import (
	"errors"
	"strings"
)

// CompositionID identifies an active pharmaceutical ingredient
type CompositionID string

// MedicationID identifies a prescribable product
type MedicationID string

// Composition is an active pharmaceutical ingredient
type Composition struct {
	ID   CompositionID `json:"id"`
	Name string        `json:"name"`
}

// Medication is a catalog product and the compositions it contains
type Medication struct {
	ID           MedicationID  `json:"id"`
	BrandName    string        `json:"brandName,omitempty"`
	GenericName  string        `json:"genericName,omitempty"`
	Compositions []Composition `json:"compositions"`
	Form         string        `json:"form,omitempty"`
}

// DisplayName returns the brand name, falling back to the generic name and ID
func (m Medication) DisplayName() string {
	switch {
	case m.BrandName != "":
		return m.BrandName
	case m.GenericName != "":
		return m.GenericName
	default:
		return string(m.ID)
	}
}

// Ref returns the attribution reference for m
func (m Medication) Ref() MedicationRef {
	return MedicationRef{ID: m.ID, Name: m.DisplayName()}
}

// MedicationRef names the medication that introduced a composition
type MedicationRef struct {
	ID   MedicationID `json:"id"`
	Name string       `json:"name"`
}

// ErrSelfPair is returned when both sides of a pair are the same composition
var ErrSelfPair = errors.New("interaction pair must reference two distinct compositions")

// ErrEmptyComposition is returned when a pair side is blank
var ErrEmptyComposition = errors.New("composition id is required")

// Pair is an unordered pair of compositions stored in canonical order (A < B)
type Pair struct {
	A CompositionID
	B CompositionID
}

// NewPair canonicalises x and y
func NewPair(x, y CompositionID) (Pair, error) {
	if strings.TrimSpace(string(x)) == "" || strings.TrimSpace(string(y)) == "" {
		return Pair{}, ErrEmptyComposition
	}
	if x == y {
		return Pair{}, ErrSelfPair
	}
	if x > y {
		x, y = y, x
	}
	return Pair{A: x, B: y}, nil
}

// Contains reports whether id is one side of the pair
func (p Pair) Contains(id CompositionID) bool { return p.A == id || p.B == id }

func (p Pair) String() string { return string(p.A) + "|" + string(p.B) }

// Rule is a known interaction between exactly two compositions
type Rule struct {
	CompositionA   Composition `json:"compA"`
	CompositionB   Composition `json:"compB"`
	Severity       Severity    `json:"severity"`
	Description    string      `json:"description"`
	Recommendation string      `json:"recommendation,omitempty"`
	References     []string    `json:"references,omitempty"`
}

// Pair returns the canonical pair the rule applies to
func (r Rule) Pair() (Pair, error) {
	return NewPair(r.CompositionA.ID, r.CompositionB.ID)
}

// Canonical returns a copy of r with its compositions in canonical order
func (r Rule) Canonical() (Rule, error) {
	p, err := r.Pair()
	if err != nil {
		return Rule{}, err
	}
	if !r.Severity.Valid() {
		return Rule{}, errors.New("rule severity is invalid")
	}
	if r.CompositionA.ID != p.A {
		r.CompositionA, r.CompositionB = r.CompositionB, r.CompositionA
	}
	return r, nil
}

// Warning is a rule matched against the compositions of a draft
type Warning struct {
	CompositionA   Composition     `json:"compA"`
	CompositionB   Composition     `json:"compB"`
	Severity       Severity        `json:"severity"`
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation,omitempty"`
	MedicationsA   []MedicationRef `json:"medicationsA,omitempty"`
	MedicationsB   []MedicationRef `json:"medicationsB,omitempty"`
}

// Pair returns the canonical composition pair of the warning
func (w Warning) Pair() Pair {
	return Pair{A: w.CompositionA.ID, B: w.CompositionB.ID}
}

// Involves renders the medications on both sides, e.g. "Crocin + Warf 5".
func (w Warning) Involves() string {
	side := func(refs []MedicationRef, c Composition) string {
		if len(refs) == 0 {
			return c.Name
		}
		names := make([]string, 0, len(refs))
		for _, r := range refs {
			names = append(names, r.Name)
		}
		return strings.Join(names, "/")
	}
	return side(w.MedicationsA, w.CompositionA) + " + " + side(w.MedicationsB, w.CompositionB)
}
