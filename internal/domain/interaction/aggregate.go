package interaction

import (
	"sort"
	"strings"
)

// Groups partitions warnings by severity
type Groups struct {
	Contraindicated []Warning `json:"contraindicated"`
	Major           []Warning `json:"major"`
	Moderate        []Warning `json:"moderate"`
	Minor           []Warning `json:"minor"`
}

// GroupBySeverity partitions ws into the four severity groups. Every group is
// non-nil so empty groups encode as [].
func GroupBySeverity(ws []Warning) Groups {
	g := Groups{
		Contraindicated: []Warning{},
		Major:           []Warning{},
		Moderate:        []Warning{},
		Minor:           []Warning{},
	}
	for _, w := range SortBySeverity(ws) {
		switch w.Severity {
		case SeverityContraindicated:
			g.Contraindicated = append(g.Contraindicated, w)
		case SeverityMajor:
			g.Major = append(g.Major, w)
		case SeverityModerate:
			g.Moderate = append(g.Moderate, w)
		case SeverityMinor:
			g.Minor = append(g.Minor, w)
		}
	}
	return g
}

// Count returns the total number of grouped warnings
func (g Groups) Count() int {
	return len(g.Contraindicated) + len(g.Major) + len(g.Moderate) + len(g.Minor)
}

// Empty reports whether no warnings are present
func (g Groups) Empty() bool { return g.Count() == 0 }

// Ordered returns all warnings, contraindicated first
func (g Groups) Ordered() []Warning {
	out := make([]Warning, 0, g.Count())
	out = append(out, g.Contraindicated...)
	out = append(out, g.Major...)
	out = append(out, g.Moderate...)
	return append(out, g.Minor...)
}

// Highest returns the most dangerous severity present, or 0 when empty
func (g Groups) Highest() Severity {
	switch {
	case len(g.Contraindicated) > 0:
		return SeverityContraindicated
	case len(g.Major) > 0:
		return SeverityMajor
	case len(g.Moderate) > 0:
		return SeverityModerate
	case len(g.Minor) > 0:
		return SeverityMinor
	}
	return 0
}

// SortBySeverity returns a copy of ws ordered most dangerous first, then by
// composition pair for a stable display order.
func SortBySeverity(ws []Warning) []Warning {
	out := make([]Warning, len(ws))
	copy(out, ws)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		if out[i].CompositionA.ID != out[j].CompositionA.ID {
			return out[i].CompositionA.ID < out[j].CompositionA.ID
		}
		return out[i].CompositionB.ID < out[j].CompositionB.ID
	})
	return out
}

// Policy decides which severities gate submission
type Policy struct {
	// BlockingSeverity is the lowest severity that requires an override.
	BlockingSeverity Severity
	// AllowUnverifiedSubmit permits submitting after a failed check once the
	// clinician explicitly acknowledges it.
	AllowUnverifiedSubmit bool
}

// DefaultPolicy blocks on contraindicated interactions only and never allows
// submitting an unverified draft.
func DefaultPolicy() Policy {
	return Policy{BlockingSeverity: SeverityContraindicated}
}

func (p Policy) threshold() Severity {
	if !p.BlockingSeverity.Valid() {
		return SeverityContraindicated
	}
	return p.BlockingSeverity
}

// Blocking returns the warnings that require an override
func (p Policy) Blocking(ws []Warning) []Warning {
	var out []Warning
	for _, w := range ws {
		if w.Severity.AtLeast(p.threshold()) {
			out = append(out, w)
		}
	}
	return out
}

// RequiresOverride reports whether any warning meets the blocking threshold
func (p Policy) RequiresOverride(ws []Warning) bool {
	return len(p.Blocking(ws)) > 0
}

// CanSubmit applies the policy gate to a warning set and an override reason
func (p Policy) CanSubmit(ws []Warning, overrideReason string) bool {
	return !p.RequiresOverride(ws) || strings.TrimSpace(overrideReason) != ""
}

// CanSubmit is the default safety gate: false when any contraindicated
// warning is present and overrideReason is blank.
func CanSubmit(ws []Warning, overrideReason string) bool {
	return DefaultPolicy().CanSubmit(ws, overrideReason)
}
