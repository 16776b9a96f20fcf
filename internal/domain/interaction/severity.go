// Package interaction implements drug-drug interaction checking: composition
// resolution, pairwise rule matching, severity grouping and the override gate.
package interaction

import (
	"fmt"
	"strings"
)

// Severity is the ordinal danger classification of an interaction.
type Severity int

// Severity levels, ordered least to most severe. The zero value is invalid.
const (
	SeverityMinor Severity = iota + 1
	SeverityModerate
	SeverityMajor
	SeverityContraindicated
)

var severityNames = map[Severity]string{
	SeverityMinor:           "minor",
	SeverityModerate:        "moderate",
	SeverityMajor:           "major",
	SeverityContraindicated: "contraindicated",
}

// Severities lists all levels from most to least dangerous.
var Severities = []Severity{
	SeverityContraindicated,
	SeverityMajor,
	SeverityModerate,
	SeverityMinor,
}

// ParseSeverity parses a severity name (case-insensitive).
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minor":
		return SeverityMinor, nil
	case "moderate":
		return SeverityModerate, nil
	case "major":
		return SeverityMajor, nil
	case "contraindicated":
		return SeverityContraindicated, nil
	}
	return 0, fmt.Errorf("invalid severity %q", s)
}

// Valid reports whether s is one of the four defined levels.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// AtLeast reports whether s is as dangerous as other or more.
func (s Severity) AtLeast(other Severity) bool { return s >= other }

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
