// Package seeder imports interaction rules from a CSV export with the
// columns "Drug 1", "Drug 2" and "Interaction Description".
package seeder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

// Column headers
const (
	ColumnDrug1       = "Drug 1"
	ColumnDrug2       = "Drug 2"
	ColumnDescription = "Interaction Description"
)

// Row is one CSV record
type Row struct {
	Line        int
	Drug1       string
	Drug2       string
	Description string
}

// ReadRows parses the CSV, locating columns by header name
func ReadRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := map[string]int{}
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range []string{ColumnDrug1, ColumnDrug2, ColumnDescription} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	field := func(rec []string, name string) string {
		if i := cols[name]; i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var rows []Row
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, Row{
			Line:        line,
			Drug1:       field(rec, ColumnDrug1),
			Drug2:       field(rec, ColumnDrug2),
			Description: field(rec, ColumnDescription),
		})
	}
	return rows, nil
}

var severityPatterns = []struct {
	severity interaction.Severity
	phrases  []string
}{
	{interaction.SeverityContraindicated, []string{"contraindicated", "should not be", "must not be", "avoid", "do not use"}},
	{interaction.SeverityMajor, []string{"serious", "severe", "significant", "toxic", "dangerous", "life-threatening"}},
	{interaction.SeverityModerate, []string{"increase", "decrease", "may enhance", "may reduce", "monitor"}},
	{interaction.SeverityMinor, []string{"minor", "slight", "negligible"}},
}

// InferSeverity classifies a free-text description by keyword, most severe
// pattern first. ok is false when no pattern matches.
func InferSeverity(description string) (interaction.Severity, bool) {
	desc := strings.ToLower(description)
	for _, p := range severityPatterns {
		for _, phrase := range p.phrases {
			if strings.Contains(desc, phrase) {
				return p.severity, true
			}
		}
	}
	return 0, false
}
