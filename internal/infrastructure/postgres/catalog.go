package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/domain/interaction"
)

var (
	// ErrMedicationNotFound is returned for unknown medication IDs
	ErrMedicationNotFound = errors.New("medication not found")
	// ErrCompositionNotFound is returned for unknown composition IDs
	ErrCompositionNotFound = errors.New("composition not found")
)

// Catalog reads medications and their compositions
type Catalog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewCatalog creates a new catalog reader
func NewCatalog(pool *pgxpool.Pool, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{pool: pool, logger: logger}
}

// GetMedications loads medications in the order requested. Any unknown ID
// fails the whole call with ErrMedicationNotFound.
func (c *Catalog) GetMedications(ctx context.Context, ids []interaction.MedicationID) ([]interaction.Medication, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}

	rows, err := c.pool.Query(ctx, `
		SELECT m.id, m.brand_name, m.generic_name, m.form,
		       COALESCE(mc.composition_id, ''), COALESCE(co.name, '')
		FROM medications m
		LEFT JOIN medication_compositions mc ON mc.medication_id = m.id
		LEFT JOIN compositions co ON co.id = mc.composition_id
		WHERE m.id = ANY($1)
		ORDER BY m.id, mc.position`, keys)
	if err != nil {
		return nil, fmt.Errorf("query medications: %w", err)
	}
	defer rows.Close()

	found := make(map[interaction.MedicationID]*interaction.Medication)
	for rows.Next() {
		var (
			m        interaction.Medication
			compID   string
			compName string
		)
		if err := rows.Scan(&m.ID, &m.BrandName, &m.GenericName, &m.Form, &compID, &compName); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		existing, ok := found[m.ID]
		if !ok {
			existing = &m
			found[m.ID] = existing
		}
		if compID != "" {
			existing.Compositions = append(existing.Compositions, interaction.Composition{
				ID:   interaction.CompositionID(compID),
				Name: compName,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	meds := make([]interaction.Medication, 0, len(ids))
	for _, id := range ids {
		m, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMedicationNotFound, id)
		}
		meds = append(meds, *m)
	}
	return meds, nil
}

// GetCompositions loads compositions in the order requested
func (c *Catalog) GetCompositions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Composition, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}

	rows, err := c.pool.Query(ctx, `SELECT id, name FROM compositions WHERE id = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("query compositions: %w", err)
	}
	defer rows.Close()

	found := make(map[interaction.CompositionID]interaction.Composition)
	for rows.Next() {
		var comp interaction.Composition
		if err := rows.Scan(&comp.ID, &comp.Name); err != nil {
			return nil, fmt.Errorf("scan composition: %w", err)
		}
		found[comp.ID] = comp
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	comps := make([]interaction.Composition, 0, len(ids))
	for _, id := range ids {
		comp, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCompositionNotFound, id)
		}
		comps = append(comps, comp)
	}
	return comps, nil
}

// CompositionsByName returns every composition keyed by lower-cased name
func (c *Catalog) CompositionsByName(ctx context.Context) (map[string]interaction.Composition, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, name FROM compositions`)
	if err != nil {
		return nil, fmt.Errorf("query compositions: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]interaction.Composition)
	for rows.Next() {
		var comp interaction.Composition
		if err := rows.Scan(&comp.ID, &comp.Name); err != nil {
			return nil, fmt.Errorf("scan composition: %w", err)
		}
		byName[strings.ToLower(strings.TrimSpace(comp.Name))] = comp
	}
	return byName, rows.Err()
}
