package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ocura360/rxguard/internal/domain/interaction"
	"github.com/ocura360/rxguard/internal/infrastructure/redpanda"
)

// RulePage is one page of the rule listing
type RulePage struct {
	Rules []interaction.Rule `json:"rules"`
	Total int64              `json:"total"`
	Page  int                `json:"page"`
	Limit int                `json:"limit"`
}

// RuleStore is the PostgreSQL-backed interaction rule store
type RuleStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRuleStore creates a new rule store
func NewRuleStore(pool *pgxpool.Pool, logger *zap.Logger) *RuleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("rule-store"),
	}
}

const ruleColumns = `
	r.comp_a, ca.name, r.comp_b, cb.name,
	r.severity, r.description, r.recommendation, r.refs
	FROM interaction_rules r
	JOIN compositions ca ON ca.id = r.comp_a
	JOIN compositions cb ON cb.id = r.comp_b`

// LookupInteractions returns every rule whose two compositions are both in
// ids. Pairs are stored canonically, so one containment test covers both
// orders.
func (s *RuleStore) LookupInteractions(ctx context.Context, ids []interaction.CompositionID) ([]interaction.Rule, error) {
	ctx, span := s.tracer.Start(ctx, "rule_store_lookup",
		trace.WithAttributes(attribute.Int("composition_count", len(ids))))
	defer span.End()

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+`
		WHERE r.comp_a = ANY($1) AND r.comp_b = ANY($1)`, keys)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("rule_count", len(rules)))
	return rules, nil
}

func scanRules(rows pgx.Rows) ([]interaction.Rule, error) {
	var rules []interaction.Rule
	for rows.Next() {
		var (
			r        interaction.Rule
			severity string
		)
		err := rows.Scan(
			&r.CompositionA.ID, &r.CompositionA.Name,
			&r.CompositionB.ID, &r.CompositionB.Name,
			&severity, &r.Description, &r.Recommendation, &r.References,
		)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Severity, err = interaction.ParseSeverity(severity)
		if err != nil {
			return nil, fmt.Errorf("rule %s/%s: %w", r.CompositionA.ID, r.CompositionB.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateRule inserts a single rule. Both compositions must exist; a rule for
// the same pair in either order yields interaction.ErrRuleExists.
func (s *RuleStore) CreateRule(ctx context.Context, rule interaction.Rule) (*interaction.Rule, error) {
	canon, err := rule.Canonical()
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range []*interaction.Composition{&canon.CompositionA, &canon.CompositionB} {
		err := tx.QueryRow(ctx, `SELECT name FROM compositions WHERE id = $1`, c.ID).Scan(&c.Name)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCompositionNotFound, c.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup composition: %w", err)
		}
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO interaction_rules (comp_a, comp_b, severity, description, recommendation, refs)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (comp_a, comp_b) DO NOTHING
		RETURNING id`,
		canon.CompositionA.ID, canon.CompositionB.ID, canon.Severity.String(),
		canon.Description, canon.Recommendation, nonNil(canon.References),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interaction.ErrRuleExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}

	change := interaction.RuleChange{
		Action:       interaction.RuleCreated,
		CompositionA: canon.CompositionA.ID,
		CompositionB: canon.CompositionB.ID,
		Count:        1,
		ChangedAt:    time.Now().UTC(),
	}
	if err := writeRuleChange(ctx, tx, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("interaction rule created",
		zap.Int64("rule_id", id),
		zap.String("comp_a", string(canon.CompositionA.ID)),
		zap.String("comp_b", string(canon.CompositionB.ID)),
		zap.String("severity", canon.Severity.String()))
	return &canon, nil
}

// ListRules returns one page of rules ordered by creation, newest first
func (s *RuleStore) ListRules(ctx context.Context, page, limit int) (*RulePage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	result := &RulePage{Page: page, Limit: limit, Rules: []interaction.Rule{}}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM interaction_rules`).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("count rules: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+`
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $1 OFFSET $2`, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if rules != nil {
		result.Rules = rules
	}
	return result, nil
}

// InsertBatch inserts canonical rules, skipping pairs that already exist. It
// returns how many rows were inserted.
func (s *RuleStore) InsertBatch(ctx context.Context, rules []interaction.Rule) (int, error) {
	if len(rules) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rules {
		canon, err := r.Canonical()
		if err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO interaction_rules (comp_a, comp_b, severity, description, recommendation, refs)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (comp_a, comp_b) DO NOTHING`,
			canon.CompositionA.ID, canon.CompositionB.ID, canon.Severity.String(),
			canon.Description, canon.Recommendation, nonNil(canon.References))
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range rules {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert rule batch: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if inserted > 0 {
		change := interaction.RuleChange{
			Action:    interaction.RulesBulk,
			Count:     inserted,
			ChangedAt: time.Now().UTC(),
		}
		if err := writeRuleChange(ctx, tx, change); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ClearRules deletes every rule
func (s *RuleStore) ClearRules(ctx context.Context) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM interaction_rules`)
	if err != nil {
		return 0, fmt.Errorf("delete rules: %w", err)
	}
	change := interaction.RuleChange{
		Action:    interaction.RulesCleared,
		Count:     int(tag.RowsAffected()),
		ChangedAt: time.Now().UTC(),
	}
	if err := writeRuleChange(ctx, tx, change); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	s.logger.Warn("interaction rules cleared", zap.Int64("deleted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func writeRuleChange(ctx context.Context, tx pgx.Tx, change interaction.RuleChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal rule change: %w", err)
	}
	key := string(change.CompositionA) + "|" + string(change.CompositionB)
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   key,
		AggregateType: "InteractionRule",
		EventType:     string(change.Action),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicRulesChanged,
		KafkaKey:      key,
	})
}

func nonNil(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
