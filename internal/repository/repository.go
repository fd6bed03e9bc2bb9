// Package repository provides SQL persistence for rules, evaluations,
// the review queue, and A/B tests.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ListActiveRules returns enabled rules, priority descending then id
// ascending.
func (r *SQLRepository) ListActiveRules(ctx context.Context) ([]*domain.DetectionRule, error) {
	query := `
		SELECT id, name, description, type, condition, risk_score_weight,
		       priority, enabled, trigger_count, created_at, updated_at
		FROM detection_rules
		WHERE enabled = 1
		ORDER BY priority DESC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.DetectionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetRule retrieves a rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.DetectionRule, error) {
	query := `
		SELECT id, name, description, type, condition, risk_score_weight,
		       priority, enabled, trigger_count, created_at, updated_at
		FROM detection_rules
		WHERE id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// SaveRule inserts or replaces a rule definition. Trigger counts survive
// a definition update.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.DetectionRule) error {
	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal rule condition: %w", err)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO detection_rules (
			id, name, description, type, condition, risk_score_weight,
			priority, enabled, trigger_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			type = excluded.type,
			condition = excluded.condition,
			risk_score_weight = excluded.risk_score_weight,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, string(rule.Type),
		string(condition), rule.RiskScoreWeight, rule.Priority,
		boolToInt(rule.Enabled), rule.TriggerCount,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// SetRuleEnabled toggles a rule without touching its definition.
func (r *SQLRepository) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	query := `UPDATE detection_rules SET enabled = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), boolToInt(enabled), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementRuleTriggerCount bumps the persistent trigger counter.
func (r *SQLRepository) IncrementRuleTriggerCount(ctx context.Context, ruleID string) error {
	query := `UPDATE detection_rules SET trigger_count = trigger_count + 1 WHERE id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), ruleID)
	return err
}

// SaveEvaluation archives a completed evaluation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.EvaluationResult) error {
	factors, _ := json.Marshal(eval.RiskFactors)
	action, _ := json.Marshal(eval.RecommendedAction)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, transaction_id, risk_score, risk_level, decision,
			risk_factors, requires_verification, recommended_action,
			metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.TransactionID, eval.RiskScore,
		string(eval.RiskLevel), string(eval.Decision),
		string(factors), boolToInt(eval.RequiresVerification),
		string(action), string(metadata), time.Now().UTC(),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.EvaluationResult, error) {
	query := `
		SELECT id, transaction_id, risk_score, risk_level, decision,
		       risk_factors, requires_verification, recommended_action, metadata
		FROM evaluations
		WHERE id = ?
	`

	var eval domain.EvaluationResult
	var level, decision, factors, action, metadata string
	var requiresVerification int

	err := r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(
		&eval.ID, &eval.TransactionID, &eval.RiskScore,
		&level, &decision, &factors, &requiresVerification,
		&action, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	eval.RiskLevel = domain.RiskLevel(level)
	eval.Decision = domain.Decision(decision)
	eval.RequiresVerification = requiresVerification != 0
	json.Unmarshal([]byte(factors), &eval.RiskFactors)
	json.Unmarshal([]byte(action), &eval.RecommendedAction)
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

// InsertReviewEntry inserts a review entry. The unique constraint on
// transaction_id makes the check-then-insert atomic: a duplicate returns
// ErrAlreadyQueued without touching the existing row.
func (r *SQLRepository) InsertReviewEntry(ctx context.Context, entry *domain.ReviewQueueEntry) error {
	reasons, _ := json.Marshal(entry.Reasons)

	query := `
		INSERT INTO review_queue (
			id, transaction_id, status, assigned_to, risk_score,
			reasons, added_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.TransactionID, string(entry.Status),
		entry.AssignedTo, entry.RiskScore, string(reasons),
		entry.AddedAt, nullTime(entry.ResolvedAt),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrAlreadyQueued
	}
	return nil
}

// GetReviewEntry retrieves the review entry for a transaction.
func (r *SQLRepository) GetReviewEntry(ctx context.Context, transactionID string) (*domain.ReviewQueueEntry, error) {
	query := `
		SELECT id, transaction_id, status, assigned_to, risk_score,
		       reasons, added_at, resolved_at
		FROM review_queue
		WHERE transaction_id = ?
	`

	entry, err := scanReviewEntry(r.db.QueryRowContext(ctx, r.rebind(query), transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return entry, err
}

// ListReviewEntries returns entries oldest first, optionally filtered by
// status. limit <= 0 means no limit.
func (r *SQLRepository) ListReviewEntries(ctx context.Context, status domain.ReviewStatus, limit int) ([]*domain.ReviewQueueEntry, error) {
	query := `
		SELECT id, transaction_id, status, assigned_to, risk_score,
		       reasons, added_at, resolved_at
		FROM review_queue
	`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY added_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.ReviewQueueEntry
	for rows.Next() {
		entry, err := scanReviewEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpdateReviewEntry persists status, assignment, and resolution changes.
func (r *SQLRepository) UpdateReviewEntry(ctx context.Context, entry *domain.ReviewQueueEntry) error {
	query := `
		UPDATE review_queue
		SET status = ?, assigned_to = ?, resolved_at = ?
		WHERE transaction_id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(entry.Status), entry.AssignedTo,
		nullTime(entry.ResolvedAt), entry.TransactionID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SaveABTest inserts or replaces an experiment.
func (r *SQLRepository) SaveABTest(ctx context.Context, test *domain.ABTest) error {
	groupA, _ := json.Marshal(test.GroupAConfig)
	groupB, _ := json.Marshal(test.GroupBConfig)
	statsA, _ := json.Marshal(test.GroupAStats)
	statsB, _ := json.Marshal(test.GroupBStats)

	query := `
		INSERT INTO ab_tests (
			id, name, status, traffic_split, group_a_config, group_b_config,
			group_a_stats, group_b_stats, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			traffic_split = excluded.traffic_split,
			group_a_config = excluded.group_a_config,
			group_b_config = excluded.group_b_config,
			group_a_stats = excluded.group_a_stats,
			group_b_stats = excluded.group_b_stats,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`

	var started sql.NullTime
	if !test.StartedAt.IsZero() {
		started = sql.NullTime{Time: test.StartedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		test.ID, test.Name, string(test.Status), test.TrafficSplitPercentage,
		string(groupA), string(groupB), string(statsA), string(statsB),
		started, nullTime(test.EndedAt),
	)
	return err
}

// GetABTest retrieves an experiment by ID.
func (r *SQLRepository) GetABTest(ctx context.Context, testID string) (*domain.ABTest, error) {
	query := `
		SELECT id, name, status, traffic_split, group_a_config, group_b_config,
		       group_a_stats, group_b_stats, started_at, ended_at
		FROM ab_tests
		WHERE id = ?
	`

	test, err := scanABTest(r.db.QueryRowContext(ctx, r.rebind(query), testID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return test, err
}

// ListABTests returns experiments, optionally filtered by status.
func (r *SQLRepository) ListABTests(ctx context.Context, status domain.ABTestStatus) ([]*domain.ABTest, error) {
	query := `
		SELECT id, name, status, traffic_split, group_a_config, group_b_config,
		       group_a_stats, group_b_stats, started_at, ended_at
		FROM ab_tests
	`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []*domain.ABTest
	for rows.Next() {
		test, err := scanABTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	return tests, rows.Err()
}

// UpdateABTestStats writes only the group counters, leaving the config
// columns alone.
func (r *SQLRepository) UpdateABTestStats(ctx context.Context, testID string, groupA, groupB domain.GroupStats) error {
	statsA, _ := json.Marshal(groupA)
	statsB, _ := json.Marshal(groupB)

	query := `UPDATE ab_tests SET group_a_stats = ?, group_b_stats = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(statsA), string(statsB), testID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.DetectionRule, error) {
	var rule domain.DetectionRule
	var description sql.NullString
	var typ, condition string
	var enabled int

	err := s.Scan(
		&rule.ID, &rule.Name, &description, &typ, &condition,
		&rule.RiskScoreWeight, &rule.Priority, &enabled,
		&rule.TriggerCount, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Type = domain.RuleType(typ)
	rule.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(condition), &rule.Condition); err != nil {
		return nil, fmt.Errorf("corrupt condition for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func scanReviewEntry(s scanner) (*domain.ReviewQueueEntry, error) {
	var entry domain.ReviewQueueEntry
	var status string
	var assignedTo, reasons sql.NullString
	var resolvedAt sql.NullTime

	err := s.Scan(
		&entry.ID, &entry.TransactionID, &status, &assignedTo,
		&entry.RiskScore, &reasons, &entry.AddedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Status = domain.ReviewStatus(status)
	entry.AssignedTo = assignedTo.String
	if reasons.Valid && reasons.String != "" {
		json.Unmarshal([]byte(reasons.String), &entry.Reasons)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		entry.ResolvedAt = &t
	}
	return &entry, nil
}

func scanABTest(s scanner) (*domain.ABTest, error) {
	var test domain.ABTest
	var status, groupA, groupB, statsA, statsB string
	var startedAt, endedAt sql.NullTime

	err := s.Scan(
		&test.ID, &test.Name, &status, &test.TrafficSplitPercentage,
		&groupA, &groupB, &statsA, &statsB, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	test.Status = domain.ABTestStatus(status)
	json.Unmarshal([]byte(groupA), &test.GroupAConfig)
	json.Unmarshal([]byte(groupB), &test.GroupBConfig)
	json.Unmarshal([]byte(statsA), &test.GroupAStats)
	json.Unmarshal([]byte(statsB), &test.GroupBStats)
	if startedAt.Valid {
		test.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		t := endedAt.Time
		test.EndedAt = &t
	}
	return &test, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
