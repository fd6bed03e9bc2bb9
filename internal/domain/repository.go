package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence: the rule source,
// the review queue, A/B tests, and evaluation archiving.
type Repository interface {
	// Rule source. The engine reads active rules and writes only trigger
	// counts; rule definitions are owned by the admin collaborator.
	ListActiveRules(ctx context.Context) ([]*DetectionRule, error)
	GetRule(ctx context.Context, ruleID string) (*DetectionRule, error)
	SaveRule(ctx context.Context, rule *DetectionRule) error
	SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error
	IncrementRuleTriggerCount(ctx context.Context, ruleID string) error

	// Evaluation results
	SaveEvaluation(ctx context.Context, eval *EvaluationResult) error
	GetEvaluation(ctx context.Context, evalID string) (*EvaluationResult, error)

	// Review queue. InsertReviewEntry is atomic check-then-insert: a
	// duplicate active transaction id returns ErrAlreadyQueued.
	InsertReviewEntry(ctx context.Context, entry *ReviewQueueEntry) error
	GetReviewEntry(ctx context.Context, transactionID string) (*ReviewQueueEntry, error)
	ListReviewEntries(ctx context.Context, status ReviewStatus, limit int) ([]*ReviewQueueEntry, error)
	UpdateReviewEntry(ctx context.Context, entry *ReviewQueueEntry) error

	// A/B tests
	SaveABTest(ctx context.Context, test *ABTest) error
	GetABTest(ctx context.Context, testID string) (*ABTest, error)
	ListABTests(ctx context.Context, status ABTestStatus) ([]*ABTest, error)
	UpdateABTestStats(ctx context.Context, testID string, groupA, groupB GroupStats) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
