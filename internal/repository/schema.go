package repository

// Schema definitions for the risk engine database.
// Compatible with both SQLite and PostgreSQL.

const schemaDetectionRules = `
CREATE TABLE IF NOT EXISTS detection_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    type TEXT NOT NULL,
    condition TEXT NOT NULL,
    risk_score_weight REAL NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    trigger_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detection_rules_enabled ON detection_rules(enabled);
CREATE INDEX IF NOT EXISTS idx_detection_rules_priority ON detection_rules(priority);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    risk_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    decision TEXT NOT NULL,
    risk_factors TEXT NOT NULL,
    requires_verification INTEGER NOT NULL DEFAULT 0,
    recommended_action TEXT NOT NULL,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(transaction_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_decision ON evaluations(decision);
CREATE INDEX IF NOT EXISTS idx_evaluations_created ON evaluations(created_at);
`

// schemaReviewQueue enforces the at-most-once guarantee with a unique
// constraint on transaction_id; inserts use ON CONFLICT DO NOTHING.
const schemaReviewQueue = `
CREATE TABLE IF NOT EXISTS review_queue (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    assigned_to TEXT,
    risk_score REAL NOT NULL,
    reasons TEXT,
    added_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_review_queue_status ON review_queue(status);
CREATE INDEX IF NOT EXISTS idx_review_queue_added ON review_queue(added_at);
`

const schemaABTests = `
CREATE TABLE IF NOT EXISTS ab_tests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    traffic_split INTEGER NOT NULL DEFAULT 50,
    group_a_config TEXT NOT NULL,
    group_b_config TEXT NOT NULL,
    group_a_stats TEXT NOT NULL,
    group_b_stats TEXT NOT NULL,
    started_at TIMESTAMP,
    ended_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_ab_tests_status ON ab_tests(status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDetectionRules,
		schemaEvaluations,
		schemaReviewQueue,
		schemaABTests,
	}
}
