package domain

import (
	"time"
)

// RiskLevel buckets a risk score. Boundaries are configured in Thresholds
// and default to LOW < 40 <= MEDIUM < 80 <= HIGH.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "LOW"
	RiskLevelMedium RiskLevel = "MEDIUM"
	RiskLevelHigh   RiskLevel = "HIGH"
)

// Decision is the action returned to the payment flow.
type Decision string

const (
	DecisionApprove        Decision = "APPROVE"
	DecisionAdditionalAuth Decision = "ADDITIONAL_AUTH_REQUIRED"
	DecisionBlocked        Decision = "BLOCKED"
)

// RiskFactor is one contribution to the total risk score. The ordered list
// of factors is the explanation attached to every evaluation result.
type RiskFactor struct {
	FactorType  string         `json:"factorType"`
	FactorScore float64        `json:"factorScore"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RecommendedAction tells downstream systems what to do with the decision.
type RecommendedAction struct {
	Action               Decision `json:"action"`
	ManualReviewRequired bool     `json:"manualReviewRequired"`
	NotifyUser           bool     `json:"notifyUser"`
}

// EvaluationMetadata contains processing information for one evaluation.
type EvaluationMetadata struct {
	TraceID          string    `json:"traceId,omitempty"`
	EvaluationTimeMs int64     `json:"evaluationTimeMs"`
	CTICheckTimeMs   int64     `json:"ctiCheckTimeMs"`
	RulesEvaluated   int       `json:"rulesEvaluated"`
	Degraded         bool      `json:"degraded"`
	ABTestID         string    `json:"abTestId,omitempty"`
	ABGroup          string    `json:"abGroup,omitempty"`
	EngineVersion    string    `json:"engineVersion,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// EvaluationResult is the complete, immutable outcome of evaluating one
// transaction. Produced once and never mutated after return.
type EvaluationResult struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`

	// RiskScore is the clamped [0,100] sum of contributing factor scores.
	RiskScore float64   `json:"riskScore"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Decision  Decision  `json:"decision"`

	RiskFactors []RiskFactor `json:"riskFactors"`

	RequiresVerification bool              `json:"requiresVerification"`
	RecommendedAction    RecommendedAction `json:"recommendedAction"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// Thresholds holds the numeric decision constants. They are configuration,
// not literals: the 40/80 boundaries and the CTI confidence override were
// lifted from observed business behavior and may be tuned per deployment.
type Thresholds struct {
	// MediumScore is the inclusive lower bound of MEDIUM risk.
	MediumScore float64 `json:"mediumScore"`

	// HighScore is the inclusive lower bound of HIGH risk.
	HighScore float64 `json:"highScore"`

	// CTIOverrideConfidence is the confidence at or above which a known
	// malicious CTI result alone forces a HIGH score.
	CTIOverrideConfidence float64 `json:"ctiOverrideConfidence"`

	// MaxScore caps the aggregate risk score.
	MaxScore float64 `json:"maxScore"`
}

// DefaultThresholds returns the standard decision boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MediumScore:           40,
		HighScore:             80,
		CTIOverrideConfidence: 90,
		MaxScore:              100,
	}
}

// Level maps a score to its risk level using the configured boundaries.
func (t Thresholds) Level(score float64) RiskLevel {
	switch {
	case score >= t.HighScore:
		return RiskLevelHigh
	case score >= t.MediumScore:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// DecisionFor maps a risk level to the decision returned to the caller.
func DecisionFor(level RiskLevel) Decision {
	switch level {
	case RiskLevelHigh:
		return DecisionBlocked
	case RiskLevelMedium:
		return DecisionAdditionalAuth
	default:
		return DecisionApprove
	}
}
