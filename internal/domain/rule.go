package domain

import (
	"fmt"
	"time"
)

// RuleType identifies the detection strategy a rule implements.
type RuleType string

const (
	RuleTypeVelocity      RuleType = "VELOCITY"
	RuleTypeThreshold     RuleType = "THRESHOLD"
	RuleTypeBlacklist     RuleType = "BLACKLIST"
	RuleTypeLocation      RuleType = "LOCATION"
	RuleTypeTimePattern   RuleType = "TIME_PATTERN"
	RuleTypeDevicePattern RuleType = "DEVICE_PATTERN"
	RuleTypeExpression    RuleType = "EXPRESSION"
)

// Operator is a comparison operator for threshold conditions.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
)

// VelocityScope selects which transaction attribute a velocity counter keys on.
type VelocityScope string

const (
	ScopeIP   VelocityScope = "ip"
	ScopeUser VelocityScope = "user"
	ScopeCard VelocityScope = "card"
)

// DetectionRule is a fraud detection rule configuration.
// Rules are authored by an external management surface and are read-only to
// the engine, which only writes back trigger counts.
type DetectionRule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RuleType `json:"type"`

	// Condition carries exactly one variant matching Type.
	Condition Condition `json:"condition"`

	// RiskScoreWeight is the contribution to the total risk score when the
	// rule triggers (0-100).
	RiskScoreWeight float64 `json:"riskScoreWeight"`

	// Priority orders evaluation and reporting (0-100, higher first).
	Priority int `json:"priority"`

	Enabled      bool  `json:"enabled"`
	TriggerCount int64 `json:"triggerCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Condition is a tagged union: the populated variant must match the rule
// type. Validation happens once at creation/load; evaluation is a type
// switch over the variants.
type Condition struct {
	Threshold     *ThresholdCondition     `json:"threshold,omitempty"`
	Velocity      *VelocityCondition      `json:"velocity,omitempty"`
	Blacklist     *BlacklistCondition     `json:"blacklist,omitempty"`
	Location      *LocationCondition      `json:"location,omitempty"`
	TimePattern   *TimePatternCondition   `json:"timePattern,omitempty"`
	DevicePattern *DevicePatternCondition `json:"devicePattern,omitempty"`
	Expression    *ExpressionCondition    `json:"expression,omitempty"`
}

// ThresholdCondition compares a numeric transaction field against a value.
type ThresholdCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// VelocityCondition counts transactions for a scoped key in a rolling window.
// Triggers when the count exceeds MaxCount.
type VelocityCondition struct {
	WindowSecs int           `json:"windowSeconds"`
	MaxCount   int64         `json:"maxCount"`
	Scope      VelocityScope `json:"scope"`
}

// BlacklistCondition triggers when the scoped transaction value is deny-listed.
type BlacklistCondition struct {
	Scope BlacklistType `json:"scope"`
}

// LocationCondition triggers when the distance between the shipping address
// and the IP-geolocated point exceeds MaxDistanceKm.
type LocationCondition struct {
	MaxDistanceKm float64 `json:"maxDistanceKm"`
}

// TimePatternCondition triggers when the transaction hour falls inside
// [StartHour, EndHour]. Windows may wrap midnight (e.g. 23 to 5).
type TimePatternCondition struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// DevicePatternCondition triggers when the number of distinct devices seen
// for a user within the window exceeds MaxDevices.
type DevicePatternCondition struct {
	WindowSecs int   `json:"windowSeconds"`
	MaxDevices int64 `json:"maxDevices"`
}

// ExpressionCondition carries a CEL boolean expression compiled at load time.
type ExpressionCondition struct {
	Expression string `json:"expression"`
}

// Validate checks that the condition variant matches the declared rule type
// and that its parameters are usable. Invalid combinations are rejected
// here, never silently skipped at evaluation.
func (r *DetectionRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidRule)
	}
	if r.RiskScoreWeight < 0 || r.RiskScoreWeight > 100 {
		return fmt.Errorf("%w: rule %s: riskScoreWeight must be in [0,100]", ErrInvalidRule, r.ID)
	}
	if r.Priority < 0 || r.Priority > 100 {
		return fmt.Errorf("%w: rule %s: priority must be in [0,100]", ErrInvalidRule, r.ID)
	}

	if n := r.Condition.variantCount(); n != 1 {
		return fmt.Errorf("%w: rule %s: condition must carry exactly one variant, got %d", ErrInvalidRule, r.ID, n)
	}

	c := r.Condition
	switch r.Type {
	case RuleTypeThreshold:
		if c.Threshold == nil {
			return r.variantMismatch()
		}
		switch c.Threshold.Operator {
		case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual:
		default:
			return fmt.Errorf("%w: rule %s: unknown operator %q", ErrInvalidRule, r.ID, c.Threshold.Operator)
		}
		if c.Threshold.Field == "" {
			return fmt.Errorf("%w: rule %s: threshold field is required", ErrInvalidRule, r.ID)
		}

	case RuleTypeVelocity:
		if c.Velocity == nil {
			return r.variantMismatch()
		}
		if c.Velocity.WindowSecs <= 0 || c.Velocity.MaxCount <= 0 {
			return fmt.Errorf("%w: rule %s: velocity window and maxCount must be positive", ErrInvalidRule, r.ID)
		}
		switch c.Velocity.Scope {
		case ScopeIP, ScopeUser, ScopeCard:
		default:
			return fmt.Errorf("%w: rule %s: unknown velocity scope %q", ErrInvalidRule, r.ID, c.Velocity.Scope)
		}

	case RuleTypeBlacklist:
		if c.Blacklist == nil {
			return r.variantMismatch()
		}
		switch c.Blacklist.Scope {
		case BlacklistIP, BlacklistEmailDomain, BlacklistCardBIN, BlacklistUserID:
		default:
			return fmt.Errorf("%w: rule %s: unknown blacklist scope %q", ErrInvalidRule, r.ID, c.Blacklist.Scope)
		}

	case RuleTypeLocation:
		if c.Location == nil {
			return r.variantMismatch()
		}
		if c.Location.MaxDistanceKm <= 0 {
			return fmt.Errorf("%w: rule %s: maxDistanceKm must be positive", ErrInvalidRule, r.ID)
		}

	case RuleTypeTimePattern:
		if c.TimePattern == nil {
			return r.variantMismatch()
		}
		if c.TimePattern.StartHour < 0 || c.TimePattern.StartHour > 23 ||
			c.TimePattern.EndHour < 0 || c.TimePattern.EndHour > 23 {
			return fmt.Errorf("%w: rule %s: hours must be in [0,23]", ErrInvalidRule, r.ID)
		}

	case RuleTypeDevicePattern:
		if c.DevicePattern == nil {
			return r.variantMismatch()
		}
		if c.DevicePattern.WindowSecs <= 0 || c.DevicePattern.MaxDevices <= 0 {
			return fmt.Errorf("%w: rule %s: device window and maxDevices must be positive", ErrInvalidRule, r.ID)
		}

	case RuleTypeExpression:
		if c.Expression == nil {
			return r.variantMismatch()
		}
		if c.Expression.Expression == "" {
			return fmt.Errorf("%w: rule %s: expression is required", ErrInvalidRule, r.ID)
		}

	default:
		return fmt.Errorf("%w: rule %s: unknown rule type %q", ErrInvalidRule, r.ID, r.Type)
	}

	return nil
}

func (r *DetectionRule) variantMismatch() error {
	return fmt.Errorf("%w: rule %s: condition variant does not match type %s", ErrInvalidRule, r.ID, r.Type)
}

func (c Condition) variantCount() int {
	n := 0
	if c.Threshold != nil {
		n++
	}
	if c.Velocity != nil {
		n++
	}
	if c.Blacklist != nil {
		n++
	}
	if c.Location != nil {
		n++
	}
	if c.TimePattern != nil {
		n++
	}
	if c.DevicePattern != nil {
		n++
	}
	if c.Expression != nil {
		n++
	}
	return n
}

// RuleEvaluationResult is the outcome of evaluating one rule against a
// transaction context.
type RuleEvaluationResult struct {
	RuleID    string   `json:"ruleId"`
	RuleName  string   `json:"ruleName"`
	RuleType  RuleType `json:"ruleType"`
	Priority  int      `json:"priority"`
	Triggered bool     `json:"triggered"`

	// Score is the rule's weight when triggered, 0 otherwise.
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`

	// Metadata carries actual-vs-threshold values for explanations.
	Metadata map[string]any `json:"metadata,omitempty"`

	ProcessMs int64 `json:"processMs"`
}
