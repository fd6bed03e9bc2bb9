package domain

import "time"

// ABTestStatus is the lifecycle state of an experiment.
type ABTestStatus string

const (
	ABTestDraft     ABTestStatus = "DRAFT"
	ABTestRunning   ABTestStatus = "RUNNING"
	ABTestPaused    ABTestStatus = "PAUSED"
	ABTestCompleted ABTestStatus = "COMPLETED"
)

// A/B group names.
const (
	GroupA = "A"
	GroupB = "B"
)

// GroupConfig is the opaque variant payload applied to one experiment group.
// Either side may override rule weights, disable rules, or toggle the
// external model score.
type GroupConfig struct {
	// RuleWeightOverrides maps rule id to a replacement weight.
	RuleWeightOverrides map[string]float64 `json:"ruleWeightOverrides,omitempty"`

	// DisabledRuleIDs are excluded from evaluation for this group.
	DisabledRuleIDs []string `json:"disabledRuleIds,omitempty"`

	// UseModel toggles the external ML score for this group.
	UseModel bool `json:"useModel"`
}

// DisablesRule reports whether the config excludes the given rule.
func (g GroupConfig) DisablesRule(ruleID string) bool {
	for _, id := range g.DisabledRuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// GroupStats are running per-group outcome counters. The average latency is
// maintained incrementally, never by replaying history.
type GroupStats struct {
	Total          int64   `json:"total"`
	TruePositives  int64   `json:"truePositives"`
	FalsePositives int64   `json:"falsePositives"`
	TrueNegatives  int64   `json:"trueNegatives"`
	FalseNegatives int64   `json:"falseNegatives"`
	AvgEvalTimeMs  float64 `json:"avgEvalTimeMs"`
}

// ABTest is a live comparison of two rule/model configurations.
// Group assignment is a pure function of (test id, transaction id, split),
// so the same transaction always lands in the same group for the lifetime
// of the test.
type ABTest struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status ABTestStatus `json:"status"`

	// TrafficSplitPercentage is the share of transactions assigned to group
	// A (0-100).
	TrafficSplitPercentage int `json:"trafficSplitPercentage"`

	GroupAConfig GroupConfig `json:"groupAConfig"`
	GroupBConfig GroupConfig `json:"groupBConfig"`

	GroupAStats GroupStats `json:"groupAStats"`
	GroupBStats GroupStats `json:"groupBStats"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// ConfigFor returns the variant payload for a group name.
func (t *ABTest) ConfigFor(group string) GroupConfig {
	if group == GroupB {
		return t.GroupBConfig
	}
	return t.GroupAConfig
}

// OutcomeFlags classifies one recorded evaluation outcome for a group.
// Exactly one flag should be set per observation.
type OutcomeFlags struct {
	TruePositive  bool `json:"truePositive"`
	FalsePositive bool `json:"falsePositive"`
	TrueNegative  bool `json:"trueNegative"`
	FalseNegative bool `json:"falseNegative"`
}
