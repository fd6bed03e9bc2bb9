package domain

// ThreatLevel classifies a CTI reputation verdict.
type ThreatLevel string

const (
	ThreatLevelNone     ThreatLevel = "none"
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelCritical ThreatLevel = "critical"
)

// ThreatResult is the normalized verdict from one or more external
// reputation providers.
type ThreatResult struct {
	IsThreat bool        `json:"isThreat"`
	Level    ThreatLevel `json:"level"`

	// Source is the provider that produced the verdict, or "fallback" when
	// every provider failed and a neutral result was substituted.
	Source string `json:"source"`

	// ConfidenceScore is 0-100. Fallback results carry low confidence.
	ConfidenceScore float64 `json:"confidenceScore"`

	Description string `json:"description,omitempty"`

	// Degraded marks that at least one provider failed during the check.
	Degraded bool `json:"degraded"`
}

// NeutralThreatResult is the fallback when no provider could answer.
func NeutralThreatResult() ThreatResult {
	return ThreatResult{
		IsThreat:        false,
		Level:           ThreatLevelNone,
		Source:          "fallback",
		ConfidenceScore: 0,
		Description:     "all threat intelligence providers unavailable",
		Degraded:        true,
	}
}
