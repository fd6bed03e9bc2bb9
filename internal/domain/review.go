package domain

import "time"

// ReviewStatus is the lifecycle state of a manual-review entry.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "PENDING"
	ReviewInReview ReviewStatus = "IN_REVIEW"
	ReviewResolved ReviewStatus = "RESOLVED"
)

// ReviewQueueEntry is a blocked transaction routed to manual review.
// At most one active entry per transaction id ever exists.
type ReviewQueueEntry struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transactionId"`
	Status        ReviewStatus `json:"status"`
	AssignedTo    string       `json:"assignedTo,omitempty"`

	// RiskScore and Reasons give reviewers the evaluation context.
	RiskScore float64  `json:"riskScore"`
	Reasons   []string `json:"reasons,omitempty"`

	AddedAt    time.Time  `json:"addedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}
