package domain

import "time"

// BlacklistType is the kind of value a deny-list entry matches.
type BlacklistType string

const (
	BlacklistIP          BlacklistType = "ip"
	BlacklistEmailDomain BlacklistType = "email_domain"
	BlacklistCardBIN     BlacklistType = "card_bin"
	BlacklistUserID      BlacklistType = "user_id"
)

// BlacklistEntry is a typed deny-list record. The (type, value) pair is
// unique while the entry is active; re-adding refreshes the TTL instead of
// duplicating.
type BlacklistEntry struct {
	Type    BlacklistType `json:"type"`
	Value   string        `json:"value"`
	Reason  string        `json:"reason"`
	AddedBy string        `json:"addedBy"`
	AddedAt time.Time     `json:"addedAt"`

	// TTL after which the entry expires. Zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`
}
