package models

import "time"

// DraftReply is a candidate reply produced by the completion collaborator.
// The confidence score is on the operator-facing 0..10 scale.
type DraftReply struct {
	Text            string  `json:"text"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// DelayPlan is the computed send offset for an approved automated reply.
type DelayPlan struct {
	BaseDelay         time.Duration `json:"base_delay"`
	MultiplierApplied float64       `json:"multiplier_applied"`
	ScheduledAt       time.Time     `json:"scheduled_at"`
}

// UnreadKey identifies one unread counter. CounterpartID is zero for the
// group-scope counter.
type UnreadKey struct {
	ParticipantID int64 `json:"participant_id"`
	Scope         Scope `json:"scope"`
	CounterpartID int64 `json:"counterpart_id,omitempty"`
}

// Badges is the aggregate unread view for one participant.
type Badges struct {
	Individual map[int64]int `json:"individual"`
	Group      int           `json:"group"`
	Total      int           `json:"total"`
}
