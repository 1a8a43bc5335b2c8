package models

import "time"

type Scope string

const (
	ScopeIndividual Scope = "individual"
	ScopeGroup      Scope = "group"
)

type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusApproved MessageStatus = "approved"
	StatusHeld     MessageStatus = "held"
	StatusRejected MessageStatus = "rejected"
)

// Message represents one chat message in either the one-to-one or the group
// conversation. CounterpartID is set only for individual-scope messages and
// names the other side of the one-to-one conversation.
type Message struct {
	ID            string          `json:"id"`
	SenderID      int64           `json:"sender_id"`
	Scope         Scope           `json:"scope"`
	CounterpartID int64           `json:"counterpart_id,omitempty"`
	Text          string          `json:"text"`
	IsAutomated   bool            `json:"is_automated"`
	Status        MessageStatus   `json:"status"`
	Metadata      MessageMetadata `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ScheduledAt   time.Time       `json:"scheduled_at,omitempty"`
}

// ConversationKey identifies the conversation a message belongs to, so that
// automated sends into the same conversation can be kept in order.
func (m *Message) ConversationKey() ConversationKey {
	return ConversationKey{Scope: m.Scope, CounterpartID: m.CounterpartID}
}

// ConversationKey is (scope, counterpart) for individual chats and just the
// scope for the group chat.
type ConversationKey struct {
	Scope         Scope
	CounterpartID int64
}

// Terminal reports whether the message status can no longer change.
func (s MessageStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}
