package storage

import (
	"context"
	"errors"

	"github.com/xaenox/coach-bot/internal/models"
)

var (
	ErrMessageNotFound     = errors.New("message not found")
	ErrMessageImmutable    = errors.New("message is in a terminal status")
	ErrDuplicateCheckinRun = errors.New("checkin run already exists for period")
	ErrCheckinRunNotFound  = errors.New("checkin run not found")
)

type Storage interface {
	MessageStorage
	UnreadStorage
	CheckinStorage
	ConfigStorage
	RosterStorage
	Close() error
}

type MessageStorage interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// UpdateMessageStatus applies a Confidence Gate transition. Approved and
	// Rejected messages are immutable; transitions out of them fail with
	// ErrMessageImmutable.
	UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus) error
	ListConversation(ctx context.Context, key models.ConversationKey, limit int) ([]*models.Message, error)
}

// UnreadStorage mutations are atomic per key: concurrent increments and
// resets serialize, and a count can never be observed negative.
type UnreadStorage interface {
	IncrementUnread(ctx context.Context, key models.UnreadKey) (int, error)
	ResetUnread(ctx context.Context, key models.UnreadKey) error
	ResetIndividualUnread(ctx context.Context, participantID int64) error
	ListUnread(ctx context.Context, participantID int64) (map[models.UnreadKey]int, error)
}

type CheckinStorage interface {
	// CreateCheckinRun is a check-and-set: the insert and the uniqueness
	// check on (recipient, period) are one atomic operation. A duplicate
	// returns ErrDuplicateCheckinRun.
	CreateCheckinRun(ctx context.Context, run *models.CheckinRun) error
	UpdateCheckinRun(ctx context.Context, recipientID int64, periodKey string, status models.CheckinStatus, reportRef string) error
	GetCheckinRun(ctx context.Context, recipientID int64, periodKey string) (*models.CheckinRun, error)
	// DeleteCheckinRun clears a failed run so a manual retry can re-insert it.
	DeleteCheckinRun(ctx context.Context, recipientID int64, periodKey string) error
	ListCheckinRecipients(ctx context.Context) ([]int64, error)
}

// RosterStorage exposes the participant roster owned by the surrounding app.
type RosterStorage interface {
	ListGroupMembers(ctx context.Context) ([]int64, error)
}

// ConfigStorage serves the admin-owned moderation rules. The engine reads
// the config fresh for every evaluation; implementations must not hand out
// a stale snapshot after SetModerationConfig returns.
type ConfigStorage interface {
	ModerationConfig(ctx context.Context, scope models.Scope) (*models.ModerationConfig, error)
	SetModerationConfig(ctx context.Context, scope models.Scope, cfg *models.ModerationConfig) error
}
