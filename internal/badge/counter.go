package badge

import (
	"context"

	"github.com/xaenox/coach-bot/internal/models"
	"go.uber.org/zap"
)

// Store is the slice of storage the counter needs. Increment and reset are
// atomic per key in every implementation; racing arrivals and
// acknowledgements never observe a stale count.
type Store interface {
	IncrementUnread(ctx context.Context, key models.UnreadKey) (int, error)
	ResetUnread(ctx context.Context, key models.UnreadKey) error
	ResetIndividualUnread(ctx context.Context, participantID int64) error
	ListUnread(ctx context.Context, participantID int64) (map[models.UnreadKey]int, error)
}

// Counter maintains the per-participant unread counts behind the badge UI.
type Counter struct {
	store  Store
	logger *zap.Logger
}

func NewCounter(store Store, logger *zap.Logger) *Counter {
	return &Counter{store: store, logger: logger}
}

// OnMessageArrived bumps the counter of every recipient except the sender.
// Individual-scope counters are keyed by the counterpart the message came
// from; the group counter is keyed by scope alone.
func (c *Counter) OnMessageArrived(ctx context.Context, scope models.Scope, counterpartID int64, senderID int64, recipients []int64) error {
	for _, recipient := range recipients {
		if recipient == senderID {
			continue
		}

		key := models.UnreadKey{ParticipantID: recipient, Scope: scope}
		if scope == models.ScopeIndividual {
			key.CounterpartID = counterpartID
		}

		if _, err := c.store.IncrementUnread(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// OnAcknowledged zeroes the matching counter(s). For the individual scope a
// zero counterpart clears every one-to-one counter the participant has;
// acknowledging one scope never touches the other.
func (c *Counter) OnAcknowledged(ctx context.Context, participantID int64, scope models.Scope, counterpartID int64) error {
	if scope == models.ScopeIndividual && counterpartID == 0 {
		return c.store.ResetIndividualUnread(ctx, participantID)
	}

	key := models.UnreadKey{ParticipantID: participantID, Scope: scope}
	if scope == models.ScopeIndividual {
		key.CounterpartID = counterpartID
	}
	return c.store.ResetUnread(ctx, key)
}

// TotalUnread sums across every scope and counterpart for the aggregate
// badge.
func (c *Counter) TotalUnread(ctx context.Context, participantID int64) (int, error) {
	counts, err := c.store.ListUnread(ctx, participantID)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Badges returns the per-counterpart, group, and total view for one
// participant.
func (c *Counter) Badges(ctx context.Context, participantID int64) (models.Badges, error) {
	counts, err := c.store.ListUnread(ctx, participantID)
	if err != nil {
		return models.Badges{}, err
	}

	badges := models.Badges{Individual: make(map[int64]int)}
	for key, n := range counts {
		switch key.Scope {
		case models.ScopeIndividual:
			badges.Individual[key.CounterpartID] += n
		case models.ScopeGroup:
			badges.Group += n
		}
		badges.Total += n
	}
	return badges, nil
}
