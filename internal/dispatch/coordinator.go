package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/coach-bot/internal/badge"
	"github.com/xaenox/coach-bot/internal/broadcast"
	"github.com/xaenox/coach-bot/internal/delay"
	"github.com/xaenox/coach-bot/internal/gate"
	"github.com/xaenox/coach-bot/internal/generator"
	"github.com/xaenox/coach-bot/internal/models"
	"github.com/xaenox/coach-bot/internal/moderation"
	"github.com/xaenox/coach-bot/internal/storage"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrNotHeld        = errors.New("message is not held for review")
	ErrUnknownScope   = errors.New("unknown message scope")
	ErrMissingCounter = errors.New("individual scope requires a counterpart")
)

// Config tunes the automation half of the pipeline.
type Config struct {
	CoachID         int64
	GenerateTimeout time.Duration
	RetryBackoff    time.Duration
	HistoryLimit    int
	UrgentKeywords  []string
}

// Coordinator receives inbound message events and orchestrates moderation,
// drafting, gating, delayed delivery, badges, and broadcasts. Automation
// failures only ever affect the automated half: a user-submitted message is
// always stored and delivered to its human recipients.
type Coordinator struct {
	cfg         Config
	store       storage.Storage
	moderation  *moderation.Engine
	gate        *gate.Gate
	delays      *delay.Scheduler
	queue       *delay.TimerQueue
	counter     *badge.Counter
	generator   generator.Generator
	broadcaster broadcast.Broadcaster
	logger      *zap.Logger
	now         func() time.Time

	// epochs tracks a per-conversation generation number. Each inbound
	// message bumps it, so a draft still in flight when a newer message
	// arrives notices it is stale before it is scheduled.
	convMu sync.Mutex
	epochs map[models.ConversationKey]uint64
}

func NewCoordinator(
	cfg Config,
	store storage.Storage,
	mod *moderation.Engine,
	g *gate.Gate,
	delays *delay.Scheduler,
	queue *delay.TimerQueue,
	counter *badge.Counter,
	gen generator.Generator,
	broadcaster broadcast.Broadcaster,
	logger *zap.Logger,
) *Coordinator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		moderation:  mod,
		gate:        g,
		delays:      delays,
		queue:       queue,
		counter:     counter,
		generator:   gen,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
		epochs:      make(map[models.ConversationKey]uint64),
	}
}

// SubmitMessage stores an inbound message, updates badges, notifies readers,
// and kicks off the automated-reply pipeline. The returned id is the stored
// inbound message; automation runs asynchronously behind the delay queue.
func (c *Coordinator) SubmitMessage(ctx context.Context, senderID int64, scope models.Scope, counterpartID int64, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	switch scope {
	case models.ScopeIndividual:
		if counterpartID == 0 {
			return "", ErrMissingCounter
		}
	case models.ScopeGroup:
		counterpartID = 0
	default:
		return "", ErrUnknownScope
	}

	modCfg, err := c.store.ModerationConfig(ctx, scope)
	if err != nil {
		c.logger.Error("Failed to load moderation config", zap.Error(err))
		modCfg = &models.ModerationConfig{}
	}
	verdict := c.moderation.Evaluate(text, modCfg)

	msg := &models.Message{
		ID:            uuid.New().String(),
		SenderID:      senderID,
		Scope:         scope,
		CounterpartID: counterpartID,
		Text:          text,
		Status:        models.StatusApproved,
		CreatedAt:     c.now(),
	}
	if verdict.Flagged {
		msg.Metadata = models.ModerationMeta{Verdict: verdict}
	}

	if err := c.store.SaveMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("error saving inbound message: %w", err)
	}

	recipients, err := c.recipientsFor(ctx, msg)
	if err != nil {
		c.logger.Error("Failed to resolve recipients", zap.Error(err), zap.String("message_id", msg.ID))
	} else if err := c.counter.OnMessageArrived(ctx, scope, counterpartID, senderID, recipients); err != nil {
		c.logger.Error("Failed to update unread counters", zap.Error(err), zap.String("message_id", msg.ID))
	}

	c.broadcaster.Broadcast(ChannelKey(msg.ConversationKey()), broadcast.Event{
		Type:    "message",
		Payload: msg,
	})

	if verdict.Flagged {
		c.logger.Info("Inbound message flagged, skipping automated reply",
			zap.String("message_id", msg.ID),
			zap.Any("reasons", verdict.Reasons))
		return msg.ID, nil
	}

	// A newer inbound message supersedes any reply still waiting to fire
	// and any draft still being generated for this conversation.
	key := msg.ConversationKey()
	c.convMu.Lock()
	c.epochs[key]++
	epoch := c.epochs[key]
	c.queue.CancelConversation(key)
	c.convMu.Unlock()

	if senderID != c.cfg.CoachID {
		go c.automate(msg, epoch)
	}

	return msg.ID, nil
}

// AcknowledgeRead zeroes the matching unread counter(s) for the participant.
func (c *Coordinator) AcknowledgeRead(ctx context.Context, participantID int64, scope models.Scope, counterpartID int64) error {
	return c.counter.OnAcknowledged(ctx, participantID, scope, counterpartID)
}

// GetUnreadBadges returns the per-counterpart, group, and total unread view.
func (c *Coordinator) GetUnreadBadges(ctx context.Context, participantID int64) (models.Badges, error) {
	return c.counter.Badges(ctx, participantID)
}

// ApproveHeld releases a held draft. The delay plan is computed fresh at
// approval time; the plan from the original decision is long gone.
func (c *Coordinator) ApproveHeld(ctx context.Context, messageID string) error {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Status != models.StatusHeld {
		return ErrNotHeld
	}

	plan := c.delays.ComputeDelay(c.now(), false, msg.Scope)
	c.scheduleSend(msg, plan, c.currentEpoch(msg.ConversationKey()))
	return nil
}

// RejectHeld discards a held draft for good.
func (c *Coordinator) RejectHeld(ctx context.Context, messageID string) error {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Status != models.StatusHeld {
		return ErrNotHeld
	}
	return c.store.UpdateMessageStatus(ctx, messageID, models.StatusRejected)
}

// CloseConversation cancels every automated send still pending for the
// conversation, e.g. when it is archived by the coach. In-flight drafts are
// invalidated too.
func (c *Coordinator) CloseConversation(key models.ConversationKey) int {
	c.convMu.Lock()
	defer c.convMu.Unlock()
	c.epochs[key]++
	return c.queue.CancelConversation(key)
}

// Stop shuts down the delay queue; pending sends are dropped.
func (c *Coordinator) Stop() {
	c.queue.Stop()
}

// automate runs the automated half for one inbound message: draft, gate,
// schedule. Every failure path ends in a log line, never in a user error.
// The epoch pins the inbound message this draft answers; a newer inbound in
// the same conversation makes the draft stale.
func (c *Coordinator) automate(inbound *models.Message, epoch uint64) {
	ctx := context.Background()
	key := inbound.ConversationKey()

	draft, err := c.generateWithRetry(ctx, inbound)
	if err != nil {
		c.logger.Error("Reply generation failed, discarding",
			zap.Error(err),
			zap.String("message_id", inbound.ID))
		return
	}

	if c.currentEpoch(key) != epoch {
		c.logger.Info("Draft superseded by a newer inbound message, discarding",
			zap.String("message_id", inbound.ID))
		return
	}

	isUrgent := c.isUrgent(inbound.Text)

	// Re-read the config: the admin may have swapped it since the inbound
	// evaluation, and the gate's outbound pass must use one fresh snapshot.
	modCfg, err := c.store.ModerationConfig(ctx, inbound.Scope)
	if err != nil {
		c.logger.Error("Failed to load moderation config for gate", zap.Error(err))
		modCfg = &models.ModerationConfig{}
	}

	decision := c.gate.Decide(draft, inbound.Scope, isUrgent, modCfg)
	switch decision.Action {
	case gate.ActionDiscard:
		return
	case gate.ActionHoldForReview:
		held := c.buildReply(inbound, decision.FinalText, draft.ConfidenceScore, models.StatusHeld)
		if err := c.store.SaveMessage(ctx, held); err != nil {
			c.logger.Error("Failed to save held draft", zap.Error(err), zap.String("message_id", held.ID))
		}
		return
	case gate.ActionAutoSend:
		plan := c.delays.ComputeDelay(c.now(), isUrgent, inbound.Scope)
		reply := c.buildReply(inbound, decision.FinalText, draft.ConfidenceScore, models.StatusPending)
		reply.Metadata = models.AutomationMeta{
			ConfidenceScore:   draft.ConfidenceScore,
			BaseDelaySeconds:  plan.BaseDelay.Seconds(),
			MultiplierApplied: plan.MultiplierApplied,
			ScheduledAt:       plan.ScheduledAt,
		}
		if err := c.store.SaveMessage(ctx, reply); err != nil {
			c.logger.Error("Failed to save pending reply", zap.Error(err), zap.String("message_id", reply.ID))
			return
		}
		c.scheduleSend(reply, plan, epoch)
	}
}

// generateWithRetry calls the completion collaborator with a bounded timeout
// and a single backoff retry; then it gives up for this inbound message.
func (c *Coordinator) generateWithRetry(ctx context.Context, inbound *models.Message) (models.DraftReply, error) {
	history, err := c.store.ListConversation(ctx, inbound.ConversationKey(), c.cfg.HistoryLimit)
	if err != nil {
		c.logger.Warn("Failed to load conversation history", zap.Error(err))
	}
	recent := history[:0]
	for _, msg := range history {
		if msg.Status == models.StatusApproved {
			recent = append(recent, msg)
		}
	}

	conv := generator.ConversationContext{
		Scope:         inbound.Scope,
		CounterpartID: inbound.CounterpartID,
		InboundText:   inbound.Text,
		Recent:        recent,
	}

	for attempt := 0; ; attempt++ {
		genCtx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
		draft, err := c.generator.GenerateReply(genCtx, conv)
		cancel()

		if err == nil {
			return draft, nil
		}
		if attempt >= 1 {
			return models.DraftReply{}, err
		}

		c.logger.Warn("Reply generation failed, retrying once",
			zap.Error(err),
			zap.String("message_id", inbound.ID))
		select {
		case <-time.After(c.cfg.RetryBackoff):
		case <-ctx.Done():
			return models.DraftReply{}, ctx.Err()
		}
	}
}

// scheduleSend parks the reply on the delay queue. The queue clamps the fire
// time so replies into the same conversation never overtake each other. The
// epoch check and the enqueue are one critical section against SubmitMessage:
// a reply either lands in the queue before a newer inbound cancels the
// conversation, or it sees the bumped epoch and is rejected here.
func (c *Coordinator) scheduleSend(reply *models.Message, plan models.DelayPlan, epoch uint64) {
	reply.ScheduledAt = plan.ScheduledAt
	key := reply.ConversationKey()

	c.convMu.Lock()
	if c.epochs[key] != epoch {
		c.convMu.Unlock()
		c.discardStale(reply)
		return
	}
	c.queue.Schedule(reply.ID, key, plan.ScheduledAt, func() {
		c.deliver(reply)
	})
	c.convMu.Unlock()
}

func (c *Coordinator) currentEpoch(key models.ConversationKey) uint64 {
	c.convMu.Lock()
	defer c.convMu.Unlock()
	return c.epochs[key]
}

// discardStale rejects a saved reply that was superseded before it could be
// scheduled.
func (c *Coordinator) discardStale(reply *models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.logger.Info("Reply superseded before scheduling, rejecting",
		zap.String("message_id", reply.ID))
	if err := c.store.UpdateMessageStatus(ctx, reply.ID, models.StatusRejected); err != nil {
		c.logger.Error("Failed to reject superseded reply",
			zap.Error(err),
			zap.String("message_id", reply.ID))
	}
}

// deliver fires when the delay elapses: the message becomes Approved and
// immutable, counters move, then readers are notified. The write must be
// durable before the broadcast.
func (c *Coordinator) deliver(reply *models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.store.UpdateMessageStatus(ctx, reply.ID, models.StatusApproved); err != nil {
		c.logger.Error("Failed to approve scheduled reply",
			zap.Error(err),
			zap.String("message_id", reply.ID))
		return
	}
	reply.Status = models.StatusApproved

	recipients, err := c.recipientsFor(ctx, reply)
	if err != nil {
		c.logger.Error("Failed to resolve recipients for reply", zap.Error(err))
	} else if err := c.counter.OnMessageArrived(ctx, reply.Scope, reply.CounterpartID, reply.SenderID, recipients); err != nil {
		c.logger.Error("Failed to update unread counters for reply", zap.Error(err))
	}

	c.broadcaster.Broadcast(ChannelKey(reply.ConversationKey()), broadcast.Event{
		Type:    "message",
		Payload: reply,
	})
}

func (c *Coordinator) buildReply(inbound *models.Message, text string, confidence float64, status models.MessageStatus) *models.Message {
	return &models.Message{
		ID:            uuid.New().String(),
		SenderID:      c.cfg.CoachID,
		Scope:         inbound.Scope,
		CounterpartID: inbound.CounterpartID,
		Text:          text,
		IsAutomated:   true,
		Status:        status,
		CreatedAt:     c.now(),
	}
}

// recipientsFor resolves who sees a message: the two sides of an individual
// conversation, or the whole group roster.
func (c *Coordinator) recipientsFor(ctx context.Context, msg *models.Message) ([]int64, error) {
	if msg.Scope == models.ScopeIndividual {
		return []int64{c.cfg.CoachID, msg.CounterpartID}, nil
	}
	return c.store.ListGroupMembers(ctx)
}

func (c *Coordinator) isUrgent(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range c.cfg.UrgentKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ChannelKey maps a conversation to the broadcast channel its readers watch.
func ChannelKey(key models.ConversationKey) string {
	if key.Scope == models.ScopeGroup {
		return "group"
	}
	return fmt.Sprintf("individual:%d", key.CounterpartID)
}
