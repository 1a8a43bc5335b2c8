package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

const (
	coachID  int64 = 1
	clientID int64 = 42
)

type fakeGenerator struct {
	draft   models.DraftReply
	err     error
	calls   int32
	delay   time.Duration
	release chan struct{}
	echo    bool
}

func (f *fakeGenerator) GenerateReply(ctx context.Context, conv generator.ConversationContext) (models.DraftReply, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.DraftReply{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.DraftReply{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.DraftReply{}, f.err
	}
	draft := f.draft
	if f.echo {
		draft.Text = "re: " + conv.InboundText
	}
	return draft, nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recordingBroadcaster) Broadcast(channelKey string, event broadcast.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	coord *Coordinator
	store *storage.MemoryStorage
	gen   *fakeGenerator
	bcast *recordingBroadcaster
}

func newFixture(t *testing.T, gen *fakeGenerator) *fixture {
	t.Helper()

	logger := zap.NewNop()
	store := storage.NewMemoryStorage()
	store.AddParticipant(coachID, true, false)
	store.AddParticipant(clientID, true, true)
	require.NoError(t, store.SetModerationConfig(context.Background(), models.ScopeIndividual,
		&models.ModerationConfig{Enabled: true, StrictnessLevel: 3}))
	require.NoError(t, store.SetModerationConfig(context.Background(), models.ScopeGroup,
		&models.ModerationConfig{Enabled: true, StrictnessLevel: 3}))

	mod := moderation.NewEngine(logger)
	g := gate.New(gate.Config{
		IndividualThreshold: 6,
		GroupThreshold:      7,
		UrgentThreshold:     3,
		MinimumFloor:        2,
	}, mod, logger)

	delays := delay.NewScheduler(delay.Config{
		Individual: delay.Band{Min: time.Millisecond, Max: time.Millisecond},
		Group:      delay.Band{Min: time.Millisecond, Max: time.Millisecond},
		MaxDelay:   time.Hour,
	}, rand.New(rand.NewSource(7)))
	queue := delay.NewTimerQueue(logger)
	t.Cleanup(queue.Stop)

	bcast := &recordingBroadcaster{}
	coord := NewCoordinator(Config{
		CoachID:         coachID,
		GenerateTimeout: 100 * time.Millisecond,
		RetryBackoff:    time.Millisecond,
		UrgentKeywords:  []string{"injury", "chest pain", "emergency"},
	}, store, mod, g, delays, queue, badge.NewCounter(store, logger), gen, bcast, logger)

	return &fixture{coord: coord, store: store, gen: gen, bcast: bcast}
}

func (f *fixture) conversation(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := f.store.ListConversation(context.Background(),
		models.ConversationKey{Scope: models.ScopeIndividual, CounterpartID: clientID}, 0)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) automatedReplies(t *testing.T) []*models.Message {
	t.Helper()
	var replies []*models.Message
	for _, msg := range f.conversation(t) {
		if msg.IsAutomated {
			replies = append(replies, msg)
		}
	}
	return replies
}

func TestSubmitMessageStoresAndDelivers(t *testing.T) {
	// A sub-floor draft keeps automation out of the picture here.
	f := newFixture(t, &fakeGenerator{draft: models.DraftReply{Text: "Nice work", ConfidenceScore: 1}})
	ctx := context.Background()

	id, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "How was my workout?")
	require.NoError(t, err)

	msg, err := f.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, msg.Status)
	assert.False(t, msg.IsAutomated)

	// The coach's unread counter moved; the sender's did not.
	badges, err := f.coord.GetUnreadBadges(ctx, coachID)
	require.NoError(t, err)
	assert.Equal(t, 1, badges.Individual[clientID])

	senderBadges, err := f.coord.GetUnreadBadges(ctx, clientID)
	require.NoError(t, err)
	assert.Zero(t, senderBadges.Individual[clientID])
}

func TestSubmitMessageValidation(t *testing.T) {
	f := newFixture(t, &fakeGenerator{})
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, 0, "hello")
	assert.ErrorIs(t, err, ErrMissingCounter)

	_, err = f.coord.SubmitMessage(ctx, clientID, models.Scope("direct"), 0, "hello")
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestAutoSendFlow(t *testing.T) {
	f := newFixture(t, &fakeGenerator{draft: models.DraftReply{Text: "Keep it up", ConfidenceScore: 9}})
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "Done with day 3")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		replies := f.automatedReplies(t)
		return len(replies) == 1 && replies[0].Status == models.StatusApproved
	}, 2*time.Second, 5*time.Millisecond)

	reply := f.automatedReplies(t)[0]
	assert.Equal(t, coachID, reply.SenderID)
	assert.Equal(t, "Keep it up", reply.Text)
	meta, ok := reply.Metadata.(models.AutomationMeta)
	require.True(t, ok)
	assert.Equal(t, 9.0, meta.ConfidenceScore)

	// Delivery bumps the client's badge.
	badges, err := f.coord.GetUnreadBadges(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, 1, badges.Individual[clientID])
}

func TestLowConfidenceIsHeld(t *testing.T) {
	f := newFixture(t, &fakeGenerator{draft: models.DraftReply{Text: "Maybe rest?", ConfidenceScore: 4}})
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "Should I train today?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		replies := f.automatedReplies(t)
		return len(replies) == 1 && replies[0].Status == models.StatusHeld
	}, 2*time.Second, 5*time.Millisecond)

	// Held drafts are never auto-delivered.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.StatusHeld, f.automatedReplies(t)[0].Status)
}

func TestBelowFloorIsDiscarded(t *testing.T) {
	gen := &fakeGenerator{draft: models.DraftReply{Text: "??", ConfidenceScore: 1}}
	f := newFixture(t, gen)
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "hmm")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&gen.calls) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// No automated message is created at all.
	assert.Empty(t, f.automatedReplies(t))
}

func TestGeneratorFailureRetriesOnceThenGivesUp(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("completion timed out")}
	f := newFixture(t, gen)
	ctx := context.Background()

	id, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "anyone there?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&gen.calls) == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&gen.calls))
	assert.Empty(t, f.automatedReplies(t))

	// The inbound message itself survived the automation failure.
	msg, err := f.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, msg.Status)
}

func TestFlaggedInboundSkipsAutomation(t *testing.T) {
	gen := &fakeGenerator{draft: models.DraftReply{Text: "ok", ConfidenceScore: 9}}
	f := newFixture(t, gen)
	ctx := context.Background()

	id, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "this program is bullshit")
	require.NoError(t, err)

	// Stored and delivered to humans, moderation recorded, no draft requested.
	msg, err := f.store.GetMessage(ctx, id)
	require.NoError(t, err)
	meta, ok := msg.Metadata.(models.ModerationMeta)
	require.True(t, ok)
	assert.True(t, meta.Verdict.Flagged)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&gen.calls))

	badges, err := f.coord.GetUnreadBadges(ctx, coachID)
	require.NoError(t, err)
	assert.Equal(t, 1, badges.Individual[clientID])
}

func TestApproveHeldComputesFreshDelay(t *testing.T) {
	f := newFixture(t, &fakeGenerator{draft: models.DraftReply{Text: "Take a rest day", ConfidenceScore: 4}})
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "so tired today")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.automatedReplies(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	held := f.automatedReplies(t)[0]
	require.Equal(t, models.StatusHeld, held.Status)

	require.NoError(t, f.coord.ApproveHeld(ctx, held.ID))

	require.Eventually(t, func() bool {
		msg, err := f.store.GetMessage(ctx, held.ID)
		return err == nil && msg.Status == models.StatusApproved
	}, 2*time.Second, 5*time.Millisecond)

	badges, err := f.coord.GetUnreadBadges(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, 1, badges.Individual[clientID])
}

func TestRejectHeld(t *testing.T) {
	f := newFixture(t, &fakeGenerator{draft: models.DraftReply{Text: "hmm", ConfidenceScore: 4}})
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "thoughts?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.automatedReplies(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	held := f.automatedReplies(t)[0]

	require.NoError(t, f.coord.RejectHeld(ctx, held.ID))

	msg, err := f.store.GetMessage(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, msg.Status)

	// Rejected is terminal.
	assert.ErrorIs(t, f.coord.ApproveHeld(ctx, held.ID), ErrNotHeld)
}

func TestAcknowledgeReadZeroesBadge(t *testing.T) {
	f := newFixture(t, &fakeGenerator{draft: models.DraftReply{Text: "ok", ConfidenceScore: 9}})
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "ping")
	require.NoError(t, err)

	require.NoError(t, f.coord.AcknowledgeRead(ctx, coachID, models.ScopeIndividual, clientID))

	badges, err := f.coord.GetUnreadBadges(ctx, coachID)
	require.NoError(t, err)
	assert.Zero(t, badges.Total)
}

func TestGroupMessageFansOutToRoster(t *testing.T) {
	// A sub-floor draft keeps the automated reply out of the badge counts.
	f := newFixture(t, &fakeGenerator{draft: models.DraftReply{Text: "ok", ConfidenceScore: 1}})
	f.store.AddParticipant(43, true, false)
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeGroup, 0, "morning everyone")
	require.NoError(t, err)

	for _, id := range []int64{coachID, 43} {
		badges, err := f.coord.GetUnreadBadges(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, badges.Group, "participant %d", id)
	}

	badges, err := f.coord.GetUnreadBadges(ctx, clientID)
	require.NoError(t, err)
	assert.Zero(t, badges.Group)
}

func TestNewerInboundSupersedesInFlightDraft(t *testing.T) {
	// A slow generator means the second message arrives while the first
	// reply is still being drafted.
	gen := &fakeGenerator{draft: models.DraftReply{ConfidenceScore: 9}, echo: true, delay: 50 * time.Millisecond}
	f := newFixture(t, gen)
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "first question")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "second question")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, r := range f.automatedReplies(t) {
			if r.Text == "re: second question" && r.Status == models.StatusApproved {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	// The reply drafted for the first message never reaches the client.
	for _, r := range f.automatedReplies(t) {
		if r.Text == "re: first question" {
			assert.NotEqual(t, models.StatusApproved, r.Status)
		}
	}
}

func TestOutboundGateReadsFreshModerationConfig(t *testing.T) {
	gen := &fakeGenerator{
		draft:   models.DraftReply{Text: "You will definitely improve", ConfidenceScore: 9},
		release: make(chan struct{}),
	}
	f := newFixture(t, gen)
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "am I improving?")
	require.NoError(t, err)

	// Swap the rules while the draft is still being generated; the gate's
	// outbound pass must pick up the new config.
	require.NoError(t, f.store.SetModerationConfig(ctx, models.ScopeIndividual,
		&models.ModerationConfig{Enabled: true, ExcludedWords: []string{"definitely"}}))
	close(gen.release)

	require.Eventually(t, func() bool {
		replies := f.automatedReplies(t)
		return len(replies) == 1 && replies[0].Status == models.StatusApproved
	}, 2*time.Second, 5*time.Millisecond)

	reply := f.automatedReplies(t)[0]
	assert.NotContains(t, strings.ToLower(reply.Text), "definitely")
	assert.Contains(t, reply.Text, "improve")
}

func TestBroadcastAccompaniesDelivery(t *testing.T) {
	f := newFixture(t, &fakeGenerator{draft: models.DraftReply{Text: "ok", ConfidenceScore: 9}})
	ctx := context.Background()

	_, err := f.coord.SubmitMessage(ctx, clientID, models.ScopeIndividual, clientID, "hello")
	require.NoError(t, err)

	// One broadcast for the inbound message, one for the automated reply.
	require.Eventually(t, func() bool {
		return f.bcast.count() == 2
	}, 2*time.Second, 5*time.Millisecond)
}
