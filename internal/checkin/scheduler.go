package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/xaenox/coach-bot/internal/badge"
	"github.com/xaenox/coach-bot/internal/gate"
	"github.com/xaenox/coach-bot/internal/models"
	"github.com/xaenox/coach-bot/internal/report"
	"github.com/xaenox/coach-bot/internal/storage"
	"go.uber.org/zap"
)

var (
	ErrRunAlreadyCompleted = errors.New("checkin already completed for period")
	ErrRetryExhausted      = errors.New("failed checkin run was already retried")
)

// Config drives the recurring sweep. Cron is the sweep cadence (typically
// once daily); RenderTimeout bounds the report-rendering collaborator call.
type Config struct {
	Cron          string
	CoachID       int64
	RenderTimeout time.Duration
}

// Scheduler runs the weekly check-in flow: once per recipient per ISO week
// it renders a report and drops a message carrying the artifact into the
// recipient's individual conversation.
type Scheduler struct {
	cfg      Config
	store    storage.Storage
	renderer report.Renderer
	gate     *gate.Gate
	counter  *badge.Counter
	notify   func(recipientID int64, msg *models.Message)
	logger   *zap.Logger
	now      func() time.Time
}

func NewScheduler(cfg Config, store storage.Storage, renderer report.Renderer, g *gate.Gate, counter *badge.Counter, notify func(recipientID int64, msg *models.Message), logger *zap.Logger) (*Scheduler, error) {
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid checkin cron expression: %s", cfg.Cron)
	}

	return &Scheduler{
		cfg:      cfg,
		store:    store,
		renderer: renderer,
		gate:     g,
		counter:  counter,
		notify:   notify,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Run blocks, sweeping at each cron tick until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cfg.Cron, s.now(), false)
		if err != nil {
			s.logger.Error("Failed to compute next checkin tick",
				zap.Error(err),
				zap.String("cron", s.cfg.Cron))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep triggers every eligible recipient whose current period has no run
// yet. Failures are per-recipient; one bad recipient never stops the sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	recipients, err := s.store.ListCheckinRecipients(ctx)
	if err != nil {
		s.logger.Error("Failed to list checkin recipients", zap.Error(err))
		return
	}

	for _, recipientID := range recipients {
		if err := s.Trigger(ctx, recipientID, false); err != nil {
			s.logger.Error("Checkin trigger failed",
				zap.Error(err),
				zap.Int64("recipient_id", recipientID))
		}
	}
}

// Trigger runs the check-in flow for one recipient in the current period.
// The CheckinRun insert is the idempotency check: a concurrent or repeated
// trigger for the same (recipient, period) is a silent no-op. With force a
// previously Failed run gets exactly one retry; a Completed run is never
// re-sent.
func (s *Scheduler) Trigger(ctx context.Context, recipientID int64, force bool) error {
	periodKey := models.PeriodKey(s.now())

	retried := false
	if force {
		existing, err := s.store.GetCheckinRun(ctx, recipientID, periodKey)
		switch {
		case err == nil && existing.Status == models.CheckinCompleted:
			return ErrRunAlreadyCompleted
		case err == nil && existing.Status == models.CheckinFailed:
			if existing.Retried {
				return ErrRetryExhausted
			}
			if err := s.store.DeleteCheckinRun(ctx, recipientID, periodKey); err != nil {
				return err
			}
			retried = true
		case err != nil && !errors.Is(err, storage.ErrCheckinRunNotFound):
			return err
		}
	}

	run := &models.CheckinRun{
		RecipientID: recipientID,
		PeriodKey:   periodKey,
		Status:      models.CheckinTriggered,
		TriggeredAt: s.now(),
		Retried:     retried,
	}
	if err := s.store.CreateCheckinRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrDuplicateCheckinRun) {
			// Idempotency, not an error.
			return nil
		}
		return err
	}

	recent, err := s.store.ListConversation(ctx,
		models.ConversationKey{Scope: models.ScopeIndividual, CounterpartID: recipientID}, 50)
	if err != nil {
		s.logger.Warn("Failed to load recipient context for checkin",
			zap.Error(err),
			zap.Int64("recipient_id", recipientID))
	}

	renderCtx, cancel := context.WithTimeout(ctx, s.cfg.RenderTimeout)
	reportRef, err := s.renderer.RenderReport(renderCtx, report.RecipientContext{
		RecipientID: recipientID,
		PeriodKey:   periodKey,
		Recent:      recent,
	})
	cancel()

	if err != nil {
		s.logger.Error("Report rendering failed",
			zap.Error(err),
			zap.Int64("recipient_id", recipientID),
			zap.String("period", periodKey))
		return s.store.UpdateCheckinRun(ctx, recipientID, periodKey, models.CheckinFailed, "")
	}

	if err := s.sendReport(ctx, recipientID, periodKey, reportRef); err != nil {
		s.logger.Error("Failed to send checkin message",
			zap.Error(err),
			zap.Int64("recipient_id", recipientID))
		return s.store.UpdateCheckinRun(ctx, recipientID, periodKey, models.CheckinFailed, reportRef)
	}

	return s.store.UpdateCheckinRun(ctx, recipientID, periodKey, models.CheckinCompleted, reportRef)
}

// sendReport creates the check-in message through the gate's unconditional
// auto-send path; check-ins are template-driven and skip confidence scoring.
func (s *Scheduler) sendReport(ctx context.Context, recipientID int64, periodKey, reportRef string) error {
	modCfg, err := s.store.ModerationConfig(ctx, models.ScopeIndividual)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("Your weekly check-in report for %s is ready.", periodKey)
	decision := s.gate.DecideReport(text, modCfg)

	msg := &models.Message{
		ID:            uuid.New().String(),
		SenderID:      s.cfg.CoachID,
		Scope:         models.ScopeIndividual,
		CounterpartID: recipientID,
		Text:          decision.FinalText,
		IsAutomated:   true,
		Status:        models.StatusApproved,
		Metadata: models.PdfAttachmentMeta{
			ArtifactRef: reportRef,
			Title:       fmt.Sprintf("Weekly check-in %s", periodKey),
		},
		CreatedAt: s.now(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return err
	}

	if err := s.counter.OnMessageArrived(ctx, models.ScopeIndividual, recipientID, s.cfg.CoachID, []int64{recipientID}); err != nil {
		return err
	}

	if s.notify != nil {
		s.notify(recipientID, msg)
	}
	return nil
}
