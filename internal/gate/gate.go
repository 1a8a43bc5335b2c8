package gate

import (
	"github.com/xaenox/coach-bot/internal/moderation"
	"github.com/xaenox/coach-bot/internal/models"
	"go.uber.org/zap"
)

type Action string

const (
	ActionAutoSend      Action = "auto_send"
	ActionHoldForReview Action = "hold_for_review"
	ActionDiscard       Action = "discard"
)

// Decision is the terminal disposition of one draft reply.
type Decision struct {
	Action    Action
	FinalText string
}

// Config holds the per-scope confidence thresholds on the 0..10 scale.
// Individual and group thresholds are independent; urgent drafts pass at the
// lower urgent threshold; anything under the floor is discarded outright.
type Config struct {
	IndividualThreshold float64
	GroupThreshold      float64
	UrgentThreshold     float64
	MinimumFloor        float64
}

// Gate decides whether an AI-drafted reply is sent automatically, parked for
// a human operator, or dropped.
type Gate struct {
	cfg        Config
	moderation *moderation.Engine
	logger     *zap.Logger
}

func New(cfg Config, mod *moderation.Engine, logger *zap.Logger) *Gate {
	return &Gate{
		cfg:        cfg,
		moderation: mod,
		logger:     logger,
	}
}

// Decide runs the draft through the outbound filter and gates it on its
// confidence score. The moderation config is the caller's freshly loaded
// snapshot for this evaluation.
func (g *Gate) Decide(draft models.DraftReply, scope models.Scope, isUrgent bool, modCfg *models.ModerationConfig) Decision {
	finalText := g.moderation.Filter(draft.Text, modCfg)

	threshold := g.cfg.IndividualThreshold
	if scope == models.ScopeGroup {
		threshold = g.cfg.GroupThreshold
	}
	if isUrgent {
		threshold = g.cfg.UrgentThreshold
	}

	switch {
	case draft.ConfidenceScore >= threshold:
		return Decision{Action: ActionAutoSend, FinalText: finalText}
	case draft.ConfidenceScore >= g.cfg.MinimumFloor:
		g.logger.Info("Draft held for review",
			zap.Float64("confidence", draft.ConfidenceScore),
			zap.Float64("threshold", threshold),
			zap.String("scope", string(scope)))
		return Decision{Action: ActionHoldForReview, FinalText: finalText}
	default:
		g.logger.Info("Draft discarded below confidence floor",
			zap.Float64("confidence", draft.ConfidenceScore),
			zap.Float64("floor", g.cfg.MinimumFloor))
		return Decision{Action: ActionDiscard}
	}
}

// DecideReport is the unconditional auto-send path for template-driven
// check-in messages. The outbound filter still applies; confidence does not.
func (g *Gate) DecideReport(text string, modCfg *models.ModerationConfig) Decision {
	return Decision{Action: ActionAutoSend, FinalText: g.moderation.Filter(text, modCfg)}
}
