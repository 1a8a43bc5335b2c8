package generator

import (
	"context"
	"errors"

	"github.com/xaenox/coach-bot/internal/models"
)

var ErrEmptyDraft = errors.New("completion returned an empty draft")

// ConversationContext is the material handed to the completion collaborator
// for one reply: the inbound text plus a window of recent conversation.
type ConversationContext struct {
	Scope         models.Scope
	CounterpartID int64
	InboundText   string
	Recent        []*models.Message
}

// Generator produces a draft reply with a confidence score. Implementations
// may fail or time out; they make no retry guarantee of their own.
type Generator interface {
	GenerateReply(ctx context.Context, conv ConversationContext) (models.DraftReply, error)
}
