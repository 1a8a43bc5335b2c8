package report

import (
	"context"

	"github.com/xaenox/coach-bot/internal/models"
)

// RecipientContext is the data bundle handed to the rendering collaborator
// for one weekly report.
type RecipientContext struct {
	RecipientID int64
	PeriodKey   string
	Recent      []*models.Message
}

// Renderer produces a report artifact reference. Rendering is asynchronous
// on the collaborator side and may fail; the caller bounds it with ctx.
type Renderer interface {
	RenderReport(ctx context.Context, rc RecipientContext) (string, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, rc RecipientContext) (string, error)

func (f RendererFunc) RenderReport(ctx context.Context, rc RecipientContext) (string, error) {
	return f(ctx, rc)
}
