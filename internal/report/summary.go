package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// GPTRenderer produces the weekly summary artifact through the OpenAI chat
// completion API. The returned reference is the rendered summary body.
type GPTRenderer struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

func NewGPTRenderer(apiKey string, model string, maxTokens int, logger *zap.Logger) *GPTRenderer {
	return &GPTRenderer{
		client:    openai.NewClient(apiKey),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

func (r *GPTRenderer) RenderReport(ctx context.Context, rc RecipientContext) (string, error) {
	var history strings.Builder
	for _, msg := range rc.Recent {
		fmt.Fprintf(&history, "[%d] %s\n", msg.SenderID, msg.Text)
	}

	prompt := fmt.Sprintf(`Summarize this client's coaching week (%s) in 3-4 sentences.
Focus on progress, struggles, and one suggestion for next week.

Recent conversation:
%s`, rc.PeriodKey, history.String())

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are a fitness coach writing a short weekly check-in summary for a client.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		r.logger.Error("Report rendering call failed",
			zap.Error(err),
			zap.Int64("recipient_id", rc.RecipientID),
			zap.String("period", rc.PeriodKey))
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("report rendering returned no choices")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
