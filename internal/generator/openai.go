package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/coach-bot/internal/models"
	"go.uber.org/zap"
)

type gptDraft struct {
	Reply      string  `json:"reply"`
	Confidence float64 `json:"confidence"`
}

// GPTGenerator drafts coach replies through the OpenAI chat completion API.
type GPTGenerator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewGPTGenerator(apiKey string, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTGenerator {
	return &GPTGenerator{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

func (g *GPTGenerator) GenerateReply(ctx context.Context, conv ConversationContext) (models.DraftReply, error) {
	var history strings.Builder
	for _, msg := range conv.Recent {
		role := "client"
		if msg.IsAutomated {
			role = "coach"
		}
		fmt.Fprintf(&history, "%s: %s\n", role, msg.Text)
	}

	prompt := fmt.Sprintf(`You are a fitness coach replying in a %s chat. Draft a short,
supportive reply to the client's latest message and rate how confident you
are that the reply can be sent without human review.

Return the response as a JSON object with this structure:
{
    "reply": "the_reply_text",
    "confidence": 0.0
}

"confidence" is a number from 0 to 10.

Conversation so far:
%s
Latest message: %s`, conv.Scope, history.String(), conv.InboundText)

	resp, err := g.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   g.maxTokens,
			Temperature: float32(g.temperature),
		},
	)
	if err != nil {
		return models.DraftReply{}, fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.DraftReply{}, ErrEmptyDraft
	}

	var draft gptDraft
	response := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(response), &draft); err != nil {
		g.logger.Error("Failed to parse completion response",
			zap.Error(err),
			zap.String("response", response))
		return models.DraftReply{}, fmt.Errorf("error parsing completion response: %w", err)
	}
	if strings.TrimSpace(draft.Reply) == "" {
		return models.DraftReply{}, ErrEmptyDraft
	}

	return models.DraftReply{
		Text:            draft.Reply,
		ConfidenceScore: draft.Confidence,
	}, nil
}
