package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

var anthropicPrices = map[string][2]float64{
	"claude-sonnet-4-20250514":  {3.00, 15.00},
	"claude-haiku-3-5-20241022": {0.80, 4.00},
	"claude-opus-4-20250514":    {15.00, 75.00},
}

// AnthropicService is an API-backed completion service using the Messages API.
type AnthropicService struct {
	client   *anthropic.Client
	model    string
	sessions *transcripts
}

func NewAnthropicService(apiKey, model string) *AnthropicService {
	if model == "" {
		model = defaultAnthropicModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicService{
		client:   &client,
		model:    model,
		sessions: newTranscripts(),
	}
}

func (s *AnthropicService) Name() string { return "anthropic" }

func (s *AnthropicService) Complete(ctx context.Context, req Request) (*Result, error) {
	history, sessionID := s.sessions.resume(req.SessionID)

	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, t := range history {
		block := anthropic.NewTextBlock(t.content)
		if t.role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	start := time.Now()
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 4096,
		Messages:  messages,
	})
	if err != nil {
		return nil, fmt.Errorf("completion anthropic: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("completion anthropic: empty response")
	}
	s.sessions.record(sessionID, req.Prompt, text)

	inputTokens := int(resp.Usage.InputTokens)
	outputTokens := int(resp.Usage.OutputTokens)
	return &Result{
		Text:         text,
		SessionID:    sessionID,
		CostUSD:      anthropicCost(s.model, inputTokens, outputTokens),
		Duration:     time.Since(start),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		NumTurns:     len(history)/2 + 1,
	}, nil
}

func anthropicCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := anthropicPrices[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)*p[0]/1e6 + float64(outputTokens)*p[1]/1e6
}
