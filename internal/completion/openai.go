package completion

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// Per-million-token prices used to estimate cost; unknown models report zero.
var openaiPrices = map[string][2]float64{
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4.1":     {2.00, 8.00},
}

// OpenAIService is an API-backed completion service using chat completions.
type OpenAIService struct {
	client   *openai.Client
	model    string
	sessions *transcripts
}

func NewOpenAIService(apiKey, model string) *OpenAIService {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIService{
		client:   openai.NewClient(apiKey),
		model:    model,
		sessions: newTranscripts(),
	}
}

func (s *OpenAIService) Name() string { return "openai" }

func (s *OpenAIService) Complete(ctx context.Context, req Request) (*Result, error) {
	history, sessionID := s.sessions.resume(req.SessionID)

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, t := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: t.role, Content: t.content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("completion openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion openai: no choices returned")
	}

	text := resp.Choices[0].Message.Content
	s.sessions.record(sessionID, req.Prompt, text)

	return &Result{
		Text:         text,
		SessionID:    sessionID,
		CostUSD:      openaiCost(s.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Duration:     time.Since(start),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		NumTurns:     len(history)/2 + 1,
	}, nil
}

func openaiCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := openaiPrices[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)*p[0]/1e6 + float64(outputTokens)*p[1]/1e6
}
