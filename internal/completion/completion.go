// Package completion abstracts the assistant's completion service behind one
// request/response contract. Backends differ in how they keep context across
// calls: the CLI backend resumes natively by session id, the API backends
// keep their own transcript per session id.
package completion

import (
	"context"
	"fmt"
	"time"
)

// Request is one completion call. SessionID, when set, resumes the prior
// context identified by it.
type Request struct {
	Prompt    string
	SessionID string
}

// Result is the outcome of a successful completion call. Failure is an
// error, never a partial Result.
type Result struct {
	Text         string
	SessionID    string // resume token for the next call
	CostUSD      float64
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	NumTurns     int
}

// Service turns a prompt into assistant text.
type Service interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend string // "cli", "openai" or "anthropic"
	CLIPath string
	Workdir string
	APIKey  string
	Model   string
}

// New creates the configured backend.
func New(cfg Config) (Service, error) {
	switch cfg.Backend {
	case "cli", "":
		return NewCLIService(cfg.CLIPath, cfg.Workdir), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("completion: openai backend requires an API key")
		}
		return NewOpenAIService(cfg.APIKey, cfg.Model), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("completion: anthropic backend requires an API key")
		}
		return NewAnthropicService(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("completion: unknown backend %q", cfg.Backend)
	}
}
