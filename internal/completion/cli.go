package completion

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// CLIService runs an agent CLI per completion call. The CLI owns session
// state on disk; passing --resume with a prior session id continues the
// conversation, and every run reports a session id for the next call.
type CLIService struct {
	path    string
	workdir string
	run     func(ctx context.Context, workdir string, args ...string) ([]byte, error)
}

// NewCLIService creates a CLI-backed completion service. path defaults to
// "claude" on PATH.
func NewCLIService(path, workdir string) *CLIService {
	if path == "" {
		path = "claude"
	}
	s := &CLIService{path: path, workdir: workdir}
	s.run = func(ctx context.Context, workdir string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, s.path, args...)
		cmd.Dir = workdir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.Bytes(), nil
	}
	return s
}

func (s *CLIService) Name() string { return "cli" }

func (s *CLIService) Complete(ctx context.Context, req Request) (*Result, error) {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	start := time.Now()
	out, err := s.run(ctx, s.workdir, args...)
	if err != nil {
		return nil, fmt.Errorf("completion cli: %w", err)
	}

	parsed := gjson.ParseBytes(out)
	if parsed.Get("is_error").Bool() {
		return nil, fmt.Errorf("completion cli: %s", parsed.Get("result").String())
	}
	text := parsed.Get("result").String()
	if text == "" {
		return nil, fmt.Errorf("completion cli: empty result")
	}

	duration := time.Duration(parsed.Get("duration_ms").Int()) * time.Millisecond
	if duration == 0 {
		duration = time.Since(start)
	}
	return &Result{
		Text:         text,
		SessionID:    parsed.Get("session_id").String(),
		CostUSD:      parsed.Get("total_cost_usd").Float(),
		Duration:     duration,
		InputTokens:  int(parsed.Get("usage.input_tokens").Int()),
		OutputTokens: int(parsed.Get("usage.output_tokens").Int()),
		NumTurns:     int(parsed.Get("num_turns").Int()),
	}, nil
}
