// Package responder owns the assistant's single continuous conversation. It
// turns an inbound bridge message into a prompt, calls the completion
// service (resuming prior context when possible), persists both turns, and
// hands the reply back to the router for delivery.
package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/coopco/msgbridge/internal/bridge"
	"github.com/coopco/msgbridge/internal/completion"
	"github.com/coopco/msgbridge/internal/store"
)

// ResetCommand clears the conversation's resumable session when received as
// the entire message text.
const ResetCommand = "/new"

const (
	resetConfirmation = "Started a fresh conversation."
	apology           = "Sorry, I ran into a problem generating a response. Please try again."
)

// ConversationStore is the slice of the record store the responder needs.
type ConversationStore interface {
	MainConversation() (*store.Conversation, error)
	SetConversationStatus(id, status string) error
	FinishConversationTurn(id, sessionID string, addCost float64, addMessages int) error
	ResetConversationSession(id string) error
	AppendConversationMessage(m *store.ConversationMessage) error
	RecordUsage(u *store.UsageRecord) error
}

// OutboundSender delivers replies; the router implements it.
type OutboundSender interface {
	SendOutbound(msg bridge.OutboundMessage) bridge.DeliveryResult
}

type Responder struct {
	conversations ConversationStore
	completions   completion.Service
	sender        OutboundSender
	workspace     string // directory holding MEMORY.md, may be empty

	// Serializes the conversation's read-modify-write cycle so two rapid
	// inbound messages cannot interleave their metadata updates.
	mu sync.Mutex
}

func New(conversations ConversationStore, completions completion.Service, sender OutboundSender, workspace string) *Responder {
	return &Responder{
		conversations: conversations,
		completions:   completions,
		sender:        sender,
		workspace:     workspace,
	}
}

// Respond handles one inbound message end to end. Failures degrade to a
// delivered apology rather than silence; the conversation always returns to
// idle.
func (r *Responder) Respond(ctx context.Context, bridgeID string, msg bridge.NormalizedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.conversations.MainConversation()
	if err != nil {
		return fmt.Errorf("loading main conversation: %w", err)
	}

	if msg.Text == ResetCommand {
		if err := r.conversations.ResetConversationSession(conv.ID); err != nil {
			return fmt.Errorf("resetting session: %w", err)
		}
		r.reply(bridgeID, msg, resetConfirmation)
		return nil
	}

	if err := r.conversations.AppendConversationMessage(&store.ConversationMessage{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        textBlocks(msg.Text),
		Source:         msg.Platform,
	}); err != nil {
		return fmt.Errorf("persisting user turn: %w", err)
	}

	prompt := r.buildPrompt(msg)
	if err := r.conversations.SetConversationStatus(conv.ID, store.ConversationStreaming); err != nil {
		slog.Error("failed to mark conversation streaming", "conversation", conv.ID, "error", err)
	}

	result, err := r.complete(ctx, prompt, conv.SessionID)
	if err != nil {
		slog.Error("completion failed after retry", "bridge", bridgeID, "error", err)
		if err := r.conversations.AppendConversationMessage(&store.ConversationMessage{
			ConversationID: conv.ID,
			Role:           "assistant",
			Content:        textBlocks(apology),
			Source:         msg.Platform,
		}); err != nil {
			slog.Error("failed to persist apology turn", "conversation", conv.ID, "error", err)
		}
		if err := r.conversations.FinishConversationTurn(conv.ID, conv.SessionID, 0, 2); err != nil {
			slog.Error("failed to finish conversation turn", "conversation", conv.ID, "error", err)
		}
		r.reply(bridgeID, msg, apology)
		return nil
	}

	if err := r.conversations.AppendConversationMessage(&store.ConversationMessage{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        textBlocks(result.Text),
		Source:         msg.Platform,
		CostUSD:        result.CostUSD,
		DurationMS:     result.Duration.Milliseconds(),
	}); err != nil {
		slog.Error("failed to persist assistant turn", "conversation", conv.ID, "error", err)
	}
	if err := r.conversations.FinishConversationTurn(conv.ID, result.SessionID, result.CostUSD, 2); err != nil {
		slog.Error("failed to finish conversation turn", "conversation", conv.ID, "error", err)
	}
	if err := r.conversations.RecordUsage(&store.UsageRecord{
		SessionID:    result.SessionID,
		Backend:      r.completions.Name(),
		CostUSD:      result.CostUSD,
		DurationMS:   result.Duration.Milliseconds(),
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		NumTurns:     result.NumTurns,
	}); err != nil {
		slog.Error("failed to record usage", "error", err)
	}

	r.reply(bridgeID, msg, result.Text)
	return nil
}

// complete calls the completion service, retrying once without the resume
// session id when a resumed call fails. This is the subsystem's one retry.
func (r *Responder) complete(ctx context.Context, prompt, sessionID string) (*completion.Result, error) {
	result, err := r.completions.Complete(ctx, completion.Request{Prompt: prompt, SessionID: sessionID})
	if err != nil && sessionID != "" {
		slog.Warn("resumed completion failed, retrying without session", "error", err)
		result, err = r.completions.Complete(ctx, completion.Request{Prompt: prompt})
	}
	return result, err
}

// buildPrompt prepends long-term memory context (best-effort) and a framing
// instruction naming the source platform.
func (r *Responder) buildPrompt(msg bridge.NormalizedMessage) string {
	prompt := ""
	if memory := r.readMemory(); memory != "" {
		prompt += "Long-term memory:\n" + memory + "\n\n"
	}
	sender := msg.SenderName
	if sender == "" {
		sender = msg.Sender
	}
	prompt += fmt.Sprintf("The following message arrived from %s via %s. Reply concisely, in first person, as their personal assistant.\n\n", sender, msg.Platform)
	prompt += msg.Text
	return prompt
}

func (r *Responder) readMemory() string {
	if r.workspace == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(r.workspace, "MEMORY.md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// reply routes the response back through the channel the user used.
func (r *Responder) reply(bridgeID string, msg bridge.NormalizedMessage, text string) {
	recipient := msg.ChannelID
	if recipient == "" {
		recipient = msg.Sender
	}
	result := r.sender.SendOutbound(bridge.OutboundMessage{
		BridgeID:  bridgeID,
		Platform:  msg.Platform,
		Recipient: recipient,
		Text:      text,
		ReplyToID: msg.PlatformMessageID,
	})
	if !result.OK {
		slog.Error("failed to deliver reply", "bridge", bridgeID, "error", result.Err)
	}
}

func textBlocks(text string) string {
	blocks := []map[string]string{{"type": "text", "text": text}}
	data, _ := json.Marshal(blocks)
	return string(data)
}
