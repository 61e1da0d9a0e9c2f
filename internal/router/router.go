// Package router is the single funnel every bridge message passes through.
// It persists inbound and outbound traffic, tracks delivery status, fires
// notifications, and hands inbound messages off to the responder without
// blocking the caller.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coopco/msgbridge/internal/bridge"
	"github.com/coopco/msgbridge/internal/notify"
	"github.com/coopco/msgbridge/internal/store"
)

// MessageStore is the slice of the record store the router writes to.
type MessageStore interface {
	InsertMessage(m *store.BridgeMessage) error
	UpdateMessageStatus(id, status, platformMessageID, errText string) error
}

// ConversationStore resolves the conversation bridge traffic belongs to.
// Every bridge shares the single main conversation.
type ConversationStore interface {
	MainConversation() (*store.Conversation, error)
}

// AdapterRegistry resolves a bridge id to its live adapter.
type AdapterRegistry interface {
	Get(bridgeID string) (bridge.Adapter, bool)
}

// Responder consumes inbound messages after they are persisted. Invocation is
// fire-and-forget; a Responder failure never retroactively fails the inbound
// record.
type Responder interface {
	Respond(ctx context.Context, bridgeID string, msg bridge.NormalizedMessage) error
}

type Router struct {
	messages      MessageStore
	conversations ConversationStore
	adapters      AdapterRegistry
	notifier      notify.Notifier
	responder     Responder
}

func New(messages MessageStore, conversations ConversationStore, adapters AdapterRegistry, notifier notify.Notifier) *Router {
	return &Router{
		messages:      messages,
		conversations: conversations,
		adapters:      adapters,
		notifier:      notifier,
	}
}

// SetResponder wires the responder in after construction; the responder
// itself sends replies back through this router.
func (r *Router) SetResponder(responder Responder) {
	r.responder = responder
}

// HandleInbound persists a normalized inbound message and kicks off response
// generation in the background. The caller (a webhook route, a socket
// callback, a poll loop) gets control back as soon as the row is written.
func (r *Router) HandleInbound(ctx context.Context, bridgeID string, msg bridge.NormalizedMessage) error {
	row := &store.BridgeMessage{
		BridgeID:          bridgeID,
		Direction:         store.DirectionInbound,
		Platform:          msg.Platform,
		Sender:            msg.Sender,
		SenderName:        msg.SenderName,
		Content:           msg.Text,
		Attachments:       marshalAttachments(msg.Attachments),
		PlatformMessageID: msg.PlatformMessageID,
		Status:            store.StatusDelivered,
		ConversationID:    r.conversationID(),
	}
	if err := r.messages.InsertMessage(row); err != nil {
		return fmt.Errorf("persisting inbound message: %w", err)
	}

	r.notifier.Notify("bridge_message", "created", row.ID, msg.SenderName, map[string]any{
		"bridgeId":  bridgeID,
		"platform":  msg.Platform,
		"direction": store.DirectionInbound,
	})

	if r.responder != nil {
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("responder panicked", "bridge", bridgeID, "panic", rec)
				}
			}()
			if err := r.responder.Respond(ctx, bridgeID, msg); err != nil {
				slog.Error("responder failed", "bridge", bridgeID, "error", err)
			}
		}()
	}
	return nil
}

// SendOutbound persists the message, delivers it through the bridge's live
// adapter, and records the terminal status. The row always ends sent or
// failed, never pending: a missing adapter, a failure result and even a
// panicking adapter all land on failed.
func (r *Router) SendOutbound(msg bridge.OutboundMessage) bridge.DeliveryResult {
	row := &store.BridgeMessage{
		BridgeID:       msg.BridgeID,
		Direction:      store.DirectionOutbound,
		Platform:       msg.Platform,
		Content:        msg.Text,
		Attachments:    marshalAttachments(msg.Attachments),
		Status:         store.StatusPending,
		ConversationID: r.conversationID(),
	}
	if err := r.messages.InsertMessage(row); err != nil {
		slog.Error("failed to persist outbound message", "bridge", msg.BridgeID, "error", err)
		return bridge.DeliveryResult{Err: err.Error()}
	}

	adapter, ok := r.adapters.Get(msg.BridgeID)
	if !ok {
		result := bridge.DeliveryResult{Err: "no active adapter"}
		r.finish(row.ID, msg, result)
		return result
	}

	result := safeSend(adapter, msg)
	r.finish(row.ID, msg, result)
	return result
}

// safeSend calls adapter.Send and converts a panic into a failure result.
func safeSend(adapter bridge.Adapter, msg bridge.OutboundMessage) (result bridge.DeliveryResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = bridge.DeliveryResult{Err: fmt.Sprintf("adapter panic: %v", rec)}
		}
	}()
	return adapter.Send(msg)
}

func (r *Router) finish(rowID string, msg bridge.OutboundMessage, result bridge.DeliveryResult) {
	status := store.StatusSent
	if !result.OK {
		status = store.StatusFailed
	}
	if err := r.messages.UpdateMessageStatus(rowID, status, result.PlatformMessageID, result.Err); err != nil {
		slog.Error("failed to update message status", "message", rowID, "error", err)
	}
	r.notifier.Notify("bridge_message", "updated", rowID, "", map[string]any{
		"bridgeId": msg.BridgeID,
		"platform": msg.Platform,
		"status":   status,
	})
}

// conversationID links a bridge message row to the main conversation,
// best-effort: a lookup failure leaves the link empty, never fails the message.
func (r *Router) conversationID() string {
	if r.conversations == nil {
		return ""
	}
	conv, err := r.conversations.MainConversation()
	if err != nil {
		slog.Error("failed to resolve main conversation", "error", err)
		return ""
	}
	return conv.ID
}

func marshalAttachments(attachments []bridge.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		slog.Error("failed to marshal attachments", "error", err)
		return ""
	}
	return string(data)
}
