package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Platform tags for bridge configurations.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformIMessage = "imessage"
	PlatformGmail    = "gmail"
	PlatformEmail    = "email"
)

// Health status values for a bridge.
const (
	HealthConnected    = "connected"
	HealthDisconnected = "disconnected"
	HealthError        = "error"
)

// Bridge is one configured external channel.
type Bridge struct {
	ID              string
	Platform        string
	Name            string
	Enabled         bool
	Config          string // platform-specific JSON blob, owned by the adapter
	SecretKeys      []string
	HealthStatus    string
	HealthMessage   string
	HealthCheckedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Delivery status values for a bridge message.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusDelivered = "delivered"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// BridgeMessage is one persisted inbound or outbound message unit.
type BridgeMessage struct {
	ID                string
	BridgeID          string
	Direction         string
	Platform          string
	Sender            string
	SenderName        string
	Content           string
	Attachments       string // serialized JSON, empty when none
	PlatformMessageID string
	Status            string
	Error             string
	Attempts          int
	ConversationID    string
	CreatedAt         time.Time
}

// Conversation status values.
const (
	ConversationIdle      = "idle"
	ConversationStreaming = "streaming"
)

// Conversation is a dialogue; exactly one row carries the main flag and is
// shared by every bridge and the primary chat surface.
type Conversation struct {
	ID           string
	IsMain       bool
	SessionID    string
	Status       string
	TotalCostUSD float64
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConversationMessage is one append-only turn within a conversation.
type ConversationMessage struct {
	ID             string
	ConversationID string
	Role           string // "user" or "assistant"
	Content        string // serialized content blocks
	Source         string // platform tag that produced the turn
	CostUSD        float64
	DurationMS     int64
	CreatedAt      time.Time
}

// UsageRecord is one completion-service telemetry row.
type UsageRecord struct {
	ID           string
	SessionID    string
	Backend      string
	CostUSD      float64
	DurationMS   int64
	InputTokens  int
	OutputTokens int
	NumTurns     int
	CreatedAt    time.Time
}
