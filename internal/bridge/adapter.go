// Package bridge holds the platform adapter contract, the factory registry,
// and the lifecycle manager that turns stored bridge configurations into
// running adapters.
package bridge

import (
	"context"
	"strings"

	"github.com/coopco/msgbridge/internal/store"
)

// Adapter is the single contract every platform implements. Start owns the
// platform connection and must fail loudly (missing credential, bad token,
// unsupported OS) rather than degrade silently; once it returns nil the
// adapter accepts Send calls and is already emitting normalized inbound
// messages through its sink. Send never returns a Go error: all delivery
// failure is data in the DeliveryResult.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
	Send(msg OutboundMessage) DeliveryResult
	Healthy() bool
}

// SubcommandRunner is implemented by adapters that double as a tool surface
// (the gmail adapter exposes calendar/drive/contacts subcommands).
type SubcommandRunner interface {
	Execute(ctx context.Context, service string, args []string) (string, error)
}

// WebhookHandler is implemented by adapters that receive pushed payloads via
// the HTTP boundary. The boundary route authenticates the push before calling
// HandleWebhook; the adapter only parses and normalizes.
type WebhookHandler interface {
	HandleWebhook(raw []byte)
	WebhookSecret() string
}

// InboundSink receives every normalized inbound message an adapter produces.
// No adapter-specific type crosses this boundary.
type InboundSink func(bridgeID string, msg NormalizedMessage)

// Attachment kinds.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
	AttachmentAudio = "audio"
	AttachmentVideo = "video"
)

// Attachment is one normalized media item.
type Attachment struct {
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// KindFromMime maps a MIME type onto one of the four attachment kinds.
// Unknown types default to file.
func KindFromMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return AttachmentVideo
	default:
		return AttachmentFile
	}
}

// NormalizedMessage is the platform-agnostic shape of an inbound message.
type NormalizedMessage struct {
	Platform          string
	Sender            string
	SenderName        string
	Text              string
	Attachments       []Attachment
	ReplyToID         string
	ChannelID         string
	PlatformMessageID string
	Raw               []byte // original payload, kept for debugging only
}

// OutboundMessage is a reply headed back out through an adapter.
type OutboundMessage struct {
	BridgeID    string
	Platform    string
	Recipient   string // chat id, phone number, channel id or address, per platform
	Text        string
	Attachments []Attachment
	ReplyToID   string
}

// DeliveryResult is the outcome of a send attempt.
type DeliveryResult struct {
	OK                bool
	PlatformMessageID string
	Err               string
}

func delivered(id string) DeliveryResult {
	return DeliveryResult{OK: true, PlatformMessageID: id}
}

func failed(err error) DeliveryResult {
	return DeliveryResult{Err: err.Error()}
}

// SecretStore is the slice of the record store adapters use for credentials:
// reading configured tokens and persisting generated per-instance secrets.
type SecretStore interface {
	GetSecret(key string) (string, error)
	SetSecret(key, value string) error
}

// WebhookSecretKey names the secret under which a push-based adapter keeps its
// generated webhook signature secret.
func WebhookSecretKey(bridgeID string) string {
	return "bridge." + bridgeID + ".webhook_secret"
}

// Factory creates an adapter from a stored bridge configuration. The adapter
// unmarshals the config blob itself; secrets come from the secret store.
type Factory func(cfg *store.Bridge, secrets SecretStore, sink InboundSink) (Adapter, error)

var registry = map[string]Factory{}

// Register adds an adapter factory for a platform tag.
func Register(platform string, factory Factory) {
	registry[platform] = factory
}

// GetFactory returns the factory for a platform tag.
func GetFactory(platform string) (Factory, bool) {
	f, ok := registry[platform]
	return f, ok
}

// RegisteredPlatforms returns all platform tags with a registered factory.
func RegisteredPlatforms() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
