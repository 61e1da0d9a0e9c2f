package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/coopco/msgbridge/internal/store"
)

func init() {
	Register(store.PlatformDiscord, newDiscordAdapter)
}

// Listen modes for the discord adapter.
const (
	ListenDMs      = "dm"      // direct messages only
	ListenMentions = "mention" // messages that mention the bot
	ListenAll      = "all"     // everything in channels the bot can read
)

type discordConfig struct {
	TokenSecret string `json:"tokenSecret"`
	ListenMode  string `json:"listenMode"` // dm | mention | all, default mention
}

// DiscordAdapter holds a persistent gateway socket; inbound events arrive
// over the open connection and replies go out over the same client's REST API.
type DiscordAdapter struct {
	bridgeID string
	cfg      discordConfig
	secrets  SecretStore
	sink     InboundSink
	session  *discordgo.Session
	healthy  atomic.Bool
}

func newDiscordAdapter(cfg *store.Bridge, secrets SecretStore, sink InboundSink) (Adapter, error) {
	var dcfg discordConfig
	if err := json.Unmarshal([]byte(cfg.Config), &dcfg); err != nil {
		return nil, fmt.Errorf("discord: parsing config: %w", err)
	}
	if dcfg.TokenSecret == "" {
		return nil, fmt.Errorf("discord: config is missing tokenSecret")
	}
	switch dcfg.ListenMode {
	case "":
		dcfg.ListenMode = ListenMentions
	case ListenDMs, ListenMentions, ListenAll:
	default:
		return nil, fmt.Errorf("discord: unknown listen mode %q", dcfg.ListenMode)
	}
	return &DiscordAdapter{
		bridgeID: cfg.ID,
		cfg:      dcfg,
		secrets:  secrets,
		sink:     sink,
	}, nil
}

func (a *DiscordAdapter) Start(ctx context.Context) error {
	token, err := a.secrets.GetSecret(a.cfg.TokenSecret)
	if err != nil {
		return fmt.Errorf("discord: bot token secret %q: %w", a.cfg.TokenSecret, err)
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(a.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway socket: %w", err)
	}
	a.session = session
	a.healthy.Store(true)
	slog.Info("discord: gateway connected", "bridge", a.bridgeID, "mode", a.cfg.ListenMode)
	return nil
}

func (a *DiscordAdapter) Stop() error {
	a.healthy.Store(false)
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

func (a *DiscordAdapter) Healthy() bool { return a.healthy.Load() }

func (a *DiscordAdapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if !a.wantsMessage(s, m) {
		return
	}

	text := stripLeadingMention(m.Content, s.State.User.ID)
	attachments := make([]Attachment, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		attachments = append(attachments, Attachment{
			Kind:     KindFromMime(att.ContentType),
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}

	var replyTo string
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}

	raw, _ := json.Marshal(m.Message)
	a.sink(a.bridgeID, NormalizedMessage{
		Platform:          store.PlatformDiscord,
		Sender:            m.Author.ID,
		SenderName:        m.Author.Username,
		Text:              text,
		Attachments:       attachments,
		ReplyToID:         replyTo,
		ChannelID:         m.ChannelID,
		PlatformMessageID: m.ID,
		Raw:               raw,
	})
}

// wantsMessage applies the configured listen mode.
func (a *DiscordAdapter) wantsMessage(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	switch a.cfg.ListenMode {
	case ListenAll:
		return true
	case ListenDMs:
		return m.GuildID == ""
	case ListenMentions:
		if m.GuildID == "" {
			return true
		}
		for _, u := range m.Mentions {
			if u.ID == s.State.User.ID {
				return true
			}
		}
		return false
	}
	return false
}

// stripLeadingMention removes the bot's own mention token from the front of
// the text, so "@bot do the thing" normalizes to "do the thing".
func stripLeadingMention(text, selfID string) string {
	trimmed := strings.TrimSpace(text)
	for _, prefix := range []string{"<@" + selfID + ">", "<@!" + selfID + ">"} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
	}
	return trimmed
}

func (a *DiscordAdapter) Send(msg OutboundMessage) DeliveryResult {
	if a.session == nil {
		return failed(fmt.Errorf("discord: session not started"))
	}

	send := &discordgo.MessageSend{Content: msg.Text}
	if msg.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: msg.ReplyToID,
			ChannelID: msg.Recipient,
		}
	}
	sent, err := a.session.ChannelMessageSendComplex(msg.Recipient, send)
	if err != nil {
		return failed(fmt.Errorf("discord: send: %w", err))
	}
	return delivered(sent.ID)
}
