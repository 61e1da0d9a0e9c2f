package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tidwall/gjson"

	"github.com/coopco/msgbridge/internal/store"
)

func init() {
	Register(store.PlatformTelegram, newTelegramAdapter)
}

type telegramConfig struct {
	TokenSecret string `json:"tokenSecret"` // secret-store key holding the bot token
	PublicURL   string `json:"publicUrl"`   // externally reachable base URL for webhooks
}

// TelegramAdapter receives updates pushed by Telegram to a registered webhook
// URL and sends replies over the bot REST API. The webhook is registered with
// a generated secret token on Start and deregistered on Stop; the boundary
// route checks the secret header before HandleWebhook sees a payload.
type TelegramAdapter struct {
	bridgeID string
	cfg      telegramConfig
	secrets  SecretStore
	sink     InboundSink
	bot      *tgbotapi.BotAPI
	secret   string
	healthy  atomic.Bool
}

func newTelegramAdapter(cfg *store.Bridge, secrets SecretStore, sink InboundSink) (Adapter, error) {
	var tcfg telegramConfig
	if err := json.Unmarshal([]byte(cfg.Config), &tcfg); err != nil {
		return nil, fmt.Errorf("telegram: parsing config: %w", err)
	}
	if tcfg.TokenSecret == "" {
		return nil, fmt.Errorf("telegram: config is missing tokenSecret")
	}
	if tcfg.PublicURL == "" {
		return nil, fmt.Errorf("telegram: config is missing publicUrl")
	}
	return &TelegramAdapter{
		bridgeID: cfg.ID,
		cfg:      tcfg,
		secrets:  secrets,
		sink:     sink,
	}, nil
}

func (a *TelegramAdapter) Start(ctx context.Context) error {
	token, err := a.secrets.GetSecret(a.cfg.TokenSecret)
	if err != nil {
		return fmt.Errorf("telegram: bot token secret %q: %w", a.cfg.TokenSecret, err)
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("telegram: invalid bot token: %w", err)
	}
	a.bot = bot

	secret, err := a.secrets.GetSecret(WebhookSecretKey(a.bridgeID))
	if err == store.ErrNotFound {
		secret = randomSecret()
		if err := a.secrets.SetSecret(WebhookSecretKey(a.bridgeID), secret); err != nil {
			return fmt.Errorf("telegram: persisting webhook secret: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("telegram: reading webhook secret: %w", err)
	}
	a.secret = secret

	url := strings.TrimRight(a.cfg.PublicURL, "/") + "/webhook/telegram/" + a.bridgeID
	params := tgbotapi.Params{"url": url, "secret_token": secret}
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram: registering webhook: %w", err)
	}

	a.healthy.Store(true)
	slog.Info("telegram: webhook registered", "bridge", a.bridgeID, "bot", bot.Self.UserName)
	return nil
}

func (a *TelegramAdapter) Stop() error {
	a.healthy.Store(false)
	if a.bot == nil {
		return nil
	}
	if _, err := a.bot.MakeRequest("deleteWebhook", tgbotapi.Params{}); err != nil {
		return fmt.Errorf("telegram: deregistering webhook: %w", err)
	}
	return nil
}

func (a *TelegramAdapter) Healthy() bool { return a.healthy.Load() }

// WebhookSecret returns the secret Telegram echoes back in the
// X-Telegram-Bot-Api-Secret-Token header.
func (a *TelegramAdapter) WebhookSecret() string { return a.secret }

// HandleWebhook parses one pushed update and hands the normalized message to
// the sink. Unparseable payloads are dropped with a log line.
func (a *TelegramAdapter) HandleWebhook(raw []byte) {
	msg := gjson.GetBytes(raw, "message")
	if !msg.Exists() {
		msg = gjson.GetBytes(raw, "edited_message")
	}
	if !msg.Exists() {
		slog.Debug("telegram: update without message, dropping", "bridge", a.bridgeID)
		return
	}

	text := msg.Get("text").String()
	if text == "" {
		text = msg.Get("caption").String()
	}
	attachments := a.extractAttachments(msg)
	if text == "" && len(attachments) == 0 {
		return
	}

	name := msg.Get("from.username").String()
	if name == "" {
		name = strings.TrimSpace(msg.Get("from.first_name").String() + " " + msg.Get("from.last_name").String())
	}

	a.sink(a.bridgeID, NormalizedMessage{
		Platform:          store.PlatformTelegram,
		Sender:            msg.Get("from.id").String(),
		SenderName:        name,
		Text:              text,
		Attachments:       attachments,
		ReplyToID:         msg.Get("reply_to_message.message_id").String(),
		ChannelID:         msg.Get("chat.id").String(),
		PlatformMessageID: msg.Get("message_id").String(),
		Raw:               raw,
	})
}

func (a *TelegramAdapter) extractAttachments(msg gjson.Result) []Attachment {
	var out []Attachment

	if photos := msg.Get("photo").Array(); len(photos) > 0 {
		// Telegram sends every thumbnail size; the last entry is the original.
		p := photos[len(photos)-1]
		out = append(out, Attachment{
			Kind: AttachmentImage,
			URL:  a.fileURL(p.Get("file_id").String()),
			Size: p.Get("file_size").Int(),
		})
	}
	if doc := msg.Get("document"); doc.Exists() {
		out = append(out, Attachment{
			Kind:     KindFromMime(doc.Get("mime_type").String()),
			URL:      a.fileURL(doc.Get("file_id").String()),
			Filename: doc.Get("file_name").String(),
			MimeType: doc.Get("mime_type").String(),
			Size:     doc.Get("file_size").Int(),
		})
	}
	if voice := msg.Get("voice"); voice.Exists() {
		out = append(out, Attachment{
			Kind:     AttachmentAudio,
			URL:      a.fileURL(voice.Get("file_id").String()),
			MimeType: voice.Get("mime_type").String(),
			Size:     voice.Get("file_size").Int(),
		})
	}
	if video := msg.Get("video"); video.Exists() {
		out = append(out, Attachment{
			Kind:     AttachmentVideo,
			URL:      a.fileURL(video.Get("file_id").String()),
			MimeType: video.Get("mime_type").String(),
			Size:     video.Get("file_size").Int(),
		})
	}
	return out
}

// fileURL resolves a Telegram file id to a download URL, falling back to the
// bare file id when the lookup fails.
func (a *TelegramAdapter) fileURL(fileID string) string {
	if fileID == "" {
		return ""
	}
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		slog.Debug("telegram: file url lookup failed", "bridge", a.bridgeID, "error", err)
		return fileID
	}
	return url
}

func (a *TelegramAdapter) Send(msg OutboundMessage) DeliveryResult {
	chatID, err := strconv.ParseInt(msg.Recipient, 10, 64)
	if err != nil {
		return failed(fmt.Errorf("telegram: invalid chat id %q: %w", msg.Recipient, err))
	}

	m := tgbotapi.NewMessage(chatID, msg.Text)
	if msg.ReplyToID != "" {
		if replyID, err := strconv.Atoi(msg.ReplyToID); err == nil {
			m.ReplyToMessageID = replyID
		}
	}
	sent, err := a.bot.Send(m)
	if err != nil {
		return failed(fmt.Errorf("telegram: send: %w", err))
	}

	for _, att := range msg.Attachments {
		if err := a.sendAttachment(chatID, att); err != nil {
			slog.Error("telegram: attachment send failed", "bridge", a.bridgeID, "error", err)
		}
	}
	return delivered(strconv.Itoa(sent.MessageID))
}

func (a *TelegramAdapter) sendAttachment(chatID int64, att Attachment) error {
	file := tgbotapi.FileURL(att.URL)
	var err error
	switch att.Kind {
	case AttachmentImage:
		_, err = a.bot.Send(tgbotapi.NewPhoto(chatID, file))
	case AttachmentAudio:
		_, err = a.bot.Send(tgbotapi.NewAudio(chatID, file))
	case AttachmentVideo:
		_, err = a.bot.Send(tgbotapi.NewVideo(chatID, file))
	default:
		_, err = a.bot.Send(tgbotapi.NewDocument(chatID, file))
	}
	return err
}

func randomSecret() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
