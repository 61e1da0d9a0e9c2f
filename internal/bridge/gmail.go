package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/coopco/msgbridge/internal/store"
)

func init() {
	Register(store.PlatformGmail, newGmailAdapter)
}

const gmailPollInterval = 60 * time.Second

type gmailConfig struct {
	CLIPath         string   `json:"cliPath"`
	Account         string   `json:"account"`
	EnabledServices []string `json:"enabledServices"` // gmail, calendar, drive, contacts
}

// GmailAdapter wraps a mail-suite CLI tool. The platform offers no push, so a
// fixed-interval poll re-queries messages newer than a watermark timestamp;
// the watermark advances on every poll attempt, including failed ones, so a
// broken window is never re-requested forever. The adapter also doubles as a
// tool surface: Execute runs arbitrary subcommands of the suite's services,
// gated by a per-instance allow-list.
type GmailAdapter struct {
	bridgeID string
	cfg      gmailConfig
	sink     InboundSink
	enabled  map[string]bool

	run       func(ctx context.Context, args ...string) ([]byte, error)
	watermark time.Time
	cancel    context.CancelFunc
	healthy   atomic.Bool
	mu        sync.Mutex
}

func newGmailAdapter(cfg *store.Bridge, _ SecretStore, sink InboundSink) (Adapter, error) {
	var gcfg gmailConfig
	if err := json.Unmarshal([]byte(cfg.Config), &gcfg); err != nil {
		return nil, fmt.Errorf("gmail: parsing config: %w", err)
	}
	if gcfg.CLIPath == "" {
		return nil, fmt.Errorf("gmail: config is missing cliPath")
	}
	if gcfg.Account == "" {
		return nil, fmt.Errorf("gmail: config is missing account")
	}
	enabled := make(map[string]bool, len(gcfg.EnabledServices))
	for _, s := range gcfg.EnabledServices {
		enabled[s] = true
	}

	a := &GmailAdapter{
		bridgeID: cfg.ID,
		cfg:      gcfg,
		sink:     sink,
		enabled:  enabled,
	}
	a.run = func(ctx context.Context, args ...string) ([]byte, error) {
		base := append([]string{"--account", gcfg.Account}, args...)
		return exec.CommandContext(ctx, gcfg.CLIPath, base...).Output()
	}
	return a, nil
}

func (a *GmailAdapter) Start(ctx context.Context) error {
	// A cheap authenticated call verifies the CLI is present and signed in
	// before the poller starts.
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := a.run(probeCtx, "profile"); err != nil {
		return fmt.Errorf("gmail: CLI %q not usable for account %s: %w", a.cfg.CLIPath, a.cfg.Account, err)
	}

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	a.cancel = cancelPoll
	a.watermark = time.Now().UTC()
	a.healthy.Store(true)

	go func() {
		ticker := time.NewTicker(gmailPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				a.poll(pollCtx)
			}
		}
	}()

	slog.Info("gmail: polling started", "bridge", a.bridgeID, "account", a.cfg.Account)
	return nil
}

func (a *GmailAdapter) Stop() error {
	a.healthy.Store(false)
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *GmailAdapter) Healthy() bool { return a.healthy.Load() }

// poll fetches messages newer than the watermark. The watermark moves forward
// before the query result is known.
func (a *GmailAdapter) poll(ctx context.Context) {
	a.mu.Lock()
	since := a.watermark
	a.watermark = time.Now().UTC()
	a.mu.Unlock()

	queryCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	out, err := a.run(queryCtx, "messages", "list",
		"--after", since.Format(time.RFC3339), "--output", "json")
	if err != nil {
		slog.Error("gmail: poll failed", "bridge", a.bridgeID, "error", err)
		return
	}

	for _, msg := range gjson.ParseBytes(out).Array() {
		from := msg.Get("from").String()
		if from == "" {
			continue
		}
		var attachments []Attachment
		for _, att := range msg.Get("attachments").Array() {
			attachments = append(attachments, Attachment{
				Kind:     KindFromMime(att.Get("mimeType").String()),
				Filename: att.Get("filename").String(),
				MimeType: att.Get("mimeType").String(),
				Size:     att.Get("size").Int(),
			})
		}
		text := msg.Get("snippet").String()
		if subject := msg.Get("subject").String(); subject != "" {
			text = "Subject: " + subject + "\n" + text
		}
		a.sink(a.bridgeID, NormalizedMessage{
			Platform:          store.PlatformGmail,
			Sender:            from,
			SenderName:        msg.Get("fromName").String(),
			Text:              text,
			Attachments:       attachments,
			ChannelID:         msg.Get("threadId").String(),
			PlatformMessageID: msg.Get("id").String(),
			Raw:               []byte(msg.Raw),
		})
	}
}

func (a *GmailAdapter) Send(msg OutboundMessage) DeliveryResult {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	args := []string{"messages", "send", "--to", msg.Recipient, "--body", msg.Text, "--output", "json"}
	if msg.ReplyToID != "" {
		args = append(args, "--reply-to", msg.ReplyToID)
	}
	out, err := a.run(ctx, args...)
	if err != nil {
		return failed(fmt.Errorf("gmail: send: %w", err))
	}
	return delivered(gjson.GetBytes(out, "id").String())
}

// Execute runs one subcommand of the mail suite (calendar, drive, contacts,
// gmail itself). Services outside the per-instance allow-list are refused.
func (a *GmailAdapter) Execute(ctx context.Context, service string, args []string) (string, error) {
	if !a.enabled[service] {
		return "", fmt.Errorf("gmail: service %q is not enabled for this bridge", service)
	}
	out, err := a.run(ctx, append([]string{service}, args...)...)
	if err != nil {
		return "", fmt.Errorf("gmail: %s %s: %w", service, strings.Join(args, " "), err)
	}
	return string(out), nil
}
