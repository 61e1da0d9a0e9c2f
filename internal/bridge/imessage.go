package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/coopco/msgbridge/internal/store"
)

func init() {
	Register(store.PlatformIMessage, newIMessageAdapter)
}

// iMessage delivery strategies.
const (
	IMessageLocal  = "local"  // long-lived local watcher process, darwin only
	IMessageRemote = "remote" // companion server on another machine, webhook push
)

type imessageConfig struct {
	Mode           string `json:"mode"` // local | remote
	CLIPath        string `json:"cliPath"`
	ServerURL      string `json:"serverUrl"`
	PasswordSecret string `json:"passwordSecret"`
	PublicURL      string `json:"publicUrl"`
}

// IMessageAdapter bridges the local SMS/iMessage channel. In local mode it
// spawns a watcher child process that streams newline-delimited JSON events
// on stdout and a one-shot process per send; in remote mode a companion
// server on another machine pushes events to a registered webhook and sends
// go out as REST calls.
type IMessageAdapter struct {
	bridgeID string
	cfg      imessageConfig
	secrets  SecretStore
	sink     InboundSink

	cmd      *exec.Cmd
	cancel   context.CancelFunc
	password string
	secret   string
	client   *http.Client
	healthy  atomic.Bool
}

func newIMessageAdapter(cfg *store.Bridge, secrets SecretStore, sink InboundSink) (Adapter, error) {
	var icfg imessageConfig
	if err := json.Unmarshal([]byte(cfg.Config), &icfg); err != nil {
		return nil, fmt.Errorf("imessage: parsing config: %w", err)
	}
	switch icfg.Mode {
	case IMessageLocal:
		if icfg.CLIPath == "" {
			icfg.CLIPath = "imsg"
		}
	case IMessageRemote:
		if icfg.ServerURL == "" {
			return nil, fmt.Errorf("imessage: remote mode requires serverUrl")
		}
		if icfg.PasswordSecret == "" {
			return nil, fmt.Errorf("imessage: remote mode requires passwordSecret")
		}
		if icfg.PublicURL == "" {
			return nil, fmt.Errorf("imessage: remote mode requires publicUrl")
		}
	default:
		return nil, fmt.Errorf("imessage: unknown mode %q (want local or remote)", icfg.Mode)
	}
	return &IMessageAdapter{
		bridgeID: cfg.ID,
		cfg:      icfg,
		secrets:  secrets,
		sink:     sink,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *IMessageAdapter) Start(ctx context.Context) error {
	if a.cfg.Mode == IMessageLocal {
		return a.startLocal(ctx)
	}
	return a.startRemote()
}

func (a *IMessageAdapter) startLocal(ctx context.Context) error {
	if runtime.GOOS != "darwin" {
		return fmt.Errorf("imessage: local mode requires macOS, running on %s", runtime.GOOS)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(watchCtx, a.cfg.CLIPath, "watch", "--output", "json")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("imessage: opening watcher stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("imessage: starting watcher %q: %w", a.cfg.CLIPath, err)
	}

	a.cmd = cmd
	a.cancel = cancel
	a.healthy.Store(true)

	go a.readEvents(stdout)
	go func() {
		err := cmd.Wait()
		a.healthy.Store(false)
		if err != nil && watchCtx.Err() == nil {
			slog.Error("imessage: watcher exited", "bridge", a.bridgeID, "error", err)
		}
	}()

	slog.Info("imessage: local watcher started", "bridge", a.bridgeID, "cli", a.cfg.CLIPath)
	return nil
}

// readEvents consumes newline-delimited JSON from the watcher. The scanner
// keeps any trailing partial line buffered until the next chunk arrives, so
// events split across reads are never lost. A malformed line is dropped; the
// watcher connection stays up.
func (a *IMessageAdapter) readEvents(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, ok := a.parseEvent(line)
		if !ok {
			slog.Warn("imessage: dropping malformed event line", "bridge", a.bridgeID)
			continue
		}
		a.sink(a.bridgeID, msg)
	}
	if err := scanner.Err(); err != nil {
		slog.Error("imessage: watcher stream error", "bridge", a.bridgeID, "error", err)
	}
}

func (a *IMessageAdapter) parseEvent(line []byte) (NormalizedMessage, bool) {
	if !gjson.ValidBytes(line) {
		return NormalizedMessage{}, false
	}
	ev := gjson.ParseBytes(line)
	if ev.Get("is_from_me").Bool() {
		return NormalizedMessage{}, false
	}
	sender := ev.Get("sender").String()
	text := ev.Get("text").String()
	if sender == "" || text == "" {
		return NormalizedMessage{}, false
	}

	var attachments []Attachment
	for _, att := range ev.Get("attachments").Array() {
		attachments = append(attachments, Attachment{
			Kind:     KindFromMime(att.Get("mime_type").String()),
			URL:      att.Get("path").String(),
			Filename: att.Get("filename").String(),
			MimeType: att.Get("mime_type").String(),
			Size:     att.Get("size").Int(),
		})
	}

	raw := make([]byte, len(line))
	copy(raw, line)
	return NormalizedMessage{
		Platform:          store.PlatformIMessage,
		Sender:            sender,
		SenderName:        ev.Get("sender_name").String(),
		Text:              text,
		Attachments:       attachments,
		ChannelID:         ev.Get("chat_id").String(),
		PlatformMessageID: ev.Get("guid").String(),
		Raw:               raw,
	}, true
}

func (a *IMessageAdapter) startRemote() error {
	password, err := a.secrets.GetSecret(a.cfg.PasswordSecret)
	if err != nil {
		return fmt.Errorf("imessage: password secret %q: %w", a.cfg.PasswordSecret, err)
	}
	a.password = password

	// The inbound pushes carry their own generated secret, distinct from the
	// password that authenticates this process to the companion server. It is
	// persisted on first successful start and reused afterwards.
	secret, err := a.secrets.GetSecret(WebhookSecretKey(a.bridgeID))
	if err == store.ErrNotFound {
		secret = randomSecret()
		if err := a.secrets.SetSecret(WebhookSecretKey(a.bridgeID), secret); err != nil {
			return fmt.Errorf("imessage: persisting webhook secret: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("imessage: reading webhook secret: %w", err)
	}
	a.secret = secret

	url := strings.TrimRight(a.cfg.PublicURL, "/") + "/webhook/imessage/" + a.bridgeID
	body, _ := json.Marshal(map[string]string{"webhook_url": url, "webhook_secret": secret})
	if err := a.serverPost("/webhooks/register", body); err != nil {
		return fmt.Errorf("imessage: registering webhook with companion server: %w", err)
	}

	a.healthy.Store(true)
	slog.Info("imessage: companion webhook registered", "bridge", a.bridgeID, "server", a.cfg.ServerURL)
	return nil
}

func (a *IMessageAdapter) Stop() error {
	a.healthy.Store(false)
	if a.cfg.Mode == IMessageLocal {
		if a.cancel != nil {
			a.cancel()
		}
		return nil
	}
	if a.password == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]string{})
	if err := a.serverPost("/webhooks/unregister", body); err != nil {
		return fmt.Errorf("imessage: deregistering webhook: %w", err)
	}
	return nil
}

func (a *IMessageAdapter) Healthy() bool { return a.healthy.Load() }

// WebhookSecret returns the generated per-instance secret the companion server
// echoes back in the X-Bridge-Password header on every push.
func (a *IMessageAdapter) WebhookSecret() string { return a.secret }

// HandleWebhook normalizes one event pushed by the companion server.
func (a *IMessageAdapter) HandleWebhook(raw []byte) {
	msg, ok := a.parseEvent(raw)
	if !ok {
		slog.Warn("imessage: dropping malformed webhook payload", "bridge", a.bridgeID)
		return
	}
	a.sink(a.bridgeID, msg)
}

func (a *IMessageAdapter) Send(msg OutboundMessage) DeliveryResult {
	recipient := compositeRecipient(msg.Recipient)
	if a.cfg.Mode == IMessageLocal {
		return a.sendLocal(recipient, msg.Text)
	}
	return a.sendRemote(recipient, msg.Text)
}

// sendLocal spawns a one-shot sender process per message.
func (a *IMessageAdapter) sendLocal(recipient, text string) DeliveryResult {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, a.cfg.CLIPath, "send", recipient, text)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return failed(fmt.Errorf("imessage: send: %w: %s", err, strings.TrimSpace(string(out))))
	}
	return delivered(gjson.GetBytes(out, "guid").String())
}

func (a *IMessageAdapter) sendRemote(recipient, text string) DeliveryResult {
	body, _ := json.Marshal(map[string]string{"recipient": recipient, "text": text})
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(a.cfg.ServerURL, "/")+"/send", bytes.NewReader(body))
	if err != nil {
		return failed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bridge-Password", a.password)

	resp, err := a.client.Do(req)
	if err != nil {
		return failed(fmt.Errorf("imessage: send: %w", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return failed(fmt.Errorf("imessage: send status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	return delivered(gjson.GetBytes(respBody, "guid").String())
}

func (a *IMessageAdapter) serverPost(path string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(a.cfg.ServerURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bridge-Password", a.password)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("companion server status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// compositeRecipient wraps a bare phone number or address into the platform's
// composite "service;-;handle" identifier. Already-composite ids pass through.
func compositeRecipient(recipient string) string {
	if strings.Contains(recipient, ";-;") {
		return recipient
	}
	return "iMessage;-;" + recipient
}
