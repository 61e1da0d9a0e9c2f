package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coopco/msgbridge/internal/store"
)

func init() {
	Register(store.PlatformEmail, newEmailAdapter)
}

type emailConfig struct {
	IMAPServer     string `json:"imapServer"`
	SMTPServer     string `json:"smtpServer"`
	Username       string `json:"username"`
	PasswordSecret string `json:"passwordSecret"`
}

// EmailAdapter is the generic IMAP/SMTP bridge. The backend is not wired up
// yet: the configuration is validated so a misconfigured bridge still fails
// with the right message, and Start returns an actionable error before any
// resource is allocated.
type EmailAdapter struct {
	bridgeID string
	cfg      emailConfig
}

func newEmailAdapter(cfg *store.Bridge, _ SecretStore, _ InboundSink) (Adapter, error) {
	var ecfg emailConfig
	if err := json.Unmarshal([]byte(cfg.Config), &ecfg); err != nil {
		return nil, fmt.Errorf("email: parsing config: %w", err)
	}
	if ecfg.IMAPServer == "" || ecfg.SMTPServer == "" {
		return nil, fmt.Errorf("email: config requires imapServer and smtpServer")
	}
	if ecfg.Username == "" || ecfg.PasswordSecret == "" {
		return nil, fmt.Errorf("email: config requires username and passwordSecret")
	}
	return &EmailAdapter{bridgeID: cfg.ID, cfg: ecfg}, nil
}

func (a *EmailAdapter) Start(context.Context) error {
	return fmt.Errorf("email: generic IMAP/SMTP bridging is not yet supported; use the gmail platform or disable this bridge")
}

func (a *EmailAdapter) Stop() error { return nil }

func (a *EmailAdapter) Healthy() bool { return false }

func (a *EmailAdapter) Send(OutboundMessage) DeliveryResult {
	return failed(fmt.Errorf("email: bridge is not started"))
}
