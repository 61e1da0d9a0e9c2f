package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coopco/msgbridge/internal/store"
)

// ConfigStore is the slice of the record store the lifecycle manager needs.
type ConfigStore interface {
	ListBridges(enabledOnly bool) ([]*store.Bridge, error)
	SetBridgeHealth(id, status, message string) error
	AddBridgeSecretKey(id, key string) error
}

// Manager owns the in-memory registry of running adapters. The registry is a
// process-local cache, not a source of truth: it is empty after restart and
// StartEnabled re-derives it from the stored enabled configs.
type Manager struct {
	adapters map[string]Adapter
	configs  ConfigStore
	secrets  SecretStore
	sink     InboundSink
	mu       sync.Mutex
}

// NewManager creates a Manager. sink receives every normalized inbound
// message from every adapter the manager starts.
func NewManager(configs ConfigStore, secrets SecretStore, sink InboundSink) *Manager {
	return &Manager{
		adapters: make(map[string]Adapter),
		configs:  configs,
		secrets:  secrets,
		sink:     sink,
	}
}

// StartBridge turns a stored configuration into a running adapter. An unknown
// platform is a logged warning, not an error. A factory or Start failure is
// persisted as health=error and nothing is registered, so retrying is safe.
// Starting an already-running bridge id replaces the old adapter cleanly.
func (m *Manager) StartBridge(ctx context.Context, cfg *store.Bridge) error {
	factory, ok := GetFactory(cfg.Platform)
	if !ok {
		slog.Warn("no adapter registered for platform", "platform", cfg.Platform, "bridge", cfg.ID)
		return nil
	}

	m.mu.Lock()
	if old, running := m.adapters[cfg.ID]; running {
		delete(m.adapters, cfg.ID)
		m.mu.Unlock()
		if err := old.Stop(); err != nil {
			slog.Error("failed to stop previous adapter", "bridge", cfg.ID, "error", err)
		}
	} else {
		m.mu.Unlock()
	}

	adapter, err := factory(cfg, m.secrets, m.sink)
	if err != nil {
		m.setHealth(cfg.ID, store.HealthError, err.Error())
		return fmt.Errorf("creating %s adapter for bridge %q: %w", cfg.Platform, cfg.ID, err)
	}
	if err := adapter.Start(ctx); err != nil {
		m.setHealth(cfg.ID, store.HealthError, err.Error())
		return fmt.Errorf("starting %s adapter for bridge %q: %w", cfg.Platform, cfg.ID, err)
	}

	if wh, ok := adapter.(WebhookHandler); ok && wh.WebhookSecret() != "" {
		if err := m.configs.AddBridgeSecretKey(cfg.ID, WebhookSecretKey(cfg.ID)); err != nil {
			slog.Error("failed to record webhook secret key", "bridge", cfg.ID, "error", err)
		}
	}

	m.mu.Lock()
	m.adapters[cfg.ID] = adapter
	m.mu.Unlock()
	m.setHealth(cfg.ID, store.HealthConnected, "")
	slog.Info("bridge started", "bridge", cfg.ID, "platform", cfg.Platform, "name", cfg.Name)
	return nil
}

// StopBridge stops and deregisters a running adapter. The adapter is removed
// from the registry even when Stop fails.
func (m *Manager) StopBridge(bridgeID string) error {
	m.mu.Lock()
	adapter, ok := m.adapters[bridgeID]
	if ok {
		delete(m.adapters, bridgeID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	err := adapter.Stop()
	if err != nil {
		slog.Error("failed to stop bridge", "bridge", bridgeID, "error", err)
	}
	m.setHealth(bridgeID, store.HealthDisconnected, "")
	return err
}

// Get returns the running adapter for a bridge id.
func (m *Manager) Get(bridgeID string) (Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[bridgeID]
	return a, ok
}

// Running returns the ids of all registered adapters.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	return ids
}

// StartEnabled starts every enabled stored bridge. Individual failures are
// already persisted as health state, so they only get logged here.
func (m *Manager) StartEnabled(ctx context.Context) error {
	bridges, err := m.configs.ListBridges(true)
	if err != nil {
		return fmt.Errorf("listing enabled bridges: %w", err)
	}
	for _, b := range bridges {
		if err := m.StartBridge(ctx, b); err != nil {
			slog.Error("failed to start bridge", "bridge", b.ID, "platform", b.Platform, "error", err)
		}
	}
	return nil
}

// StopAll stops every running adapter, used at process shutdown. It iterates
// a snapshot so one adapter's Stop cannot corrupt iteration over the others;
// individual failures do not abort the remaining stops.
func (m *Manager) StopAll() {
	m.mu.Lock()
	snapshot := make(map[string]Adapter, len(m.adapters))
	for id, a := range m.adapters {
		snapshot[id] = a
	}
	m.adapters = make(map[string]Adapter)
	m.mu.Unlock()

	for id, a := range snapshot {
		if err := a.Stop(); err != nil {
			slog.Error("failed to stop bridge during shutdown", "bridge", id, "error", err)
		}
		m.setHealth(id, store.HealthDisconnected, "")
	}
}

func (m *Manager) setHealth(bridgeID, status, message string) {
	if err := m.configs.SetBridgeHealth(bridgeID, status, message); err != nil {
		slog.Error("failed to update bridge health", "bridge", bridgeID, "error", err)
	}
}
