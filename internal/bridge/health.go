package bridge

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/coopco/msgbridge/internal/store"
)

// HealthProber periodically writes each running adapter's last-known
// connection state into the store. Healthy is a cheap snapshot, not a live
// probe, so the schedule can be tight without hammering any platform.
type HealthProber struct {
	manager *Manager
	cron    *cron.Cron
}

// NewHealthProber creates a prober for the manager's registry. schedule is a
// cron spec; empty means every minute.
func NewHealthProber(manager *Manager, schedule string) (*HealthProber, error) {
	if schedule == "" {
		schedule = "@every 1m"
	}
	p := &HealthProber{
		manager: manager,
		cron:    cron.New(),
	}
	if _, err := p.cron.AddFunc(schedule, p.probe); err != nil {
		return nil, err
	}
	return p, nil
}

// Start begins probing on the configured schedule.
func (p *HealthProber) Start() {
	p.cron.Start()
}

// Stop halts the schedule; a probe already in flight finishes.
func (p *HealthProber) Stop() {
	p.cron.Stop()
}

func (p *HealthProber) probe() {
	for _, id := range p.manager.Running() {
		adapter, ok := p.manager.Get(id)
		if !ok {
			continue
		}
		status := store.HealthConnected
		if !adapter.Healthy() {
			status = store.HealthDisconnected
		}
		p.manager.setHealth(id, status, "")
		slog.Debug("health probe", "bridge", id, "status", status)
	}
}
