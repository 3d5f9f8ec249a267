package manager

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

const defaultSweepSchedule = "@every 1m"

type sweeper struct {
	cron   *cron.Cron
	cancel context.CancelFunc
}

// Start schedules idle sweeps. It is a no-op when IdleTTL is zero.
func (m *Manager) Start() error {
	if m.opts.IdleTTL <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweeper != nil {
		return nil
	}

	schedule := m.opts.SweepSchedule
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(schedule, func() { m.Sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("manager: invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	m.sweeper = &sweeper{cron: c, cancel: cancel}
	m.logger.Info("idle sweeper started", "schedule", schedule, "ttl", m.opts.IdleTTL)
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.sweeper
	m.sweeper = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
}
