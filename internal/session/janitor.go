package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run sweeps the table every sweep interval until ctx is canceled. It blocks,
// so callers start it on its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Session janitor started.", zap.Duration("interval", interval), zap.Duration("max_age", m.cfg.MaxAge))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Session janitor stopped.")
			return
		case <-ticker.C:
			if removed := m.Cleanup(ctx); removed > 0 {
				m.logger.Info("Janitor sweep complete.", zap.Int("removed", removed), zap.Int("remaining", m.Count()))
			}
		}
	}
}
