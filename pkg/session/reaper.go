package session

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultReapInterval is how often the periodic sweep runs
const DefaultReapInterval = 5 * time.Minute

// Reaper periodically sweeps the manager for idle sessions. It backs up the
// per-session expiry watchers so sessions cannot outlive their idle window
// even if a watcher is lost.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	logger   zerolog.Logger
	cron     *cron.Cron
}

// NewReaper creates a reaper for the manager. interval <= 0 falls back to
// DefaultReapInterval.
func NewReaper(manager *Manager, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	return &Reaper{
		manager:  manager,
		interval: interval,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start begins the periodic sweep
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		reaped := r.manager.ReapIdle()
		if reaped > 0 {
			r.logger.Debug().Int("reaped", reaped).Msg("Reaper sweep complete")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	r.cron.Start()
	r.logger.Info().Dur("interval", r.interval).Msg("Session reaper started")

	return nil
}

// Stop halts the sweep and waits for a running sweep to finish
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Session reaper stopped")
}
