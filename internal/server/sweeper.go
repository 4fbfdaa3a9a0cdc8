package server

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/muxlink/muxlink/internal/config"
	"github.com/muxlink/muxlink/internal/database"
)

// StartSweeper schedules the stale-session sweep on the given cron runner.
func StartSweeper(c *cron.Cron) error {
	idle := config.Duration(config.Cfg.SessionIdleTimeout, 30*time.Minute)
	_, err := c.AddFunc(config.Cfg.SessionSweepSchedule, func() {
		sweepStaleSessions(idle)
	})
	return err
}

// sweepStaleSessions marks active sessions idle past the timeout as stale.
// Clients that reattach flip them back to active.
func sweepStaleSessions(idle time.Duration) {
	n, err := database.MarkStaleSessions(time.Now().Add(-idle))
	if err != nil {
		log.Printf("session sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("session sweep: marked %d sessions stale", n)
	}
}
