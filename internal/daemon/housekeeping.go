package daemon

import (
	"repoagent/pkg/session"

	cron "github.com/robfig/cron/v3"
)

// startHousekeeping schedules the recurring maintenance jobs: session
// gauge refresh plus a heartbeat line on the configured cadence, and
// daily pruning of rotated log files.
func (s *Server) startHousekeeping() {
	schedule := s.cfg.StatsSchedule
	if schedule == "" {
		schedule = "@every 30s"
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, s.recordStats); err != nil {
		s.logger.Warn().Err(err).Str("schedule", schedule).Msg("invalid stats schedule, heartbeat disabled")
	}
	if s.logFile != nil {
		if _, err := c.AddFunc("@daily", s.logFile.CleanupRotated); err != nil {
			s.logger.Warn().Err(err).Msg("log pruning job not scheduled")
		}
	}
	c.Start()
	s.scheduler = c
}

func (s *Server) recordStats() {
	s.manager.UpdateGauges()

	sessions := s.manager.List()
	active := 0
	for _, info := range sessions {
		if info.Status != session.StatusIdle {
			active++
		}
	}
	s.logger.Info().Int("sessions", len(sessions)).Int("active", active).Msg("daemon heartbeat")
}

func (s *Server) stopHousekeeping() {
	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
		s.scheduler = nil
	}
}
