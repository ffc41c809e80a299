package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/parley/internal/sessions"
)

// DefaultSweepSchedule runs the idle sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper periodically schedules archival for sessions that went idle, so
// the idle trigger fires even when no new request arrives.
type Sweeper struct {
	store     sessions.Store
	scheduler *Scheduler
	cron      *cron.Cron
	idle      time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper validates schedule and registers the sweep job. Start must be
// called to begin running it.
func NewSweeper(store sessions.Store, scheduler *Scheduler, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule: %w", err)
	}

	s := &Sweeper{
		store:     store,
		scheduler: scheduler,
		idle:      scheduler.archivist.Config().MaxIdle,
		logger:    logger,
		now:       time.Now,
	}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Warn("idle sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("register sweep: %w", err)
	}
	return s, nil
}

// Start runs the sweep on its schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule. The returned context is done once a running
// sweep has returned.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Sweep schedules archival for every session idle longer than the
// archivist's MaxIdle and reports how many jobs were started.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.idle <= 0 {
		return 0, nil
	}
	idle, err := s.store.List(ctx, sessions.ListOptions{IdleSince: s.now().Add(-s.idle)})
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	started := 0
	for _, state := range idle {
		if s.scheduler.Schedule(state) {
			started++
		}
	}
	if started > 0 {
		s.logger.Debug("idle sweep scheduled archival", "sessions", started)
	}
	return started, nil
}
