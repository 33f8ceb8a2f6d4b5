// Package scheduler runs the weekly research trigger and the daily
// heartbeat on cron, and reconciles in-flight runs at startup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/orchestrator"
	"github.com/newsletter-agent/pkg/logger"
)

// Runtime owns the cron instance driving scheduled work.
type Runtime struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	log   *logger.Logger
	cron  *cron.Cron
	runID cron.EntryID
}

func NewRuntime(cfg *config.Config, orch *orchestrator.Orchestrator, log *logger.Logger) *Runtime {
	return &Runtime{cfg: cfg, orch: orch, log: log.WithComponent("scheduler")}
}

// Start registers the cron jobs, resumes incomplete runs, and begins the
// schedule. The weekly research job fires in the newsletter timezone.
func (r *Runtime) Start(ctx context.Context) error {
	loc, err := time.LoadLocation(r.cfg.Newsletter.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", r.cfg.Newsletter.Timezone, err)
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cron.DiscardLogger)),
	)

	weeklySpec := fmt.Sprintf("0 %d * * %s", r.cfg.Scheduler.ResearchHour, cronDay(r.cfg.Scheduler.ResearchDay))
	r.runID, err = c.AddFunc(weeklySpec, func() {
		outcome := r.orch.TriggerRun(context.Background(), "scheduled", "scheduler")
		r.log.Info().
			Bool("accepted", outcome.Accepted).
			Str("reason", outcome.Reason).
			Str("run_id", outcome.RunID).
			Msg("weekly research run finished")
	})
	if err != nil {
		return fmt.Errorf("register weekly job: %w", err)
	}

	if r.cfg.Scheduler.HeartbeatEnabled {
		if _, err := c.AddFunc("@every 24h", func() {
			next := r.NextRunAt()
			r.orch.Heartbeat(context.Background(), next)
		}); err != nil {
			return fmt.Errorf("register heartbeat job: %w", err)
		}
	}

	// Resume in-flight send-stage runs before the schedule starts ticking.
	outcomes := r.orch.ResumeIncompleteRuns(ctx)
	for _, outcome := range outcomes {
		r.log.Info().
			Str("run_id", outcome.RunID).
			Str("reason", outcome.Reason).
			Bool("accepted", outcome.Accepted).
			Msg("resumed incomplete run")
	}

	c.Start()
	r.cron = c
	r.log.Info().Str("weekly_spec", weeklySpec).Str("timezone", r.cfg.Newsletter.Timezone).Msg("scheduler started")
	return nil
}

// Stop halts the schedule and waits for in-flight jobs to finish.
func (r *Runtime) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}

// NextRunAt returns the next weekly trigger time in UTC, or nil when the
// schedule is not running.
func (r *Runtime) NextRunAt() *time.Time {
	if r.cron == nil {
		return nil
	}
	entry := r.cron.Entry(r.runID)
	if entry.Next.IsZero() {
		return nil
	}
	next := entry.Next.UTC()
	return &next
}

// cronDay maps the configured weekday token to the cron field form.
func cronDay(day string) string {
	switch day {
	case "sun":
		return "0"
	case "mon":
		return "1"
	case "tue":
		return "2"
	case "wed":
		return "3"
	case "thu":
		return "4"
	case "fri":
		return "5"
	default:
		return "6"
	}
}
