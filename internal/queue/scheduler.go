package queue

import (
	"context"
	"fmt"
	"time"

	"pdf-vector-ingest/internal/logger"

	"github.com/go-co-op/gocron"
)

const scheduledIngestTag = "scheduled-ingest"

// Scheduler enqueues re-ingestion tasks on a cron schedule.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
	ctx       context.Context
}

// NewScheduler creates a scheduler whose jobs never overlap themselves.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	if s.cancel != nil {
		s.cancel()
	}
}

// ScheduleIngest calls enqueue with sources on every tick of cronExpr.
func (s *Scheduler) ScheduleIngest(
	cronExpr string,
	sources []string,
	enqueue func(ctx context.Context, sources []string) error,
) error {
	if len(sources) == 0 {
		return fmt.Errorf("scheduled ingestion needs at least one source")
	}
	_, err := s.scheduler.Cron(cronExpr).Tag(scheduledIngestTag).Do(func() {
		ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
		defer cancel()
		if err := enqueue(ctx, sources); err != nil {
			logger.Error("Scheduled ingestion failed to enqueue", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid ingest schedule %q: %w", cronExpr, err)
	}
	logger.Info("Scheduled ingestion", "cron", cronExpr, "sources", len(sources))
	return nil
}

// NextRun returns when the scheduled ingestion fires next.
func (s *Scheduler) NextRun() (time.Time, bool) {
	for _, job := range s.scheduler.Jobs() {
		for _, tag := range job.Tags() {
			if tag == scheduledIngestTag {
				return job.NextRun(), true
			}
		}
	}
	return time.Time{}, false
}
