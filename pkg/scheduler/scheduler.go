package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type Job func(ctx context.Context) error

// Scheduler runs a job once a day at the configured hour, local time.
type Scheduler struct {
	name string
	hour int
	job  Job
	now  func() time.Time
}

func NewDailyScheduler(name string, hour int, job Job) *Scheduler {
	if hour < 0 || hour > 23 {
		hour = 0
	}
	return &Scheduler{
		name: name,
		hour: hour,
		job:  job,
		now:  time.Now,
	}
}

// NextRun is the first time at s.hour strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) Start(ctx context.Context) {
	log := logrus.WithField("job", s.name)

	for {
		next := s.NextRun(s.now())
		log.WithField("next_run", next.Format(time.RFC3339)).Info("Scheduled job waiting")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Scheduler stopped")
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	log := logrus.WithField("job", s.name)

	if err := s.job(ctx); err != nil {
		log.WithError(err).Error("Scheduled job failed")
		return
	}
	log.WithField("duration", time.Since(start).String()).Info("Scheduled job completed")
}
