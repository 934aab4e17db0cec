package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const clockLayout = "15:04"

// Job is one scheduled task. At lists the wall-clock times ("15:04", in the
// scheduler's zone) it fires at each day.
type Job struct {
	Name    string
	At      []string
	MinHold time.Duration
	MaxHold time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler fires jobs at fixed wall-clock times in a configured time zone.
// Every job runs under the Locker's lease; job errors and panics are logged
// and never stop the loop.
type Scheduler struct {
	locker *Locker
	zone   *time.Location
	jobs   []Job
	log    *slog.Logger
}

// NewScheduler creates a Scheduler firing in the given zone.
func NewScheduler(locker *Locker, zone *time.Location) *Scheduler {
	return &Scheduler{
		locker: locker,
		zone:   zone,
		log:    slog.Default().With("component", "scheduler"),
	}
}

// Add registers a job. It fails on an unparsable fire time.
func (s *Scheduler) Add(job Job) error {
	if len(job.At) == 0 {
		return fmt.Errorf("job %s has no fire times", job.Name)
	}
	for _, at := range job.At {
		if _, err := time.Parse(clockLayout, at); err != nil {
			return fmt.Errorf("job %s fire time %q: %w", job.Name, at, err)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Run blocks, firing jobs at their wall-clock times, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "zone", s.zone.String(), "jobs", len(s.jobs))

	for {
		next, due := s.nextFire(time.Now().In(s.zone))
		s.log.Debug("next fire", "at", next, "jobs", len(due))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		for _, job := range due {
			go s.runJob(ctx, job)
		}
	}
}

// nextFire returns the earliest upcoming fire time after now and the jobs
// firing then.
func (s *Scheduler) nextFire(now time.Time) (time.Time, []Job) {
	var next time.Time
	var due []Job

	for _, job := range s.jobs {
		for _, at := range job.At {
			clock, err := time.Parse(clockLayout, at)
			if err != nil {
				continue // rejected in Add
			}
			fire := time.Date(now.Year(), now.Month(), now.Day(),
				clock.Hour(), clock.Minute(), 0, 0, s.zone)
			if !fire.After(now) {
				fire = fire.AddDate(0, 0, 1)
			}

			switch {
			case next.IsZero() || fire.Before(next):
				next = fire
				due = []Job{job}
			case fire.Equal(next):
				due = append(due, job)
			}
		}
	}
	return next, due
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", job.Name, "panic", r)
		}
	}()

	start := time.Now()
	s.log.Info("job starting", "job", job.Name)
	if err := s.locker.TryRunExclusively(ctx, job.Name, job.MinHold, job.MaxHold, job.Run); err != nil {
		s.log.Error("job failed", "job", job.Name, "err", err,
			"elapsed", time.Since(start).Round(time.Millisecond))
		return
	}
	s.log.Info("job finished", "job", job.Name,
		"elapsed", time.Since(start).Round(time.Millisecond))
}
