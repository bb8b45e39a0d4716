package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// JobFunc is the unit of work run by the scheduler.
type JobFunc func(ctx context.Context) error

// Scheduler runs registered jobs in-process on their schedules.
// A job never overlaps with itself: a tick that finds the previous run still
// going is skipped.
type Scheduler struct {
	mu       sync.Mutex
	jobs     map[string]*job
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

type job struct {
	name     string
	schedule Schedule
	fn       JobFunc
	nextRun  time.Time
	running  bool
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:     make(map[string]*job),
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. The first run happens at schedule.Next(now).
func (s *Scheduler) Add(name string, schedule Schedule, fn JobFunc) error {
	if fn == nil || schedule == nil {
		panic("scheduler: schedule and job func are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRegistered, name)
	}
	s.jobs[name] = &job{
		name:     name,
		schedule: schedule,
		fn:       fn,
		nextRun:  schedule.Next(s.now()),
	}

	s.logger.Info("registered scheduled job",
		slog.String("job", name),
		slog.String("schedule", schedule.String()))
	return nil
}

// Start blocks, running due jobs until ctx is cancelled, then waits for
// in-flight runs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()
	if count == 0 {
		return ErrNoJobs
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every job that is due at the current time. Exported so tests
// and the HTTP trigger can drive the scheduler without a ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.running || j.nextRun.After(now) {
			continue
		}
		j.running = true
		j.nextRun = j.schedule.Next(now)
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			s.run(ctx, j)
		}(j)
	}
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if j.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	j.running = true
	s.mu.Unlock()

	return s.run(ctx, j)
}

// Wait blocks until every started run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, j *job) (err error) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job %s panicked: %v", j.name, r)
		}
		s.mu.Lock()
		j.running = false
		s.mu.Unlock()

		if err != nil {
			s.logger.ErrorContext(ctx, "scheduled job failed",
				slog.String("job", j.name), logger.Error(err))
			return
		}
		s.logger.InfoContext(ctx, "scheduled job finished",
			slog.String("job", j.name), logger.Duration(s.now().Sub(start)))
	}()

	return j.fn(ctx)
}
