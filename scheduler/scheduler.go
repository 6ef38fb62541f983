package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KBT0207/tally-project-sub000/progress"
)

// Runner executes one sync for a company. The scheduler stores only the
// company name; the runner resolves it to live configuration at fire
// time, so jobs persisted by an older process stay valid.
type Runner func(ctx context.Context, companyName string) error

// Options tunes a Scheduler.
type Options struct {
	MisfireGrace time.Duration // default 5m
	Tick         time.Duration // default 1s, shortened in tests
}

// Scheduler fires persisted jobs. At most one run per company is in
// flight at any time; a fire that lands while the previous run is still
// going is skipped, not queued.
type Scheduler struct {
	store  Store
	runner Runner
	logger *zap.Logger
	bus    *progress.Bus

	grace time.Duration
	tick  time.Duration

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Store, runner Runner, bus *progress.Bus, logger *zap.Logger, opts Options) *Scheduler {
	if opts.MisfireGrace <= 0 {
		opts.MisfireGrace = 5 * time.Minute
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Scheduler{
		store:   store,
		runner:  runner,
		logger:  logger,
		bus:     bus,
		grace:   opts.MisfireGrace,
		tick:    opts.Tick,
		jobs:    make(map[string]Job),
		running: make(map[string]bool),
	}
}

// Start loads enabled jobs and begins firing. A job whose fire time
// passed while the process was down runs once immediately, regardless
// of how many fires were missed.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.LoadEnabled(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	for _, j := range jobs {
		if j.NextFireAt.IsZero() || !j.NextFireAt.After(now) {
			// Catch-up fire: mark due right now so the first tick
			// runs it once.
			j.NextFireAt = now
		}
		s.jobs[j.ID] = j
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx)

	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop halts the fire loop. In-flight syncs keep their context and are
// not waited for.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("scheduler stopped")
}

// AddJob validates, persists and schedules a job, replacing any
// existing job with the same id.
func (s *Scheduler) AddJob(ctx context.Context, j Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.NextFireAt.IsZero() {
		j.NextFireAt = j.nextAfter(time.Now())
	}
	if err := s.store.Save(ctx, j); err != nil {
		return err
	}
	s.mu.Lock()
	if j.Enabled {
		s.jobs[j.ID] = j
	} else {
		delete(s.jobs, j.ID)
	}
	s.mu.Unlock()

	s.bus.Publish(progress.Event{
		Type: progress.EventSchedulerUpdated, Company: j.CompanyName,
		Message: "job saved",
	})
	return nil
}

// RemoveJob deletes a job from the store and the live schedule.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	j, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()

	if ok {
		s.bus.Publish(progress.Event{
			Type: progress.EventSchedulerUpdated, Company: j.CompanyName,
			Message: "job removed",
		})
	}
	return nil
}

// Jobs returns a snapshot of the live schedule.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []Job
	for id, j := range s.jobs {
		if j.NextFireAt.After(now) {
			continue
		}
		next := j.nextAfter(now)

		switch {
		case s.running[j.CompanyName]:
			// Previous run still going: skip this fire entirely.
			s.logger.Warn("skipping fire, sync still running",
				zap.String("job", id))
		case now.Sub(j.NextFireAt) > s.grace:
			s.logger.Warn("misfire past grace period, skipping",
				zap.String("job", id),
				zap.Time("was_due", j.NextFireAt))
		default:
			due = append(due, j)
			s.running[j.CompanyName] = true
		}
		j.NextFireAt = next
		s.jobs[id] = j
	}
	s.mu.Unlock()

	for _, j := range due {
		j := j
		if err := s.store.MarkFired(ctx, j.ID, now, j.nextAfter(now)); err != nil {
			s.logger.Warn("failed to persist fire", zap.String("job", j.ID), zap.Error(err))
		}
		go func() {
			defer func() {
				s.mu.Lock()
				s.running[j.CompanyName] = false
				s.mu.Unlock()
			}()
			s.logger.Info("firing scheduled sync",
				zap.String("job", j.ID),
				zap.String("company", j.CompanyName))
			if err := s.runner(ctx, j.CompanyName); err != nil {
				s.logger.Error("scheduled sync failed",
					zap.String("job", j.ID), zap.Error(err))
			}
		}()
	}
}
