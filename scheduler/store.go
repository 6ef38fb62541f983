// Package scheduler runs recurring company syncs from a persistent job
// table. Jobs survive restarts; fires missed while the process was down
// are coalesced into a single catch-up run at startup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerDaily    TriggerKind = "daily"
)

// Job is one recurring sync. ID doubles as the company slug: there is
// exactly one job per company.
type Job struct {
	ID          string
	CompanyName string
	Trigger     TriggerKind
	Interval    time.Duration // interval trigger
	DailyTime   string        // daily trigger, "HH:MM"
	Timezone    string
	Enabled     bool
	NextFireAt  time.Time
	LastFireAt  time.Time
}

// Validate checks the trigger definition.
func (j Job) Validate() error {
	if j.ID == "" || j.CompanyName == "" {
		return fmt.Errorf("job id and company name are required")
	}
	switch j.Trigger {
	case TriggerInterval:
		if j.Interval < time.Minute {
			return fmt.Errorf("interval must be at least one minute, got %s", j.Interval)
		}
	case TriggerDaily:
		if _, err := time.Parse("15:04", j.DailyTime); err != nil {
			return fmt.Errorf("daily time %q is not HH:MM: %w", j.DailyTime, err)
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", j.Trigger)
	}
	return nil
}

func (j Job) location() *time.Location {
	if j.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// nextAfter computes the fire time following now. Scheduling from now
// rather than from the missed fire time is what coalesces a backlog of
// missed fires into one.
func (j Job) nextAfter(now time.Time) time.Time {
	switch j.Trigger {
	case TriggerDaily:
		loc := j.location()
		at, _ := time.Parse("15:04", j.DailyTime)
		local := now.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return now.Add(j.Interval)
	}
}

// Store persists jobs.
type Store interface {
	LoadEnabled(ctx context.Context) ([]Job, error)
	Save(ctx context.Context, j Job) error
	Delete(ctx context.Context, id string) error
	MarkFired(ctx context.Context, id string, firedAt, next time.Time) error
}

// PGStore keeps jobs in the scheduler_jobs table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) LoadEnabled(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_name, trigger_kind, interval_seconds, daily_time, timezone,
		       enabled, COALESCE(next_fire_at, 'epoch'::timestamptz), COALESCE(last_fire_at, 'epoch'::timestamptz)
		FROM scheduler_jobs WHERE enabled ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var seconds int
		var kind string
		if err := rows.Scan(&j.ID, &j.CompanyName, &kind, &seconds, &j.DailyTime,
			&j.Timezone, &j.Enabled, &j.NextFireAt, &j.LastFireAt); err != nil {
			return nil, err
		}
		j.Trigger = TriggerKind(kind)
		j.Interval = time.Duration(seconds) * time.Second
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PGStore) Save(ctx context.Context, j Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_jobs (id, company_name, trigger_kind, interval_seconds,
			daily_time, timezone, enabled, next_fire_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			company_name = EXCLUDED.company_name,
			trigger_kind = EXCLUDED.trigger_kind,
			interval_seconds = EXCLUDED.interval_seconds,
			daily_time = EXCLUDED.daily_time,
			timezone = EXCLUDED.timezone,
			enabled = EXCLUDED.enabled,
			next_fire_at = EXCLUDED.next_fire_at
	`, j.ID, j.CompanyName, string(j.Trigger), int(j.Interval/time.Second),
		j.DailyTime, j.Timezone, j.Enabled, j.NextFireAt)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM scheduler_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) MarkFired(ctx context.Context, id string, firedAt, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduler_jobs SET last_fire_at = $2, next_fire_at = $3 WHERE id = $1
	`, id, firedAt, next)
	if err != nil {
		return fmt.Errorf("failed to mark job %s fired: %w", id, err)
	}
	return nil
}

// MemStore is the in-memory Store used by tests.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]Job)}
}

func (s *MemStore) LoadEnabled(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *MemStore) Save(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemStore) MarkFired(ctx context.Context, id string, firedAt, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	j.LastFireAt = firedAt
	j.NextFireAt = next
	s.jobs[id] = j
	return nil
}

// Get returns a stored job, for test assertions.
func (s *MemStore) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}
