// Package host provides the deferred-wake facility the sync trigger relies
// on: a background scheduler that waits for connectivity and retries a wake
// with exponential backoff until it succeeds.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/trigger"
)

// Config holds scheduler timing.
type Config struct {
	BackoffMin    time.Duration // first retry delay after a failed wake (default: 1s)
	BackoffMax    time.Duration // retry delay ceiling (default: 5m)
	ProbeInterval time.Duration // connectivity poll interval while offline (default: 5s)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		BackoffMin:    time.Second,
		BackoffMax:    5 * time.Minute,
		ProbeInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BackoffMin <= 0 {
		c.BackoffMin = d.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = max(d.BackoffMax, c.BackoffMin)
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	return c
}

// Scheduler runs registered wakes in the background. Tags are coalesced: one
// pending task per tag.
type Scheduler struct {
	conn   trigger.Connectivity
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
}

// NewScheduler creates a scheduler. Tasks stop when Close is called.
func NewScheduler(conn trigger.Connectivity, cfg Config, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		conn:   conn,
		cfg:    cfg.withDefaults(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

type task struct {
	tag    string
	cancel context.CancelFunc
	done   chan struct{}

	// Guarded by Scheduler.mu.
	wake  func(ctx context.Context) error
	rerun bool
}

// Cancel stops the task. A wake already running sees its context cancelled.
func (t *task) Cancel() {
	t.cancel()
}

// Done is closed when the task has finished or was cancelled.
func (t *task) Done() <-chan struct{} {
	return t.done
}

// Schedule implements trigger.Scheduler.
//
// Scheduling a tag whose task is still registered returns that task and
// marks it to run the latest wake once more after its current run succeeds,
// so a registration made while a wake is finishing is never lost.
func (s *Scheduler) Schedule(tag string, wake func(ctx context.Context) error) (trigger.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if t, ok := s.tasks[tag]; ok {
		t.wake = wake
		t.rerun = true
		return t, nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{tag: tag, cancel: cancel, done: make(chan struct{}), wake: wake}
	s.tasks[tag] = t

	s.wg.Add(1)
	go s.run(ctx, t)
	s.logger.Debug().Str("tag", tag).Msg("wake scheduled")
	return t, nil
}

// Pending reports whether a task is registered under tag.
func (s *Scheduler) Pending(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[tag]
	return ok
}

// Close cancels every task and waits for them to stop.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer close(t.done)
	defer s.release(t)

	backoff := s.cfg.BackoffMin
	for attempt := 1; ; attempt++ {
		if !s.waitOnline(ctx) {
			return
		}

		s.mu.Lock()
		wake := t.wake
		t.rerun = false
		s.mu.Unlock()

		err := wake(ctx)
		if err == nil {
			s.logger.Info().Str("tag", t.tag).Int("attempt", attempt).Msg("background sync complete")
			if s.finished(t) {
				return
			}
			s.logger.Debug().Str("tag", t.tag).Msg("wake registered again while running, rerunning")
			backoff = s.cfg.BackoffMin
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn().Err(err).
			Str("tag", t.tag).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("background sync failed")

		if !sleep(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}
}

// finished unregisters t after a successful wake unless it was scheduled
// again meanwhile. The check and the removal happen under one lock, so a
// concurrent Schedule either marks a rerun or creates a fresh task.
func (s *Scheduler) finished(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.rerun {
		return false
	}
	if s.tasks[t.tag] == t {
		delete(s.tasks, t.tag)
	}
	return true
}

func (s *Scheduler) release(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.tag] == t {
		delete(s.tasks, t.tag)
	}
}

// waitOnline polls connectivity until online. Returns false if ctx ends first.
func (s *Scheduler) waitOnline(ctx context.Context) bool {
	for {
		if s.conn.Online(ctx) {
			return true
		}
		if !sleep(ctx, s.cfg.ProbeInterval) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
