// Package scheduler keeps a registry of keyed recurring jobs and runs the
// ones that are due from a single loop. Time comes from an injectable clock,
// so tests drive the registry by advancing a mock clock and calling RunDue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/datarand/datarand-backend/pkg/logging"
)

// Func is the handler of a registered job.
type Func func(ctx context.Context) error

var (
	// ErrDone returned by a Func deregisters its job.
	ErrDone = errors.New("scheduler: job done")
	// ErrDuplicateKey is returned by Register when the key is taken.
	ErrDuplicateKey = errors.New("scheduler: key already registered")
)

type entry struct {
	key      string
	schedule cron.Schedule
	fn       Func
	next     time.Time
	running  bool
}

type Scheduler struct {
	clock      clock.Clock
	resolution time.Duration
	logger     logging.Logger

	mu      sync.Mutex
	entries map[string]*entry

	cancel context.CancelFunc
	loopWg sync.WaitGroup
	jobWg  sync.WaitGroup
}

// New creates a scheduler that checks for due jobs every resolution.
func New(clk clock.Clock, resolution time.Duration, logger logging.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if resolution <= 0 {
		resolution = time.Second
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Scheduler{
		clock:      clk,
		resolution: resolution,
		logger:     logger,
		entries:    make(map[string]*entry),
	}
}

// Every returns a fixed interval schedule.
func Every(interval time.Duration) cron.Schedule {
	return cron.Every(interval)
}

// ParseSchedule accepts a standard five field cron spec or a descriptor
// such as "@every 60s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// Register adds a job whose first run is schedule.Next(now).
func (s *Scheduler) Register(key string, schedule cron.Schedule, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	s.entries[key] = &entry{
		key:      key,
		schedule: schedule,
		fn:       fn,
		next:     schedule.Next(s.clock.Now()),
	}
	s.logger.Debug("Scheduled job registered", "key", key)
	return nil
}

// Deregister removes the job. It is safe to call from inside the job.
func (s *Scheduler) Deregister(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists {
		return false
	}
	delete(s.entries, key)
	s.logger.Debug("Scheduled job deregistered", "key", key)
	return true
}

func (s *Scheduler) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[key]
	return exists
}

// NextRun reports when key is next due.
func (s *Scheduler) NextRun(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[key]
	if !exists {
		return time.Time{}, false
	}
	return e.next, true
}

// Keys returns the registered keys in sorted order.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunDue runs every job that is due and not already running, waits for
// them, and returns how many ran. The next run is computed from the current
// time, so a late loop does not replay missed runs.
func (s *Scheduler) RunDue(ctx context.Context) int {
	var wg sync.WaitGroup
	n := s.dispatchDue(ctx, &wg)
	wg.Wait()
	return n
}

// dispatchDue starts each due job in its own goroutine tracked by wg. A slow
// job only delays its own next run.
func (s *Scheduler) dispatchDue(ctx context.Context, wg *sync.WaitGroup) int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.running || now.Before(e.next) {
			continue
		}
		e.running = true
		e.next = e.schedule.Next(now)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			s.run(ctx, e)
		}(e)
	}
	return len(due)
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = e.fn(ctx)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	e.running = false

	switch {
	case err == nil:
	case errors.Is(err, ErrDone):
		if current, ok := s.entries[e.key]; ok && current == e {
			delete(s.entries, e.key)
		}
		s.logger.Debug("Scheduled job finished", "key", e.key)
	default:
		s.logger.Error("Scheduled job failed", "key", e.key, "error", err)
	}
}

// Start runs the loop in a goroutine until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ticker := s.clock.Ticker(s.resolution)
	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		defer ticker.Stop()

		s.logger.Info("Scheduler started", "resolution", s.resolution.String())
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Scheduler stopped")
				return
			case <-ticker.C:
				s.dispatchDue(ctx, &s.jobWg)
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight jobs to return. Jobs see
// their context cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.loopWg.Wait()
	s.jobWg.Wait()
}
