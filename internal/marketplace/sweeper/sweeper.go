// Package sweeper frees slots held by abandoned assignments and expires
// tasks whose deadline has passed.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/scheduler"
	"github.com/datarand/datarand-backend/pkg/types"
)

const (
	JobKey  = "sweeper:assignments"
	lockKey = "datarand:lock:sweeper"

	DefaultTTL      = 5 * time.Minute
	DefaultInterval = 60 * time.Second
)

type Lifecycle interface {
	AbandonStaleAssignments(ctx context.Context, ttl time.Duration) ([]types.Assignment, error)
	ListOverdueTasks(ctx context.Context) ([]types.Task, error)
	ExpireTask(ctx context.Context, taskID string) (*types.Task, error)
}

// Locker keeps concurrent instances from sweeping on the same tick.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, func(context.Context) error, error)
}

type Config struct {
	// TTL is how long an assignment may stay active before it is abandoned.
	TTL      time.Duration
	Interval time.Duration
	// Schedule is an optional cron spec that replaces Interval.
	Schedule string
}

type Result struct {
	Abandoned int
	Expired   int
	Skipped   bool
}

type Sweeper struct {
	cfg       Config
	lifecycle Lifecycle
	locker    Locker
	logger    logging.Logger
}

// New builds a sweeper. locker may be nil for single instance deployments.
func New(cfg Config, lifecycle Lifecycle, locker Locker, logger logging.Logger) *Sweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sweeper{
		cfg:       cfg,
		lifecycle: lifecycle,
		locker:    locker,
		logger:    logger,
	}
}

// Register adds the sweep to sched.
func (s *Sweeper) Register(sched *scheduler.Scheduler) error {
	schedule := scheduler.Every(s.cfg.Interval)
	if s.cfg.Schedule != "" {
		parsed, err := scheduler.ParseSchedule(s.cfg.Schedule)
		if err != nil {
			return err
		}
		schedule = parsed
	}
	return sched.Register(JobKey, schedule, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
}

// Sweep runs one pass. Only a failure to read or update assignments is
// returned; failures on single tasks are logged.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var result Result

	if s.locker != nil {
		acquired, release, err := s.locker.TryLock(ctx, lockKey, uuid.NewString(), s.cfg.Interval/2)
		switch {
		case err != nil:
			s.logger.Warnf("Sweeper lock unavailable, sweeping anyway: %v", err)
		case !acquired:
			metrics.SweeperRunsTotal.WithLabelValues("skipped").Inc()
			s.logger.Debug("Another instance holds the sweeper lock")
			result.Skipped = true
			return result, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warnf("Failed to release sweeper lock: %v", err)
				}
			}()
		}
	}

	abandoned, err := s.lifecycle.AbandonStaleAssignments(ctx, s.cfg.TTL)
	if err != nil {
		metrics.SweeperRunsTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("failed to abandon stale assignments: %w", err)
	}
	result.Abandoned = len(abandoned)
	for _, a := range abandoned {
		s.logger.Infof("Assignment %s of worker %s on task %s abandoned", a.ID, a.WorkerID, a.TaskID)
	}

	overdue, err := s.lifecycle.ListOverdueTasks(ctx)
	if err != nil {
		s.logger.Errorf("Failed to list overdue tasks: %v", err)
	}
	for _, task := range overdue {
		if _, err := s.lifecycle.ExpireTask(ctx, task.ID); err != nil {
			if apperrors.KindOf(err) == apperrors.KindConflict {
				s.logger.Debugf("Task %s not expired: %v", task.ID, err)
				continue
			}
			s.logger.Errorf("Failed to expire task %s: %v", task.ID, err)
			continue
		}
		result.Expired++
	}

	metrics.SweeperRunsTotal.WithLabelValues("success").Inc()
	if result.Abandoned > 0 || result.Expired > 0 {
		s.logger.Info("Sweep finished", "abandoned", result.Abandoned, "expired", result.Expired)
	}
	return result, nil
}
