// Package poller watches compute jobs at the provider until they settle.
// Each pending job is a scheduler entry keyed compute:<jobId>.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datarand/datarand-backend/internal/marketplace/compute"
	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/scheduler"
	"github.com/datarand/datarand-backend/pkg/types"
)

const (
	keyPrefix       = "compute:"
	DefaultInterval = 30 * time.Second
)

type Lifecycle interface {
	FinishCompute(ctx context.Context, jobID string, status types.ComputeJobStatus, result json.RawMessage) (*types.ComputeJob, error)
	PendingComputeJobs(ctx context.Context) ([]types.ComputeJob, error)
}

type Poller struct {
	sched     *scheduler.Scheduler
	provider  compute.Provider
	lifecycle Lifecycle
	interval  time.Duration
	logger    logging.Logger
}

func New(sched *scheduler.Scheduler, provider compute.Provider, lifecycle Lifecycle, interval time.Duration, logger logging.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		sched:     sched,
		provider:  provider,
		lifecycle: lifecycle,
		interval:  interval,
		logger:    logger,
	}
}

func Key(jobID string) string {
	return keyPrefix + jobID
}

// Track starts polling job. Tracking a job twice is a no-op.
func (p *Poller) Track(job types.ComputeJob) error {
	err := p.sched.Register(Key(job.ID), scheduler.Every(p.interval), p.pollFunc(job.ID))
	if errors.Is(err, scheduler.ErrDuplicateKey) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.ComputeJobsTracked.Inc()
	p.logger.Infof("Polling compute job %s for task %s every %s", job.ID, job.TaskID, p.interval)
	return nil
}

// Rebuild tracks every job the store still has as pending.
func (p *Poller) Rebuild(ctx context.Context) (int, error) {
	jobs, err := p.lifecycle.PendingComputeJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending compute jobs: %w", err)
	}
	for _, job := range jobs {
		if err := p.Track(job); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

// Tracked lists the ids of jobs being polled.
func (p *Poller) Tracked() []string {
	var ids []string
	for _, key := range p.sched.Keys() {
		if id, ok := strings.CutPrefix(key, keyPrefix); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// pollFunc bounds each poll by the interval so a stuck provider call cannot
// outlive its own next run.
func (p *Poller) pollFunc(jobID string) scheduler.Func {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.interval)
		defer cancel()

		err := p.poll(ctx, jobID)
		if errors.Is(err, scheduler.ErrDone) {
			metrics.ComputeJobsTracked.Dec()
		}
		return err
	}
}

func (p *Poller) poll(ctx context.Context, jobID string) error {
	status, err := p.provider.JobStatus(ctx, jobID)
	if errors.Is(err, compute.ErrJobNotFound) {
		status = &compute.JobStatus{JobID: jobID, Status: compute.StatusFailed, Error: "job not found at provider"}
	} else if err != nil {
		metrics.ComputePollsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to poll compute job %s: %w", jobID, err)
	}

	var final types.ComputeJobStatus
	var result json.RawMessage
	switch status.Status {
	case compute.StatusCompleted:
		final, result = types.ComputeJobCompleted, status.Results
	case compute.StatusFailed:
		final, result = types.ComputeJobFailed, failureResult(status)
	default:
		metrics.ComputePollsTotal.WithLabelValues("pending").Inc()
		p.logger.Debugf("Compute job %s is %s", jobID, status.Status)
		return nil
	}

	if _, err := p.lifecycle.FinishCompute(ctx, jobID, final, result); err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindConflict, apperrors.KindNotFound:
			p.logger.Warnf("Compute job %s already settled or gone: %v", jobID, err)
			return scheduler.ErrDone
		}
		metrics.ComputePollsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to settle compute job %s: %w", jobID, err)
	}

	metrics.ComputePollsTotal.WithLabelValues(string(final)).Inc()
	p.logger.Infof("Compute job %s settled as %s", jobID, final)
	return scheduler.ErrDone
}

func failureResult(status *compute.JobStatus) json.RawMessage {
	if len(status.Results) > 0 {
		return status.Results
	}
	if status.Error == "" {
		return nil
	}
	raw, err := json.Marshal(map[string]string{"error": status.Error})
	if err != nil {
		return nil
	}
	return raw
}
