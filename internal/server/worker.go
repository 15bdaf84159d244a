package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/clvecadd/internal/cl"
	"github.com/cwbudde/clvecadd/internal/probe"
	"github.com/cwbudde/clvecadd/internal/store"
	"github.com/cwbudde/clvecadd/internal/vecadd"
)

// startJob registers a pending job and launches its worker goroutine.
func (s *Server) startJob(config JobConfig) *Job {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.jobTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.baseCtx, s.jobTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.baseCtx)
	}
	job := s.jobManager.CreateJob(config, cancel)
	id := job.ID

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Job worker panicked", "job_id", id, "panic", r)
				s.finishJob(id, fmt.Errorf("worker panic: %v", r))
			}
		}()
		if err := s.runJob(ctx, id); err != nil {
			s.logger.Debug("Job ended with error", "job_id", id, "error", err)
		}
	}()
	return job
}

// runJob executes a vector-add job. Jobs share one device, so the worker
// waits for the device slot before it touches the driver.
func (s *Server) runJob(ctx context.Context, jobID string) error {
	defer s.jobManager.release(jobID)

	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	logger := s.logger.With("job_id", jobID)

	select {
	case s.device <- struct{}{}:
	case <-ctx.Done():
		s.finishJob(jobID, ctx.Err())
		return ctx.Err()
	}
	defer func() { <-s.device }()

	now := time.Now()
	job, err := s.jobManager.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
		j.StartTime = &now
	})
	if err != nil {
		return err
	}
	s.jobManager.broadcaster.Broadcast(eventFor(job))
	logger.Info("Starting job", "count", job.Config.Count, "repeat", job.Config.Repeat, "policy", job.Config.Policy)

	policy, err := probe.ParsePolicy(job.Config.Policy)
	if err != nil {
		s.finishJob(jobID, err)
		return err
	}
	cfg := job.Config.VecAdd()
	if cfg.KernelPath, err = resolveKernelPath(s.kernelDir, cfg.KernelPath); err != nil {
		s.finishJob(jobID, err)
		return err
	}

	out := newCappedBuffer(maxOutputBytes)
	runner := &vecadd.Runner{
		Driver: s.driver,
		Policy: policy,
		Config: cfg,
		Out:    out,
		Logger: logger,
		OnSample: func(sample vecadd.Sample) {
			updated, err := s.jobManager.UpdateJob(jobID, func(j *Job) {
				j.Dispatches = sample.Iteration + 1
				j.QueueLatencyNs = sample.QueueLatency.Nanoseconds()
				j.KernelNs = sample.Kernel.Nanoseconds()
			})
			if err == nil {
				s.jobManager.broadcaster.Broadcast(eventFor(updated))
			}
		},
	}

	res, err := runner.Run(ctx)
	s.jobManager.UpdateJob(jobID, func(j *Job) {
		j.Output = out.String()
		if res != nil {
			j.Platform = res.Platform
			j.Device = res.Device.Name
		}
	})
	if err != nil {
		s.finishJob(jobID, err)
		return err
	}

	reportID := ""
	if s.store != nil {
		reportID, err = s.saveResult(jobID, res)
		if err != nil {
			// The run itself succeeded; keep its figures and surface the store error.
			logger.Error("Failed to save report", "error", err)
		}
	}

	ended := time.Now()
	job, _ = s.jobManager.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Mismatches = len(res.Mismatches)
		j.ValidationNs = res.Validation.Nanoseconds()
		j.ReportID = reportID
		j.EndTime = &ended
		if err != nil {
			j.Error = fmt.Sprintf("save report: %v", err)
		}
	})
	s.jobManager.broadcaster.Broadcast(eventFor(job))

	logger.Info("Job completed",
		"device", res.Device.Name,
		"mismatches", len(res.Mismatches),
		"kernel", res.Last().Kernel,
		"report_id", reportID,
	)
	return nil
}

// saveResult persists the report and its trace under the job ID.
func (s *Server) saveResult(jobID string, res *vecadd.Result) (string, error) {
	report := store.NewReport(jobID, "server", s.driver.Name(), res)
	if err := s.store.SaveReport(report); err != nil {
		return "", err
	}
	if err := s.store.SaveTrace(report.ID, store.NewTrace(res)); err != nil {
		return report.ID, fmt.Errorf("save trace: %w", err)
	}
	return report.ID, nil
}

// finishJob records a terminal failure or cancellation.
func (s *Server) finishJob(jobID string, err error) {
	state := StateFailed
	if errors.Is(err, context.Canceled) {
		state = StateCancelled
	}

	msg := err.Error()
	var be *cl.BuildError
	switch {
	case errors.As(err, &be):
		msg = "Error building: " + be.Log
	case errors.Is(err, context.DeadlineExceeded):
		msg = "job timed out"
	}

	ended := time.Now()
	job, uerr := s.jobManager.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.Error = msg
		j.EndTime = &ended
	})
	if uerr != nil {
		return
	}
	s.jobManager.broadcaster.Broadcast(eventFor(job))

	if state == StateCancelled {
		s.logger.Info("Job cancelled", "job_id", jobID)
	} else {
		s.logger.Error("Job failed", "job_id", jobID, "error", err)
	}
}
