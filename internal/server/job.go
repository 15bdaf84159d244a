package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/clvecadd/internal/probe"
	"github.com/cwbudde/clvecadd/internal/vecadd"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)

// JobConfig is the request body of POST /api/v1/jobs.
type JobConfig struct {
	Count int `json:"count"`
	// Seed is optional; a missing seed is taken from the clock when the
	// job is created so the report can reproduce it.
	Seed           *int64 `json:"seed,omitempty"`
	KernelPath     string `json:"kernelPath,omitempty"`
	KernelName     string `json:"kernelName,omitempty"`
	BuildOptions   string `json:"buildOptions,omitempty"`
	Policy         string `json:"policy,omitempty"`
	LocalSize      int    `json:"localSize,omitempty"`
	Repeat         int    `json:"repeat,omitempty"`
	VerifyTransfer bool   `json:"verifyTransfer,omitempty"`
}

// normalize fills defaults and validates the request. Kernel paths stay
// relative; the server resolves them against its kernel directory.
func (c *JobConfig) normalize() error {
	if c.Count == 0 {
		c.Count = vecadd.DefaultCount
	}
	if c.Seed == nil {
		seed := vecadd.NewSeed()
		c.Seed = &seed
	}
	if c.Policy == "" {
		c.Policy = probe.DefaultPolicy.String()
	}
	p, err := probe.ParsePolicy(c.Policy)
	if err != nil {
		return err
	}
	c.Policy = p.String()

	cfg := c.VecAdd()
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.KernelPath = cfg.KernelPath
	c.KernelName = cfg.KernelName
	c.Repeat = cfg.Repeat
	return nil
}

// VecAdd converts the request to a runner configuration.
func (c JobConfig) VecAdd() vecadd.Config {
	cfg := vecadd.Config{
		KernelPath:     c.KernelPath,
		KernelName:     c.KernelName,
		BuildOptions:   c.BuildOptions,
		Count:          c.Count,
		LocalSize:      c.LocalSize,
		Repeat:         c.Repeat,
		VerifyTransfer: c.VerifyTransfer,
	}
	if c.Seed != nil {
		cfg.Seed = *c.Seed
	}
	return cfg
}

// Job is a vector-add run executed by the server.
type Job struct {
	ID             string     `json:"id"`
	State          JobState   `json:"state"`
	Config         JobConfig  `json:"config"`
	Platform       string     `json:"platform,omitempty"`
	Device         string     `json:"device,omitempty"`
	Dispatches     int        `json:"dispatches"`
	QueueLatencyNs int64      `json:"queueLatencyNs"`
	KernelNs       int64      `json:"kernelNs"`
	Mismatches     int        `json:"mismatches"`
	ValidationNs   int64      `json:"validationNs"`
	ReportID       string     `json:"reportId,omitempty"`
	Output         string     `json:"output,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Elapsed is the wall time the job has been running, or ran for.
func (j *Job) Elapsed() time.Duration {
	if j.StartTime == nil {
		return 0
	}
	if j.EndTime != nil {
		return j.EndTime.Sub(*j.StartTime)
	}
	return time.Since(*j.StartTime)
}

// JobManager manages the lifecycle of jobs. Getters hand out copies so
// callers never race with the worker updating a job.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	order       []string
	cancels     map[string]context.CancelFunc
	limit       int
	broadcaster *EventBroadcaster
}

// NewJobManager creates a JobManager retaining at most limit jobs; finished
// jobs are evicted oldest first. A limit <= 0 retains everything.
func NewJobManager(limit int) *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		limit:       limit,
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job with the given configuration. A non-nil
// cancel is registered together with the job, so Cancel can stop it as soon
// as its ID is known.
func (jm *JobManager) CreateJob(config JobConfig, cancel context.CancelFunc) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		CreatedAt: time.Now(),
	}

	jm.jobs[job.ID] = job
	jm.order = append(jm.order, job.ID)
	if cancel != nil {
		jm.cancels[job.ID] = cancel
	}
	jm.evictLocked()

	snapshot := *job
	return &snapshot
}

func (jm *JobManager) evictLocked() {
	if jm.limit <= 0 {
		return
	}
	for i := 0; len(jm.order) > jm.limit && i < len(jm.order); {
		id := jm.order[i]
		if !jm.jobs[id].State.Terminal() {
			i++
			continue
		}
		delete(jm.jobs, id)
		delete(jm.cancels, id)
		jm.order = append(jm.order[:i], jm.order[i+1:]...)
		jm.broadcaster.CleanupJob(id)
	}
}

// GetJob retrieves a copy of the job by ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

// ListJobs returns copies of all jobs in creation order
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.order))
	for _, id := range jm.order {
		snapshot := *jm.jobs[id]
		jobs = append(jobs, &snapshot)
	}
	return jobs
}

// UpdateJob atomically updates a job using the provided function and
// returns the updated copy.
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) (*Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	updateFn(job)
	snapshot := *job
	return &snapshot, nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	running := make([]*Job, 0)
	for _, id := range jm.order {
		if job := jm.jobs[id]; job.State == StateRunning {
			snapshot := *job
			running = append(running, &snapshot)
		}
	}
	return running
}

// Cancel stops a pending or running job. The worker marks it cancelled once
// it observes the cancellation.
func (jm *JobManager) Cancel(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, job.State)
	}
	if cancel, ok := jm.cancels[id]; ok {
		cancel()
	}
	return nil
}

// CancelAll stops every unfinished job.
func (jm *JobManager) CancelAll() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	for id, cancel := range jm.cancels {
		if !jm.jobs[id].State.Terminal() {
			cancel()
		}
	}
}

// release drops the cancel function of a finished job.
func (jm *JobManager) release(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if cancel, ok := jm.cancels[id]; ok {
		cancel()
		delete(jm.cancels, id)
	}
}
