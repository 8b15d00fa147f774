package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/nvrpanel/internal/audit"
)

var (
	// ErrStopped is returned when submitting to a stopped scheduler.
	ErrStopped = errors.New("scheduler stopped")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
)

// maxHistory bounds how many finished jobs are kept for listing.
const maxHistory = 100

// JobStatus is the state of a submitted job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Done reports whether the job has finished.
func (s JobStatus) Done() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is a point-in-time view of a submitted job.
type Job struct {
	ID        string     `json:"id"`
	Lane      string     `json:"lane"`
	Name      string     `json:"name"`
	Status    JobStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// JobFunc is the work of a job. ctx is cancelled by Cancel or Stop.
type JobFunc func(ctx context.Context) error

type job struct {
	Job
	fn     JobFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// Stats is a snapshot of scheduler load.
type Stats struct {
	ActiveWorkers int            `json:"active_workers"`
	GlobalMax     int            `json:"global_max"`
	Queued        int            `json:"queued"`
	LaneCounts    map[string]int `json:"lane_counts"`
}

// Scheduler dispatches queued jobs to workers while respecting the global
// and per-lane limits. Jobs within a lane start in submission order.
type Scheduler struct {
	pdr    *audit.PDRWriter
	config *Config
	logger *slog.Logger

	// Worker pool state
	mu            sync.Mutex
	activeWorkers int
	laneCounts    map[string]int
	queue         []*job
	jobs          map[string]*job
	history       []string
	stopped       bool

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
}

// New creates a new scheduler. pdr may be nil.
func New(pdr *audit.PDRWriter, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		pdr:        pdr,
		config:     cfg,
		logger:     logger.With("component", "scheduler"),
		laneCounts: make(map[string]int),
		jobs:       make(map[string]*job),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
	}
}

// Start begins the dispatch loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.dispatchLoop()
	sch.logger.Info("scheduler started", "global_max", sch.config.GlobalMax)
}

// Stop cancels every job and waits for workers and pollers to exit.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	sch.stopped = true
	queued := sch.queue
	sch.queue = nil
	sch.mu.Unlock()

	for _, j := range queued {
		sch.finish(j, JobCancelled, "scheduler stopped")
	}
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// Submit queues fn in lane and returns the queued job.
func (sch *Scheduler) Submit(lane, name string, fn JobFunc) (Job, error) {
	sch.mu.Lock()
	if sch.stopped {
		sch.mu.Unlock()
		return Job{}, ErrStopped
	}
	j := &job{
		Job: Job{
			ID:        uuid.New().String(),
			Lane:      lane,
			Name:      name,
			Status:    JobQueued,
			CreatedAt: time.Now().UTC(),
		},
		fn:   fn,
		done: make(chan struct{}),
	}
	sch.queue = append(sch.queue, j)
	sch.jobs[j.ID] = j
	sch.history = append(sch.history, j.ID)
	sch.trimHistory()
	snapshot := j.Job
	sch.mu.Unlock()

	sch.logger.Debug("job queued", "job_id", j.ID, "lane", lane, "name", name)
	sch.notify()
	return snapshot, nil
}

// Every runs fn every interval until Stop.
func (sch *Scheduler) Every(interval time.Duration, fn func(ctx context.Context)) {
	sch.wg.Add(1)
	go func() {
		defer sch.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sch.ctx.Done():
				return
			case <-ticker.C:
				fn(sch.ctx)
			}
		}
	}()
}

// Cancel cancels a queued or running job.
func (sch *Scheduler) Cancel(id string) error {
	sch.mu.Lock()
	j, ok := sch.jobs[id]
	if !ok {
		sch.mu.Unlock()
		return ErrJobNotFound
	}
	switch j.Status {
	case JobQueued:
		for i, q := range sch.queue {
			if q == j {
				sch.queue = append(sch.queue[:i], sch.queue[i+1:]...)
				break
			}
		}
		sch.mu.Unlock()
		sch.finish(j, JobCancelled, "cancelled before start")
		return nil
	case JobRunning:
		cancel := j.cancel
		sch.mu.Unlock()
		cancel()
		return nil
	default:
		sch.mu.Unlock()
		return nil
	}
}

// Get returns the job with id.
func (sch *Scheduler) Get(id string) (Job, error) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	j, ok := sch.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.Job, nil
}

// Wait blocks until the job finishes or ctx is done.
func (sch *Scheduler) Wait(ctx context.Context, id string) (Job, error) {
	sch.mu.Lock()
	j, ok := sch.jobs[id]
	sch.mu.Unlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	select {
	case <-j.done:
		return sch.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Jobs returns known jobs, newest first.
func (sch *Scheduler) Jobs() []Job {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	out := make([]Job, 0, len(sch.history))
	for i := len(sch.history) - 1; i >= 0; i-- {
		if j, ok := sch.jobs[sch.history[i]]; ok {
			out = append(out, j.Job)
		}
	}
	return out
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	laneCounts := make(map[string]int)
	for k, v := range sch.laneCounts {
		laneCounts[k] = v
	}

	return Stats{
		ActiveWorkers: sch.activeWorkers,
		GlobalMax:     sch.config.GlobalMax,
		Queued:        len(sch.queue),
		LaneCounts:    laneCounts,
	}
}

func (sch *Scheduler) notify() {
	select {
	case sch.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop starts queued jobs whenever capacity may have changed.
func (sch *Scheduler) dispatchLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-sch.wake:
			sch.dispatch()
		case <-ticker.C:
			sch.dispatch()
		}
	}
}

func (sch *Scheduler) dispatch() {
	sch.mu.Lock()
	var start []*job
	remaining := sch.queue[:0]
	for _, j := range sch.queue {
		if sch.stopped || sch.activeWorkers >= sch.config.GlobalMax || sch.laneCounts[j.Lane] >= sch.config.LaneLimit(j.Lane) {
			remaining = append(remaining, j)
			continue
		}
		ctx, cancel := context.WithCancel(sch.ctx)
		now := time.Now().UTC()
		j.cancel = cancel
		j.Status = JobRunning
		j.StartedAt = &now
		sch.activeWorkers++
		sch.laneCounts[j.Lane]++
		start = append(start, j)
		sch.wg.Add(1)
		go sch.runWorker(ctx, j)
	}
	sch.queue = remaining
	sch.mu.Unlock()

	for _, j := range start {
		// Emit PDR for dispatch
		sch.pdr.Record("job.dispatch", map[string]interface{}{
			"job_id": j.ID,
			"lane":   j.Lane,
			"name":   j.Name,
		}, "success", j.ID, fmt.Sprintf("Dispatched %s in lane %s", j.Name, j.Lane))
		sch.logger.Info("job dispatched", "job_id", j.ID, "lane", j.Lane, "name", j.Name)
	}
}

// runWorker executes a job and frees its slot.
func (sch *Scheduler) runWorker(ctx context.Context, j *job) {
	defer sch.wg.Done()
	defer j.cancel()

	err := j.fn(ctx)

	sch.mu.Lock()
	sch.activeWorkers--
	sch.laneCounts[j.Lane]--
	sch.mu.Unlock()

	switch {
	case err == nil:
		sch.finish(j, JobSucceeded, "")
	case ctx.Err() != nil:
		sch.finish(j, JobCancelled, err.Error())
	default:
		sch.finish(j, JobFailed, err.Error())
	}
	sch.notify()
}

func (sch *Scheduler) finish(j *job, status JobStatus, msg string) {
	sch.mu.Lock()
	now := time.Now().UTC()
	j.Status = status
	j.Error = msg
	j.EndedAt = &now
	sch.mu.Unlock()
	close(j.done)

	if status == JobFailed {
		sch.logger.Warn("job failed", "job_id", j.ID, "name", j.Name, "error", msg)
	} else {
		sch.logger.Info("job finished", "job_id", j.ID, "name", j.Name, "status", status)
	}
}

// trimHistory forgets the oldest finished jobs beyond maxHistory. Caller
// holds mu.
func (sch *Scheduler) trimHistory() {
	for len(sch.history) > maxHistory {
		id := sch.history[0]
		if j := sch.jobs[id]; j != nil && !j.Status.Done() {
			return
		}
		delete(sch.jobs, id)
		sch.history = sch.history[1:]
	}
}
