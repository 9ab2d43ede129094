package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pgprofiler/internal/config"
	"pgprofiler/internal/metrics"
)

// Task runs are bounded hard at taskTimeLimit. A run crossing softTimeLimit
// self-reports a timeout: its job is failed and whatever the run still
// produces is discarded, while the work keeps the hard limit to finish
// in-flight writes cleanly.
const (
	taskTimeLimit = 30 * time.Minute
	softTimeLimit = 25 * time.Minute
	queueDepth    = 128
)

// Publisher emits job lifecycle events; nil disables eventing.
type Publisher interface {
	Publish(subject string, payload any) error
}

type run struct {
	kind     TaskKind
	targetID *int64
	jobID    string
}

// Registry drives the periodic cadences through a bounded worker pool and
// tracks ad-hoc jobs submitted alongside them.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	queue     chan run
	workers   int
	tasks     *Tasks
	cadence   config.CadenceConfig
	bus       Publisher
	meter     *metrics.Metrics
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	now       func() time.Time
	hardLimit time.Duration
	softLimit time.Duration
}

func NewRegistry(tasks *Tasks, cadence config.CadenceConfig, workers int, bus Publisher, meter *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		jobs:      map[string]*Job{},
		queue:     make(chan run, queueDepth),
		workers:   workers,
		tasks:     tasks,
		cadence:   cadence,
		bus:       bus,
		meter:     meter,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		hardLimit: taskTimeLimit,
		softLimit: softTimeLimit,
	}
}

// Start launches the worker pool and one ticker per configured cadence.
// Cadences with a non-positive interval stay disabled.
func (r *Registry) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	for _, c := range []struct {
		kind    TaskKind
		seconds int
	}{
		{TaskCollectMetrics, r.cadence.CollectSeconds},
		{TaskCollectQueryStats, r.cadence.QueryStatsSeconds},
		{TaskAnalyze, r.cadence.AnalyzeSeconds},
		{TaskTrainLoad, r.cadence.TrainLoadSeconds},
		{TaskTrainAnomaly, r.cadence.TrainAnomalySeconds},
		{TaskTrainQueryTime, r.cadence.TrainQueryTimeSeconds},
		{TaskTrainAll, r.cadence.TrainAllSeconds},
		{TaskCleanup, r.cadence.CleanupSeconds},
		{TaskHealthCheck, r.cadence.HealthCheckSeconds},
	} {
		if c.seconds <= 0 {
			continue
		}
		r.wg.Add(1)
		go r.tickLoop(c.kind, time.Duration(c.seconds)*time.Second)
	}
	r.logger.Info("scheduler started", slog.Int("workers", r.workers))
}

func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) tickLoop(kind TaskKind, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case r.queue <- run{kind: kind}:
			default:
				r.logger.Warn("task queue full, skipping tick", slog.String("kind", string(kind)))
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for {
		select {
		case task := <-r.queue:
			r.execute(task)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) execute(task run) {
	if task.jobID != "" {
		var cancelled bool
		r.updateJob(task.jobID, func(j *Job) {
			if j.Status == StateCancelled {
				cancelled = true
				return
			}
			started := r.now().UTC()
			j.Status = StateRunning
			j.Progress = 10
			j.StartedAt = &started
		})
		if cancelled {
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.hardLimit)
	defer cancel()
	var timedOut atomic.Bool
	soft := time.AfterFunc(r.softLimit, func() {
		timedOut.Store(true)
		r.logger.Warn("task exceeded soft time limit", slog.String("kind", string(task.kind)))
		if task.jobID == "" {
			return
		}
		finished := r.now().UTC()
		r.updateJob(task.jobID, func(j *Job) {
			j.Status = StateFailed
			j.Error = "soft time limit exceeded"
			j.FinishedAt = &finished
		})
		r.publishJob(task.jobID)
	})
	defer soft.Stop()

	r.updateJob(task.jobID, func(j *Job) { j.Progress = 50 })

	started := r.now()
	result, err := r.tasks.Run(ctx, task.kind, task.targetID)
	elapsed := r.now().Sub(started)

	status := StateCompleted
	if err != nil {
		status = StateFailed
		r.logger.Error("task failed",
			slog.String("kind", string(task.kind)),
			slog.String("error", err.Error()))
	}
	if timedOut.Load() {
		// the job already self-reported the timeout; the late result is
		// discarded
		r.meter.ObserveTask(string(task.kind), StateFailed, elapsed)
		return
	}
	r.meter.ObserveTask(string(task.kind), status, elapsed)

	if task.jobID == "" {
		return
	}
	finished := r.now().UTC()
	r.updateJob(task.jobID, func(j *Job) {
		j.Status = status
		j.Progress = 80
		j.FinishedAt = &finished
		if err != nil {
			j.Error = err.Error()
			return
		}
		j.Progress = 100
		if payload, merr := json.Marshal(result); merr == nil {
			j.Result = payload
		}
	})
	r.publishJob(task.jobID)
}

func (r *Registry) publishJob(jobID string) {
	if r.bus == nil {
		return
	}
	if job, err := r.Job(jobID); err == nil {
		if perr := r.bus.Publish("job.completed", job); perr != nil {
			r.logger.Debug("job event publish failed", slog.String("error", perr.Error()))
		}
	}
}
