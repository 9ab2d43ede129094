package scheduler

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrJobNotFound = errors.New("job not found")

// Job states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Job tracks one ad-hoc task submitted through the API. Periodic runs do not
// create jobs.
type Job struct {
	ID         string          `json:"id"`
	Kind       TaskKind        `json:"kind"`
	TargetID   *int64          `json:"target_id,omitempty"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Submit queues an ad-hoc run of the given task and returns its job handle.
func (r *Registry) Submit(kind TaskKind, targetID *int64) (Job, error) {
	if !validKind(kind) {
		return Job{}, errors.New("unknown task kind: " + string(kind))
	}
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		TargetID:  targetID,
		Status:    StatePending,
		CreatedAt: r.now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	select {
	case r.queue <- run{kind: kind, targetID: targetID, jobID: job.ID}:
	case <-r.ctx.Done():
		return Job{}, errors.New("scheduler stopped")
	}
	return *job, nil
}

// Job returns a snapshot of the job with the given id.
func (r *Registry) Job(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// Cancel marks a pending job cancelled; the worker discards it on pickup.
// Running jobs cannot be cancelled.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatePending {
		return errors.New("job already " + job.Status)
	}
	job.Status = StateCancelled
	now := r.now().UTC()
	job.FinishedAt = &now
	return nil
}

func (r *Registry) updateJob(id string, fn func(*Job)) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		fn(job)
	}
}
