package queue

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tmacedo/galton/internal/model"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity. The
// dispatcher surfaces it to the caller as an immediate rejection.
var ErrQueueFull = errors.New("admission queue full")

// Job is a regression request waiting for a compute slot. The queue is
// in-memory only; queued jobs do not survive a restart.
type Job struct {
	JobID      string
	AnalysisID string
	OwnerID    string
	Request    model.AnalysisRequest
	// ModelFamily is the resolved family ("auto" already mapped).
	ModelFamily string
	EnqueuedAt  time.Time
}

// AdmissionQueue is a bounded FIFO buffer for jobs that arrive when no slot
// is free.
type AdmissionQueue struct {
	mu       sync.Mutex
	jobs     []Job
	maxDepth int
}

// New creates an admission queue with the given capacity.
func New(maxDepth int) *AdmissionQueue {
	return &AdmissionQueue{maxDepth: maxDepth}
}

// Enqueue appends a job and returns its 1-based position, or ErrQueueFull.
// The bound is hard: a full queue never partially admits.
func (q *AdmissionQueue) Enqueue(job Job) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) >= q.maxDepth {
		return 0, ErrQueueFull
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	q.jobs = append(q.jobs, job)
	position := len(q.jobs)
	slog.Debug("Job enqueued",
		"job_id", job.JobID,
		"position", position,
		"queue_size", position,
		"max_depth", q.maxDepth,
	)
	return position, nil
}

// DequeueFront pops the oldest job. The second return is false when the
// queue is empty.
func (q *AdmissionQueue) DequeueFront() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	slog.Debug("Job dequeued", "job_id", job.JobID, "remaining", len(q.jobs))
	return job, true
}

// RequeueFront puts a job back at the head of the queue. Used by the
// dispatcher when a freed slot cannot serve the head job's model family;
// FIFO order is preserved. The capacity bound is not re-checked: the job
// held a queue position moments ago and must not be dropped here.
func (q *AdmissionQueue) RequeueFront(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs = append([]Job{job}, q.jobs...)
}

// Size returns the current queue length.
func (q *AdmissionQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Contains reports whether a job is still waiting in the queue.
func (q *AdmissionQueue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.JobID == jobID {
			return true
		}
	}
	return false
}

// Clear drops all queued jobs without running them and returns them so the
// caller can finalize their records.
func (q *AdmissionQueue) Clear() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := q.jobs
	q.jobs = nil
	slog.Info("Admission queue cleared", "evicted", len(evicted))
	return evicted
}

// QueuedJobStatus is the diagnostic view of one queued job.
type QueuedJobStatus struct {
	JobID      string    `json:"job_id"`
	OwnerID    string    `json:"owner_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Snapshot is a read-only view of the queue for health reporting.
type Snapshot struct {
	Current   int               `json:"current"`
	Max       int               `json:"max"`
	Available int               `json:"available"`
	Jobs      []QueuedJobStatus `json:"jobs"`
}

// Snapshot returns the current diagnostic view of the queue.
func (q *AdmissionQueue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{
		Current:   len(q.jobs),
		Max:       q.maxDepth,
		Available: q.maxDepth - len(q.jobs),
	}
	for _, job := range q.jobs {
		snap.Jobs = append(snap.Jobs, QueuedJobStatus{
			JobID:      job.JobID,
			OwnerID:    job.OwnerID,
			EnqueuedAt: job.EnqueuedAt,
		})
	}
	return snap
}
