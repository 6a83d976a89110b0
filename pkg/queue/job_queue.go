// Package queue provides the in-memory backlog of simulation jobs waiting
// for a free worker.
//
// Ordering is strict FIFO with no priorities. Job counts are small (tens),
// so every operation is a linear scan over a slice.
//
// A JobQueue is not safe for concurrent use; the orchestrator serialises
// access under its own lock.
package queue

import (
	"errors"
	"fmt"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// ErrDuplicateJob is returned when a job id is already queued.
var ErrDuplicateJob = errors.New("job already queued")

// JobQueue is an ordered backlog of job configurations.
type JobQueue struct {
	jobs []protocol.JobConfig
}

// NewJobQueue creates an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{}
}

// Enqueue appends a job. A job id may appear in the queue at most once.
func (q *JobQueue) Enqueue(job protocol.JobConfig) error {
	if q.index(job.ID) >= 0 {
		return fmt.Errorf("enqueuing %s: %w", job.ID, ErrDuplicateJob)
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// PushFront puts a job back at the head, used when a dispatch fails after
// the job was popped.
func (q *JobQueue) PushFront(job protocol.JobConfig) error {
	if q.index(job.ID) >= 0 {
		return fmt.Errorf("requeuing %s: %w", job.ID, ErrDuplicateJob)
	}
	q.jobs = append([]protocol.JobConfig{job}, q.jobs...)
	return nil
}

// PopNext removes and returns the head of the queue.
func (q *JobQueue) PopNext() (protocol.JobConfig, bool) {
	if len(q.jobs) == 0 {
		return protocol.JobConfig{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = protocol.JobConfig{}
	q.jobs = q.jobs[1:]
	return job, true
}

// Remove deletes a specific queued job. Returns whether it was found.
func (q *JobQueue) Remove(jobID string) bool {
	i := q.index(jobID)
	if i < 0 {
		return false
	}
	q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
	return true
}

// Get returns the queued job with jobID.
func (q *JobQueue) Get(jobID string) (protocol.JobConfig, bool) {
	i := q.index(jobID)
	if i < 0 {
		return protocol.JobConfig{}, false
	}
	return q.jobs[i], true
}

// Contains reports whether jobID is queued.
func (q *JobQueue) Contains(jobID string) bool {
	return q.index(jobID) >= 0
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	return len(q.jobs)
}

// IDs returns the queued job ids in order.
func (q *JobQueue) IDs() []string {
	ids := make([]string, len(q.jobs))
	for i, j := range q.jobs {
		ids[i] = j.ID
	}
	return ids
}

func (q *JobQueue) index(jobID string) int {
	for i, j := range q.jobs {
		if j.ID == jobID {
			return i
		}
	}
	return -1
}
