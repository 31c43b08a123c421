package labsched

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// JobQueue owns jobs until they reach a terminal state. Candidate iteration is
// restartable: a failed match leaves the job Submitted for the next pass.
type JobQueue struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	seq   int64
	store Store
}

func NewJobQueue(store Store) *JobQueue {
	return &JobQueue{
		jobs:  make(map[string]*Job),
		store: store,
	}
}

// Enqueue validates the spec and creates a Submitted job.
func (q *JobQueue) Enqueue(ctx context.Context, spec JobSpec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.seq++
	job := &Job{
		ID:         uuid.NewString(),
		Spec:       spec,
		State:      JobSubmitted,
		SubmitTime: time.Now(),
		seq:        q.seq,
		Outcomes:   make(map[string]JobState),
	}
	q.jobs[job.ID] = job
	// Snapshot under the lock: the scheduling loop may transition the job
	// before the store write below runs.
	snapshot := *job
	q.mu.Unlock()

	log.Info().
		Str("job_id", job.ID).
		Str("priority", spec.Priority.String()).
		Bool("multinode", spec.MultiNode()).
		Bool("health_check", spec.HealthCheck).
		Msg("job submitted")
	return &snapshot, q.persist(ctx, &snapshot)
}

// restore re-inserts a job loaded from the store, keeping a stable sequence
// for FIFO ordering within a priority tier.
func (q *JobQueue) restore(job *Job) {
	q.mu.Lock()
	q.seq++
	job.seq = q.seq
	if job.Outcomes == nil {
		job.Outcomes = make(map[string]JobState)
	}
	q.jobs[job.ID] = job
	q.mu.Unlock()
}

// Get returns a copy of the job.
func (q *JobQueue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Candidates returns Submitted jobs in scheduling order: health checks first,
// then priority descending, then submission time, then insertion sequence so
// equal submissions keep a stable FIFO order.
func (q *JobQueue) Candidates() []string {
	q.mu.Lock()
	pending := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if job.State == JobSubmitted {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Spec.HealthCheck != b.Spec.HealthCheck {
			return a.Spec.HealthCheck
		}
		if a.Spec.Priority != b.Spec.Priority {
			return a.Spec.Priority > b.Spec.Priority
		}
		if !a.SubmitTime.Equal(b.SubmitTime) {
			return a.SubmitTime.Before(b.SubmitTime)
		}
		return a.seq < b.seq
	})
	q.mu.Unlock()

	out := make([]string, len(pending))
	for i, job := range pending {
		out[i] = job.ID
	}
	return out
}

// Transition moves a job through its state machine, rejecting moves outside
// the transition table. mutate, if non-nil, runs under the queue lock after
// the state change to attach scheduling results atomically.
func (q *JobQueue) Transition(ctx context.Context, id string, to JobState, mutate func(*Job)) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return errors.Wrapf(ErrUnknownJob, "transition %s", id)
	}
	if !transitionAllowed(jobTransitions, job.State, to) {
		from := job.State
		q.mu.Unlock()
		return errors.Wrapf(ErrIllegalTransition, "job %s: %s -> %s", id, from, to)
	}
	job.State = to
	if to.Terminal() {
		job.EndTime = time.Now()
	}
	if mutate != nil {
		mutate(job)
	}
	snapshot := *job
	q.mu.Unlock()

	log.Info().Str("job_id", id).Str("state", to.String()).Msg("job state changed")
	return q.persist(ctx, &snapshot)
}

// RecordOutcome stores one device's terminal outcome and reports whether all
// reserved devices have now reported.
func (q *JobQueue) RecordOutcome(id, hostname string, outcome JobState) (allReported bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false, errors.Wrapf(ErrUnknownJob, "record outcome %s", id)
	}
	job.Outcomes[hostname] = outcome
	for _, dev := range job.Devices {
		if _, reported := job.Outcomes[dev]; !reported {
			return false, nil
		}
	}
	return len(job.Devices) > 0, nil
}

// QueueStats is the metrics surface for Infeasible jobs: they stay queued and
// show up only as depth and age.
type QueueStats struct {
	Depth        int            `json:"depth"`
	ByPriority   map[string]int `json:"by_priority"`
	OldestAge    time.Duration  `json:"oldest_age"`
	HealthChecks int            `json:"health_checks"`
}

// Stats summarizes the Submitted backlog.
func (q *JobQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := QueueStats{ByPriority: map[string]int{}}
	now := time.Now()
	for _, job := range q.jobs {
		if job.State != JobSubmitted {
			continue
		}
		stats.Depth++
		stats.ByPriority[job.Spec.Priority.String()]++
		if job.Spec.HealthCheck {
			stats.HealthChecks++
		}
		if age := now.Sub(job.SubmitTime); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats
}

// Jobs returns copies of all known jobs, newest first.
func (q *JobQueue) Jobs() []Job {
	q.mu.Lock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out
}

func (q *JobQueue) persist(ctx context.Context, job *Job) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		return errors.Wrapf(err, "persist job %s", job.ID)
	}
	return nil
}
