package labsched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func mustEnqueue(t *testing.T, q *JobQueue, spec JobSpec) *Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), spec)
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	return job
}

func singleSpec(priority JobPriority) JobSpec {
	return JobSpec{
		Priority: priority,
		Device:   &DeviceSpec{DeviceType: "qemu"},
	}
}

func TestEnqueueRejectsInvalidSpecs(t *testing.T) {
	q := NewJobQueue(nil)
	if _, err := q.Enqueue(context.Background(), JobSpec{}); err == nil {
		t.Fatal("expected error for spec without device or roles")
	}
	both := JobSpec{
		Device: &DeviceSpec{DeviceType: "qemu"},
		Roles:  map[string]RoleSpec{"client": {DeviceType: "qemu", Count: 1}},
	}
	if _, err := q.Enqueue(context.Background(), both); err == nil {
		t.Fatal("expected error for spec with both device and roles")
	}
	zeroCount := JobSpec{
		Roles: map[string]RoleSpec{"client": {DeviceType: "qemu"}},
	}
	if _, err := q.Enqueue(context.Background(), zeroCount); err == nil {
		t.Fatal("expected error for role with zero count")
	}
}

func TestEnqueueReturnsDetachedCopy(t *testing.T) {
	q := NewJobQueue(nil)
	job := mustEnqueue(t, q, singleSpec(PriorityMedium))

	job.State = JobRunning
	job.Devices = []string{"qemu01"}

	got, _ := q.Get(job.ID)
	if got.State != JobSubmitted || len(got.Devices) != 0 {
		t.Fatalf("mutating the returned job leaked into the queue: %+v", got)
	}
}

func TestEnqueuePersistsStableSnapshotUnderConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	q := NewJobQueue(newMemStore())

	// A scheduling loop transitions candidates while submissions stream in,
	// overlapping Enqueue's store write with Transitions of the same job.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			for _, id := range q.Candidates() {
				if err := q.Transition(ctx, id, JobScheduled, func(j *Job) {
					j.Devices = []string{"qemu01"}
				}); err != nil {
					t.Errorf("Transition returned error: %v", err)
				}
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	const rounds = 50
	for i := 0; i < rounds; i++ {
		if _, err := q.Enqueue(ctx, singleSpec(PriorityMedium)); err != nil {
			t.Fatalf("Enqueue returned error: %v", err)
		}
	}
	close(done)
	wg.Wait()

	// Sweep anything submitted after the loop's last pass.
	for _, id := range q.Candidates() {
		if err := q.Transition(ctx, id, JobScheduled, nil); err != nil {
			t.Fatalf("final transition returned error: %v", err)
		}
	}
	for _, job := range q.Jobs() {
		if job.State != JobScheduled {
			t.Fatalf("job %s not scheduled: %s", job.ID, job.State)
		}
	}
}

func TestCandidatesOrderByPriorityThenSubmission(t *testing.T) {
	q := NewJobQueue(nil)
	low := mustEnqueue(t, q, singleSpec(PriorityLow))
	medFirst := mustEnqueue(t, q, singleSpec(PriorityMedium))
	medSecond := mustEnqueue(t, q, singleSpec(PriorityMedium))
	high := mustEnqueue(t, q, singleSpec(PriorityHigh))

	hc := singleSpec(PriorityLow)
	hc.HealthCheck = true
	hc.Device.RequestedDevice = "qemu01"
	check := mustEnqueue(t, q, hc)

	want := []string{check.ID, high.ID, medFirst.ID, medSecond.ID, low.ID}
	got := q.Candidates()
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCandidatesSkipNonSubmittedJobs(t *testing.T) {
	q := NewJobQueue(nil)
	job := mustEnqueue(t, q, singleSpec(PriorityMedium))
	other := mustEnqueue(t, q, singleSpec(PriorityMedium))

	if err := q.Transition(context.Background(), job.ID, JobScheduled, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	got := q.Candidates()
	if len(got) != 1 || got[0] != other.ID {
		t.Fatalf("expected only %s pending, got %v", other.ID, got)
	}
}

func TestTransitionRejectsMovesOutsideTheTable(t *testing.T) {
	ctx := context.Background()
	q := NewJobQueue(nil)
	job := mustEnqueue(t, q, singleSpec(PriorityMedium))

	// Submitted -> Complete skips Scheduled/Running.
	if err := q.Transition(ctx, job.ID, JobComplete, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if err := q.Transition(ctx, job.ID, JobScheduled, nil); err != nil {
		t.Fatalf("submitted -> scheduled failed: %v", err)
	}
	if err := q.Transition(ctx, job.ID, JobRunning, nil); err != nil {
		t.Fatalf("scheduled -> running failed: %v", err)
	}
	if err := q.Transition(ctx, job.ID, JobComplete, nil); err != nil {
		t.Fatalf("running -> complete failed: %v", err)
	}
	// Terminal states are final.
	if err := q.Transition(ctx, job.ID, JobRunning, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition out of terminal state, got %v", err)
	}
	got, _ := q.Get(job.ID)
	if got.EndTime.IsZero() {
		t.Fatal("terminal transition should stamp EndTime")
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	q := NewJobQueue(nil)
	err := q.Transition(context.Background(), "nope", JobScheduled, nil)
	if !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRecordOutcomeReportsCompletionOnce(t *testing.T) {
	ctx := context.Background()
	q := NewJobQueue(nil)
	job := mustEnqueue(t, q, JobSpec{
		Roles: map[string]RoleSpec{
			"server": {DeviceType: "qemu", Count: 1},
			"client": {DeviceType: "qemu", Count: 1},
		},
	})
	if err := q.Transition(ctx, job.ID, JobScheduled, func(j *Job) {
		j.Devices = []string{"qemu01", "qemu02"}
	}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	all, err := q.RecordOutcome(job.ID, "qemu01", JobComplete)
	if err != nil {
		t.Fatalf("RecordOutcome returned error: %v", err)
	}
	if all {
		t.Fatal("one of two devices reported, allReported should be false")
	}
	all, err = q.RecordOutcome(job.ID, "qemu02", JobIncomplete)
	if err != nil {
		t.Fatalf("RecordOutcome returned error: %v", err)
	}
	if !all {
		t.Fatal("both devices reported, allReported should be true")
	}
}

func TestStatsSummarizeBacklog(t *testing.T) {
	q := NewJobQueue(nil)
	mustEnqueue(t, q, singleSpec(PriorityHigh))
	mustEnqueue(t, q, singleSpec(PriorityLow))
	hc := singleSpec(PriorityHigh)
	hc.HealthCheck = true
	hc.Device.RequestedDevice = "qemu01"
	mustEnqueue(t, q, hc)

	stats := q.Stats()
	if stats.Depth != 3 {
		t.Fatalf("expected depth 3, got %d", stats.Depth)
	}
	if stats.ByPriority[PriorityHigh.String()] != 2 {
		t.Fatalf("expected 2 high-priority jobs, got %d", stats.ByPriority[PriorityHigh.String()])
	}
	if stats.HealthChecks != 1 {
		t.Fatalf("expected 1 pending health check, got %d", stats.HealthChecks)
	}
	if stats.OldestAge <= 0 || stats.OldestAge > time.Minute {
		t.Fatalf("implausible oldest age %v", stats.OldestAge)
	}
}
