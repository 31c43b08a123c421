package labsched

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config wires a Lab instance.
type Config struct {
	// Store persists devices/jobs/groups/messages; nil keeps state in memory.
	Store Store
	// Gateway drives pipelines on reserved devices. Required.
	Gateway Gateway
	// PassInterval is the periodic scheduling cadence (default 10s).
	PassInterval time.Duration
	// HealthCheckEvery is how often each device is due a health check.
	// Zero disables the periodic submitter.
	HealthCheckEvery time.Duration
	// HealthCheckCron is the scan cadence of the health-check submitter
	// (default "@every 5m").
	HealthCheckCron string
}

// Lab is the injected context object holding the registry, queue, scheduler
// and coordinator, with explicit init and teardown so several instances can
// coexist in one process.
type Lab struct {
	Registry  *DeviceRegistry
	Queue     *JobQueue
	Coord     *Coordinator
	Scheduler *Scheduler

	store         Store
	gateway       Gateway
	dispatcher    *dispatcher
	healthChecker *HealthChecker

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds an unstarted Lab. Call Start to recover persisted state and run
// the scheduling loop, or drive RunPass manually in tests.
func New(cfg Config) (*Lab, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("lab: gateway cannot be nil")
	}
	registry := NewDeviceRegistry(cfg.Store)
	queue := NewJobQueue(cfg.Store)
	coord := NewCoordinator(cfg.Store)
	disp := newDispatcher(registry, queue, coord, cfg.Gateway)
	sched := NewScheduler(SchedulerConfig{PassInterval: cfg.PassInterval}, registry, queue, coord, disp)

	lab := &Lab{
		Registry:   registry,
		Queue:      queue,
		Coord:      coord,
		Scheduler:  sched,
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		dispatcher: disp,
	}
	disp.report = lab.reportOutcome
	if cfg.HealthCheckEvery > 0 {
		lab.healthChecker = NewHealthChecker(cfg.HealthCheckCron, cfg.HealthCheckEvery, registry, queue, lab.SubmitJob)
	}
	return lab, nil
}

// Start recovers persisted state and launches the scheduling loop and the
// health-check submitter. It returns immediately; Close stops everything.
func (l *Lab) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.group = &errgroup.Group{}
	l.dispatcher.bind(runCtx)

	if err := l.Recover(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "recover persisted state")
	}
	l.Scheduler.Start(runCtx, l.group)
	if l.healthChecker != nil {
		l.healthChecker.Start()
	}
	log.Info().Msg("lab started")
	return nil
}

// Close stops the loops, waits for dispatch units, and closes the store.
func (l *Lab) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.healthChecker != nil {
		l.healthChecker.Stop()
	}
	if l.group != nil {
		_ = l.group.Wait()
	}
	l.dispatcher.Wait()
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}

// SubmitJob validates and enqueues a job, then triggers a scheduling pass.
func (l *Lab) SubmitJob(ctx context.Context, spec JobSpec) (string, error) {
	job, err := l.Queue.Enqueue(ctx, spec)
	if err != nil {
		return "", err
	}
	l.Scheduler.Trigger()
	return job.ID, nil
}

// CancelJob cancels a job in any non-terminal state. Submitted jobs go
// straight to Canceled; Scheduled/Running jobs get their pipelines aborted,
// devices released and, for MultiNode, the group torn down so blocked peers
// see Canceled rather than Timeout.
func (l *Lab) CancelJob(ctx context.Context, jobID string) error {
	job, ok := l.Queue.Get(jobID)
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "cancel %s", jobID)
	}
	if job.State.Terminal() {
		return nil
	}
	if job.State == JobSubmitted {
		return l.Queue.Transition(ctx, jobID, JobCanceled, func(j *Job) {
			j.FailReason = "canceled by owner"
		})
	}

	l.dispatcher.CancelJob(ctx, jobID, job.Devices)
	if job.GroupID != "" {
		l.Coord.Teardown(ctx, job.GroupID)
	}
	for _, hostname := range job.Devices {
		if err := l.Registry.Release(ctx, hostname); err != nil {
			log.Error().Err(err).Str("hostname", hostname).Msg("cancel: release failed")
		}
	}
	if err := l.Queue.Transition(ctx, jobID, JobCanceled, func(j *Job) {
		j.FailReason = "canceled by owner"
	}); err != nil {
		return err
	}
	l.Scheduler.Trigger()
	return nil
}

// ReportOutcome is the Dispatch Gateway callback: one device's pipeline
// reached a terminal status.
func (l *Lab) ReportOutcome(ctx context.Context, jobID, hostname string, outcome JobState, reason string) error {
	if !outcome.Terminal() {
		return errors.Errorf("report outcome: %s is not a terminal state", outcome)
	}
	l.reportOutcome(ctx, jobID, hostname, outcome, reason)
	return nil
}

func (l *Lab) reportOutcome(ctx context.Context, jobID, hostname string, outcome JobState, reason string) {
	job, ok := l.Queue.Get(jobID)
	if !ok {
		log.Error().Str("job_id", jobID).Msg("outcome for unknown job")
		return
	}
	if job.State.Terminal() {
		// Late callback after cancel; the device is already released.
		return
	}

	log.Info().
		Str("job_id", jobID).
		Str("hostname", hostname).
		Str("outcome", outcome.String()).
		Str("reason", reason).
		Msg("device outcome reported")

	// Unblock peers first: waiting pipelines must see PeerFailed before any
	// timeout can fire.
	if outcome == JobIncomplete && job.GroupID != "" {
		if binding, ok := l.Coord.Binding(job.GroupID); ok {
			if role := binding.RoleOf(hostname); role != "" {
				l.Coord.RoleFailed(job.GroupID, role)
			}
		}
	}

	if err := l.Registry.Release(ctx, hostname); err != nil {
		log.Error().Err(err).Str("hostname", hostname).Msg("outcome: release failed")
	}
	if job.Spec.HealthCheck {
		l.applyHealthCheckOutcome(ctx, hostname, outcome)
	} else if outcome == JobIncomplete && infrastructureFailure(reason) {
		// The device was lost mid-run or the dispatcher never took it; its
		// state is no longer trusted until the next health check.
		if err := l.Registry.SetHealth(ctx, hostname, HealthUnknown); err != nil {
			log.Error().Err(err).Str("hostname", hostname).Msg("health demotion failed")
		}
	}

	allReported, err := l.Queue.RecordOutcome(jobID, hostname, outcome)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("record outcome failed")
		return
	}
	if !allReported {
		return
	}

	final := JobComplete
	for _, st := range l.mergedOutcomes(jobID) {
		if st == JobIncomplete {
			final = JobIncomplete
			break
		}
		if st == JobCanceled {
			final = JobCanceled
		}
	}
	if err := l.Queue.Transition(ctx, jobID, final, func(j *Job) {
		if final == JobIncomplete && j.FailReason == "" {
			j.FailReason = reason
		}
	}); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("final transition failed")
	}
	if job.GroupID != "" {
		l.Coord.Teardown(ctx, job.GroupID)
	}
	l.dispatcher.finish(jobID)
	l.Scheduler.Trigger()
}

// infrastructureFailure reports whether an outcome reason carries the
// ErrInfrastructure marker. Reasons cross the gateway boundary as strings, so
// the check is textual.
func infrastructureFailure(reason string) bool {
	return strings.Contains(reason, ErrInfrastructure.Error())
}

func (l *Lab) mergedOutcomes(jobID string) map[string]JobState {
	job, ok := l.Queue.Get(jobID)
	if !ok {
		return nil
	}
	return job.Outcomes
}

// applyHealthCheckOutcome drives device health from health-check job results.
func (l *Lab) applyHealthCheckOutcome(ctx context.Context, hostname string, outcome JobState) {
	var health DeviceHealth
	switch outcome {
	case JobComplete:
		health = HealthGood
	case JobIncomplete:
		health = HealthBad
	default:
		return
	}
	if err := l.Registry.SetHealth(ctx, hostname, health); err != nil {
		log.Error().Err(err).Str("hostname", hostname).Msg("health-check transition failed")
	}
	if err := l.Registry.MarkHealthChecked(ctx, hostname, time.Now()); err != nil {
		log.Error().Err(err).Str("hostname", hostname).Msg("mark health checked failed")
	}
}

// ReportHealth applies an external probe result to a device and retriggers
// scheduling in case the device became eligible.
func (l *Lab) ReportHealth(ctx context.Context, hostname string, health DeviceHealth) error {
	if err := l.Registry.SetHealth(ctx, hostname, health); err != nil {
		return err
	}
	l.Scheduler.Trigger()
	return nil
}
